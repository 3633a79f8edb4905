// Package config loads typed configuration structs from environment
// variables.
//
// Each configuration type is parsed at most once per process; subsequent
// calls for the same type return a cached copy. A .env file in the working
// directory is loaded lazily before the first parse, which keeps local
// development friction-free without affecting deployments that rely on real
// environment variables.
//
// Usage:
//
//	type QueueConfig struct {
//		Driver      string `env:"QUEUE_DRIVER" envDefault:"memory"`
//		Concurrency int    `env:"QUEUE_CONCURRENCY" envDefault:"10"`
//	}
//
//	var cfg QueueConfig
//	if err := config.Load(&cfg); err != nil {
//		// handle error
//	}
package config
