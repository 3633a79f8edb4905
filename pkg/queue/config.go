package queue

import "time"

// Config holds the construction-time configuration for the queue engine.
// Settings are consumed once by Open; transports never re-read them.
type Config struct {
	// Driver selects the transport: "memory", "postgres" or "redis".
	Driver string `env:"QUEUE_DRIVER" envDefault:"memory"`

	// Concurrency is the maximum number of simultaneously active jobs per
	// transport instance.
	Concurrency int `env:"QUEUE_CONCURRENCY" envDefault:"10"`

	// MaxAttempts is the default attempt budget for new jobs.
	MaxAttempts int8 `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`

	// DefaultPriority is applied when the producer does not set one.
	DefaultPriority Priority `env:"QUEUE_DEFAULT_PRIORITY" envDefault:"50"`

	// RetryDelay is the base delay used by the backoff calculator.
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"30s"`

	// RetryBackoff selects the backoff mode: "fixed" or "exponential".
	RetryBackoff BackoffMode `env:"QUEUE_RETRY_BACKOFF" envDefault:"exponential"`

	// PollInterval is the scheduler tick of the postgres transport. The
	// memory and redis transports run on TickInterval.
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`

	// TickInterval is the scheduler tick of the memory and redis transports.
	TickInterval time.Duration `env:"QUEUE_TICK_INTERVAL" envDefault:"1s"`

	// LockTimeout is the claim lease; active jobs whose lease expires are
	// retried, or failed once out of attempts. It also bounds a single
	// handler execution.
	LockTimeout time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`

	// MemoryMaxJobs bounds the memory transport; Add beyond the bound fails
	// with ErrQueueFull.
	MemoryMaxJobs int `env:"QUEUE_MEMORY_MAX_JOBS" envDefault:"10000"`

	// WorkerEnabled controls whether Open starts the background loops.
	// Producer-only processes set it to false.
	WorkerEnabled bool `env:"QUEUE_WORKER_ENABLED" envDefault:"true"`

	// ShutdownTimeout bounds how long Close waits for in-flight jobs.
	ShutdownTimeout time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// CleanupInterval is the cadence of the cleanup loop.
	CleanupInterval time.Duration `env:"QUEUE_CLEANUP_INTERVAL" envDefault:"10m"`

	// CompletedGrace is the minimum age before completed jobs are purged.
	CompletedGrace time.Duration `env:"QUEUE_COMPLETED_GRACE" envDefault:"1h"`

	// FailedGrace is the minimum age before failed jobs are purged. Kept
	// longer than CompletedGrace so failures stay inspectable.
	FailedGrace time.Duration `env:"QUEUE_FAILED_GRACE" envDefault:"24h"`
}

// withDefaults fills zero values so a partially populated Config behaves like
// the env defaults.
func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if !c.DefaultPriority.Valid() || c.DefaultPriority == 0 {
		c.DefaultPriority = PriorityDefault
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.RetryBackoff == "" {
		c.RetryBackoff = BackoffExponential
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.MemoryMaxJobs <= 0 {
		c.MemoryMaxJobs = 10000
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.CompletedGrace <= 0 {
		c.CompletedGrace = time.Hour
	}
	if c.FailedGrace <= 0 {
		c.FailedGrace = 24 * time.Hour
	}
	return c
}
