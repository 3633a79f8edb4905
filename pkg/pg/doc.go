// Package pg manages PostgreSQL connectivity for the queue engine: pooled
// connections with startup retry, health checking, error classification, and
// schema migrations.
//
// The package never owns schema decisions itself; callers pass an fs.FS with
// goose-compatible migration files. The queue engine ships its own jobs-table
// DDL and refuses to run against a database where it has not been applied.
package pg
