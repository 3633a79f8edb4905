package queue

import (
	"context"
	"time"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Transport is a storage and scheduling backend implementing the job queue
// contract. Each transport owns job storage, a background scheduler loop that
// promotes delayed jobs and dispatches waiting ones, and a cleanup loop that
// purges old terminal records.
//
// All mutation of a stored Job Record happens inside the transport; callers
// interact with read-only JobInfo projections.
type Transport interface {
	// Add persists a job record in its initial status (waiting or delayed).
	// Capacity-bounded transports return ErrQueueFull when the bound is hit;
	// a duplicate ID returns ErrDuplicateJobID.
	Add(ctx context.Context, job *Job) error

	// AddBatch persists several jobs in one backend round-trip.
	AddBatch(ctx context.Context, jobs []*Job) error

	// Process registers the handler for a queue type. Registration is
	// last-wins: re-registering a queue type replaces the previous handler,
	// which is logged as a warning.
	Process(queueType string, handler Handler) error

	// Pause stops dispatching the given queue types, or all types when none
	// are named. Already-active jobs are unaffected.
	Pause(queueTypes ...string)

	// Resume re-enables dispatch for the given queue types, or all.
	Resume(queueTypes ...string)

	// Stats returns point-in-time counts, optionally filtered to a queue type.
	Stats(ctx context.Context, queueType string) (Stats, error)

	// Jobs returns a newest-first read-only snapshot of jobs in the given
	// status, optionally filtered to a queue type.
	Jobs(ctx context.Context, status Status, queueType string, limit int) ([]JobInfo, error)

	// Retry requeues a failed job with a reset attempt counter. Any other
	// current status returns ErrInvalidState.
	Retry(ctx context.Context, jobID string) error

	// Remove deletes a job unless it is active.
	Remove(ctx context.Context, jobID string) error

	// Clean deletes jobs of the given status whose terminal timestamp (or
	// creation time when none is set) is older than now-grace. It returns
	// the number of deleted jobs.
	Clean(ctx context.Context, status Status, grace time.Duration) (int, error)

	// Health reports the transport's current health.
	Health(ctx context.Context) Health

	// Start launches the background scheduler and cleanup loops.
	Start(ctx context.Context) error

	// Close stops the background loops, waits for in-flight jobs up to the
	// configured shutdown timeout, then releases transport-owned resources.
	// Shared backend connections supplied by the caller are never closed.
	Close(ctx context.Context) error
}
