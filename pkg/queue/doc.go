// Package queue provides a background job queue with pluggable storage,
// priority dispatch, delayed execution, and automatic retries with backoff.
//
// The package is organised around two layers:
//
//   - Queue      — the public facade: enqueue, schedule, inspect, manage
//   - Transport  — storage plus the worker loops (memory, postgres, redis)
//
// All three transports share one dispatch engine: a scheduler loop promotes
// delayed jobs, recovers expired claims, and fills free concurrency slots;
// a cleanup loop purges old terminal jobs. Transports differ only in how
// they store records and how they make the claim atomic.
//
// # Job lifecycle
//
//  1. A job enters as waiting, or delayed when scheduled for the future.
//  2. Delayed jobs promote to waiting once their run time elapses.
//  3. The scheduler claims waiting jobs in priority order (ties FIFO) and
//     runs the registered handler with the job active.
//  4. Success completes the job; failure retries it with backoff until the
//     attempt budget is spent, then the job is failed.
//  5. Failed jobs can be retried manually; terminal jobs age out via the
//     cleanup loop.
//
// # Usage
//
//	import (
//	    "context"
//
//	    "github.com/queueworks/jobq/pkg/queue"
//	)
//
//	type WelcomeEmail struct {
//	    UserID int64 `json:"user_id"`
//	}
//
//	func example(ctx context.Context) error {
//	    q, err := queue.Open(ctx, queue.Config{Driver: queue.DriverMemory})
//	    if err != nil {
//	        return err
//	    }
//	    defer q.Close()
//
//	    err = q.Process("emails", queue.NewHandler(func(ctx context.Context, p WelcomeEmail) (any, error) {
//	        // send the email
//	        return nil, nil
//	    }))
//	    if err != nil {
//	        return err
//	    }
//
//	    _, err = q.Add(ctx, "", "emails", WelcomeEmail{UserID: 42},
//	        queue.WithPriority(80),
//	    )
//	    return err
//	}
//
// The postgres and redis drivers take their backend via options:
//
//	q, err := queue.Open(ctx, cfg,
//	    queue.WithPostgresPool(pool),
//	    queue.WithLogger(log),
//	)
//
// Several processes may share a postgres or redis backend; the claim is
// atomic, so each job runs on exactly one worker. Pause and Resume apply to
// the local process only.
package queue
