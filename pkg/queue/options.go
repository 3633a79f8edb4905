package queue

import "time"

// AddOption is a functional option for Add and Schedule.
type AddOption func(*addOptions)

type addOptions struct {
	priority    *Priority
	maxAttempts *int8
	runAt       *time.Time
}

// WithPriority sets the job priority.
func WithPriority(p Priority) AddOption {
	return func(o *addOptions) {
		o.priority = &p
	}
}

// WithMaxAttempts overrides the configured attempt budget (1-10).
// Capped at 10 to prevent endless retry loops on persistent failures.
func WithMaxAttempts(n int8) AddOption {
	return func(o *addOptions) {
		if n >= 1 && n <= 10 {
			o.maxAttempts = &n
		}
	}
}

// WithRunAt sets an absolute time before which the job will not dispatch.
func WithRunAt(t time.Time) AddOption {
	return func(o *addOptions) {
		o.runAt = &t
	}
}
