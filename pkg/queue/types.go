package queue

import (
	"encoding/json"
	"time"
)

// DefaultQueueType is the queue type used when the producer does not name one.
const DefaultQueueType = "default"

// Status represents the lifecycle state of a job.
//
// A job moves through the state machine
//
//	delayed -> waiting -> active -> completed | failed
//
// with active -> waiting on a retryable failure and failed -> waiting on an
// explicit Retry call. StatusPaused is a read-side projection: a waiting job
// whose queue type is currently paused is reported as paused, but the stored
// record stays waiting so resuming the queue requires no write.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// Terminal reports whether s is an end state removed only by Remove or Clean.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority represents job priority (0-100, higher dispatches first).
// Using int8 provides sufficient range while keeping memory footprint minimal.
type Priority int8

const (
	PriorityMin     Priority = 0
	PriorityLow     Priority = 25
	PriorityMedium  Priority = 50
	PriorityHigh    Priority = 75
	PriorityMax     Priority = 100
	PriorityDefault Priority = PriorityMedium
)

// Valid checks if the priority is within valid range.
func (p Priority) Valid() bool {
	return p >= PriorityMin && p <= PriorityMax
}

// JobError captures the last failure of a job.
type JobError struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// Error kinds recorded in JobError.Kind.
const (
	ErrorKindHandler      = "handler"
	ErrorKindPanic        = "panic"
	ErrorKindNoHandler    = "no_handler"
	ErrorKindLeaseExpired = "lease_expired"
)

// leaseExpiredError is recorded when a job's claim lease runs out on its last
// attempt. The claim already consumed the attempt, so the reap step cannot
// hand the job back to waiting without breaking the attempt bound.
func leaseExpiredError() JobError {
	return JobError{
		Message: "claim lease expired before the handler finished",
		Kind:    ErrorKindLeaseExpired,
	}
}

// Job is the persisted unit of work. The transport that stores a record is
// its sole mutator; handlers and the facade only see copies.
type Job struct {
	ID          string          `json:"id"`
	QueueType   string          `json:"queue_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Attempts    int8            `json:"attempts"`
	MaxAttempts int8            `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	// LockedUntil is the claim lease. Active jobs whose lease expired are
	// recovered by the scheduler loop so a crashed worker cannot strand
	// them: back to waiting while attempts remain, to failed otherwise.
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// JobInfo is the read-only projection of a Job returned by Jobs and exposed
// to callers. It never carries transport-internal bookkeeping such as the
// claim lease or broker keys.
type JobInfo struct {
	ID          string          `json:"id"`
	QueueType   string          `json:"queue_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Attempts    int8            `json:"attempts"`
	MaxAttempts int8            `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Stats holds point-in-time job counts per status.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// HealthStatus is the coarse health of a transport.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health reports transport health with an optional detail message.
type Health struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// info converts a Job to its external projection, reporting waiting jobs of
// paused queues with StatusPaused.
func (j *Job) info(paused bool) JobInfo {
	status := j.Status
	if paused && status == StatusWaiting {
		status = StatusPaused
	}
	return JobInfo{
		ID:          j.ID,
		QueueType:   j.QueueType,
		Payload:     j.Payload,
		Status:      status,
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       j.RunAt,
		CreatedAt:   j.CreatedAt,
		ProcessedAt: j.ProcessedAt,
		CompletedAt: j.CompletedAt,
		FailedAt:    j.FailedAt,
		Error:       j.Error,
		Result:      j.Result,
	}
}

// terminalTime returns the timestamp Clean compares against the grace window:
// the relevant terminal timestamp, falling back to CreatedAt for records that
// never reached a terminal state (e.g. stale waiting jobs).
func (j *Job) terminalTime() time.Time {
	switch {
	case j.Status == StatusCompleted && j.CompletedAt != nil:
		return *j.CompletedAt
	case j.Status == StatusFailed && j.FailedAt != nil:
		return *j.FailedAt
	default:
		return j.CreatedAt
	}
}
