package queue

import "errors"

// Common errors
var (
	// ErrQueueFull is returned when a capacity-bounded transport cannot accept more jobs
	ErrQueueFull = errors.New("queue is at capacity")

	// ErrJobNotFound is returned when the referenced job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation is not allowed in the job's current status,
	// e.g. retrying a job that has not failed or removing an active job
	ErrInvalidState = errors.New("operation not allowed in current job state")

	// ErrNotConnected is returned when the transport's backend is unavailable
	ErrNotConnected = errors.New("transport backend is not available")

	// ErrMissingSchema is returned when the jobs table does not exist; the
	// transport never creates schema on its own
	ErrMissingSchema = errors.New("jobs table does not exist, apply migrations first")

	// ErrUnknownDriver is returned by Open for an unrecognized driver name
	ErrUnknownDriver = errors.New("unknown queue driver")

	// ErrMissingBackend is returned by Open when the selected driver needs a
	// connection the caller did not supply
	ErrMissingBackend = errors.New("selected driver requires a backend connection")

	// ErrDuplicateJobID is returned when a job with the same ID already exists
	ErrDuplicateJobID = errors.New("job with this ID already exists")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrPayloadMarshal is returned when payload marshaling fails
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")

	// ErrInvalidPriority is returned when priority is outside valid range
	ErrInvalidPriority = errors.New("priority must be between 0 and 100")

	// ErrInvalidStatus is returned when a status argument is not a defined status
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrHandlerNil is returned when registering a nil handler
	ErrHandlerNil = errors.New("handler cannot be nil")

	// ErrAlreadyStarted is returned when starting a transport twice
	ErrAlreadyStarted = errors.New("transport already started")

	// ErrClosed is returned when using a transport after Close
	ErrClosed = errors.New("transport is closed")

	// ErrNoJobToClaim signals an empty claim attempt; background loops treat it
	// as a normal idle tick, never as a failure
	ErrNoJobToClaim = errors.New("no job available to claim")

	// ErrNoJobsToAdd is returned when batch add is called with no jobs
	ErrNoJobsToAdd = errors.New("no jobs to add")
)
