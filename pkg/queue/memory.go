package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MemoryTransport is the single-process transport backed by an in-process
// table. It has no external dependency and bounds storage at maxJobs:
// correctness over availability, Add fails with ErrQueueFull instead of
// evicting.
type MemoryTransport struct {
	*dispatcher

	mu       sync.RWMutex
	jobs     map[string]*Job
	byStatus map[Status][]string
	maxJobs  int
}

// NewMemoryTransport creates a memory transport from the given configuration.
func NewMemoryTransport(cfg Config, logger *slog.Logger) *MemoryTransport {
	cfg = cfg.withDefaults()
	t := &MemoryTransport{
		jobs:     make(map[string]*Job),
		byStatus: make(map[Status][]string),
		maxJobs:  cfg.MemoryMaxJobs,
	}
	t.dispatcher = newDispatcher(cfg, t, t, cfg.TickInterval, logger)
	return t
}

// Add implements Transport.
func (t *MemoryTransport) Add(ctx context.Context, job *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(job)
}

// AddBatch implements Transport. The batch is all-or-nothing: if any job
// would exceed capacity or duplicate an ID, nothing is stored.
func (t *MemoryTransport) AddBatch(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return ErrNoJobsToAdd
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.jobs)+len(jobs) > t.maxJobs {
		return ErrQueueFull
	}
	for _, job := range jobs {
		if _, exists := t.jobs[job.ID]; exists {
			return ErrDuplicateJobID
		}
	}
	for _, job := range jobs {
		if err := t.addLocked(job); err != nil {
			return err
		}
	}
	return nil
}

func (t *MemoryTransport) addLocked(job *Job) error {
	if len(t.jobs) >= t.maxJobs {
		return ErrQueueFull
	}
	if _, exists := t.jobs[job.ID]; exists {
		return ErrDuplicateJobID
	}

	// Clone to keep the stored record under exclusive transport ownership.
	stored := *job
	t.jobs[stored.ID] = &stored
	t.byStatus[stored.Status] = append(t.byStatus[stored.Status], stored.ID)
	return nil
}

// Stats implements Transport.
func (t *MemoryTransport) Stats(ctx context.Context, queueType string) (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats Stats
	for _, job := range t.jobs {
		if queueType != "" && job.QueueType != queueType {
			continue
		}
		switch job.Status {
		case StatusWaiting:
			if t.isPaused(job.QueueType) {
				stats.Paused++
			} else {
				stats.Waiting++
			}
		case StatusDelayed:
			stats.Delayed++
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Jobs implements Transport.
func (t *MemoryTransport) Jobs(ctx context.Context, status Status, queueType string, limit int) ([]JobInfo, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	matches := make([]*Job, 0)
	for _, job := range t.jobs {
		if queueType != "" && job.QueueType != queueType {
			continue
		}
		paused := t.isPaused(job.QueueType)
		effective := job.Status
		if paused && effective == StatusWaiting {
			effective = StatusPaused
		}
		if effective != status {
			continue
		}
		matches = append(matches, job)
	}

	// Newest first.
	slices.SortFunc(matches, func(a, b *Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	infos := make([]JobInfo, 0, len(matches))
	for _, job := range matches {
		infos = append(infos, job.info(t.isPaused(job.QueueType)))
	}
	return infos, nil
}

// Retry implements Transport.
func (t *MemoryTransport) Retry(ctx context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != StatusFailed {
		return ErrInvalidState
	}

	t.setStatusLocked(job, StatusWaiting)
	job.Attempts = 0
	job.Error = nil
	job.FailedAt = nil
	job.RunAt = time.Now()
	return nil
}

// Remove implements Transport.
func (t *MemoryTransport) Remove(ctx context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status == StatusActive {
		return ErrInvalidState
	}

	t.removeFromStatusIndex(jobID, job.Status)
	delete(t.jobs, jobID)
	return nil
}

// Clean implements Transport.
func (t *MemoryTransport) Clean(ctx context.Context, status Status, grace time.Duration) (int, error) {
	if !status.Valid() {
		return 0, ErrInvalidStatus
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-grace)
	removed := 0
	for id, job := range t.jobs {
		if job.Status != status || job.Status == StatusActive {
			continue
		}
		if job.terminalTime().After(cutoff) {
			continue
		}
		t.removeFromStatusIndex(id, job.Status)
		delete(t.jobs, id)
		removed++
	}
	return removed, nil
}

// Health implements Transport. The memory transport degrades as it
// approaches capacity and is unhealthy when full.
func (t *MemoryTransport) Health(ctx context.Context) Health {
	t.mu.RLock()
	count := len(t.jobs)
	t.mu.RUnlock()

	switch {
	case count >= t.maxJobs:
		return Health{Status: HealthUnhealthy, Message: "queue is at capacity"}
	case count*10 >= t.maxJobs*9:
		return Health{Status: HealthDegraded, Message: "queue is near capacity"}
	default:
		return Health{Status: HealthHealthy}
	}
}

// ── jobStore ──

func (t *MemoryTransport) promote(ctx context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	promoted := 0
	for _, id := range slices.Clone(t.byStatus[StatusDelayed]) {
		job := t.jobs[id]
		if job.RunAt.After(now) {
			continue
		}
		t.setStatusLocked(job, StatusWaiting)
		promoted++
	}
	return promoted, nil
}

func (t *MemoryTransport) reapExpired(ctx context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reaped := 0
	for _, id := range slices.Clone(t.byStatus[StatusActive]) {
		job := t.jobs[id]
		if job.LockedUntil == nil || job.LockedUntil.After(now) {
			continue
		}
		job.LockedUntil = nil
		if job.Attempts >= job.MaxAttempts {
			// The lost claim was the last allowed attempt. Re-queueing would
			// push attempts past max_attempts on the next claim.
			failedAt := now
			jobErr := leaseExpiredError()
			job.FailedAt = &failedAt
			job.Error = &jobErr
			t.setStatusLocked(job, StatusFailed)
		} else {
			t.setStatusLocked(job, StatusWaiting)
		}
		reaped++
	}
	return reaped, nil
}

func (t *MemoryTransport) claim(ctx context.Context, queueTypes []string, now time.Time, lease time.Duration) (*Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Priority-first selection, earliest creation breaks ties. Exclusivity
	// comes from the transport mutex: the status flips to active before the
	// job is handed to the handler goroutine.
	var best *Job
	for _, id := range t.byStatus[StatusWaiting] {
		job := t.jobs[id]
		if !slices.Contains(queueTypes, job.QueueType) {
			continue
		}
		if job.RunAt.After(now) {
			continue
		}
		if best == nil ||
			job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}

	if best == nil {
		return nil, ErrNoJobToClaim
	}

	t.setStatusLocked(best, StatusActive)
	best.Attempts++
	processedAt := now
	best.ProcessedAt = &processedAt
	lockedUntil := now.Add(lease)
	best.LockedUntil = &lockedUntil

	claimed := *best
	return &claimed, nil
}

func (t *MemoryTransport) markCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != StatusActive {
		return ErrInvalidState
	}

	t.setStatusLocked(job, StatusCompleted)
	job.Result = result
	job.CompletedAt = &at
	job.LockedUntil = nil
	return nil
}

func (t *MemoryTransport) markRetry(ctx context.Context, jobID string, jobErr JobError, runAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != StatusActive {
		return ErrInvalidState
	}

	t.setStatusLocked(job, StatusWaiting)
	job.Error = &jobErr
	job.RunAt = runAt
	job.LockedUntil = nil
	return nil
}

func (t *MemoryTransport) markFailed(ctx context.Context, jobID string, jobErr JobError, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != StatusActive {
		return ErrInvalidState
	}

	t.setStatusLocked(job, StatusFailed)
	job.Error = &jobErr
	job.FailedAt = &at
	job.LockedUntil = nil
	return nil
}

// ── index helpers ──

func (t *MemoryTransport) setStatusLocked(job *Job, status Status) {
	t.removeFromStatusIndex(job.ID, job.Status)
	job.Status = status
	t.byStatus[status] = append(t.byStatus[status], job.ID)
}

func (t *MemoryTransport) removeFromStatusIndex(jobID string, status Status) {
	t.byStatus[status] = slices.DeleteFunc(t.byStatus[status], func(id string) bool {
		return id == jobID
	})
}
