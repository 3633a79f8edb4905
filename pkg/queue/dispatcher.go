package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/queueworks/jobq/pkg/logger"
)

// jobStore is the storage surface the dispatcher drives. Each transport
// implements it with its backend's own atomicity primitives: the memory
// transport with a mutex, postgres with conditional updates, redis with a
// server-side compare-and-move script.
type jobStore interface {
	// promote moves delayed jobs whose run time has elapsed to waiting.
	promote(ctx context.Context, now time.Time) (int, error)

	// reapExpired recovers active jobs with an expired claim lease: back to
	// waiting while attempts remain, to failed when none do.
	reapExpired(ctx context.Context, now time.Time) (int, error)

	// claim exclusively moves the best eligible waiting job (priority desc,
	// creation asc, runAt <= now) of the given queue types to active,
	// incrementing its attempt counter and setting the claim lease. Returns
	// ErrNoJobToClaim when nothing is eligible.
	claim(ctx context.Context, queueTypes []string, now time.Time, lease time.Duration) (*Job, error)

	// markCompleted records the handler result and the completion timestamp.
	markCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error

	// markRetry requeues a failed attempt as waiting with a future run time.
	markRetry(ctx context.Context, jobID string, jobErr JobError, runAt time.Time) error

	// markFailed records a terminal failure.
	markFailed(ctx context.Context, jobID string, jobErr JobError, at time.Time) error
}

// cleaner is the subset of Transport the cleanup loop needs.
type cleaner interface {
	Clean(ctx context.Context, status Status, grace time.Duration) (int, error)
}

// dispatcher carries the behavior shared by every transport: the handler
// registry, pause bookkeeping, the concurrency semaphore, the scheduler and
// cleanup loops, and claim → handle → outcome processing. Transports embed
// it and supply storage through jobStore.
type dispatcher struct {
	store   jobStore
	cleaner cleaner
	cfg     Config
	backoff Backoff
	logger  *slog.Logger
	tick    time.Duration

	mu        sync.RWMutex
	handlers  map[string]Handler
	paused    map[string]struct{}
	pausedAll bool

	sem    chan struct{}
	wg     sync.WaitGroup
	stopMu sync.Mutex // protects stopping state and WaitGroup operations

	stopping atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool

	// wake lets transports with a notification channel (redis pub/sub) cut
	// the tick latency; it is a hint, never a delivery mechanism.
	wake chan struct{}

	// consecutive background loop failures, feeds degraded health reporting.
	loopErrs atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newDispatcher(cfg Config, store jobStore, cl cleaner, tick time.Duration, logger *slog.Logger) *dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &dispatcher{
		store:    store,
		cleaner:  cl,
		cfg:      cfg,
		backoff:  Backoff{Mode: cfg.RetryBackoff, Base: cfg.RetryDelay},
		logger:   logger,
		tick:     tick,
		handlers: make(map[string]Handler),
		paused:   make(map[string]struct{}),
		sem:      make(chan struct{}, cfg.Concurrency),
		wake:     make(chan struct{}, 1),
	}
}

// Process registers the handler for a queue type. Last registration wins.
func (d *dispatcher) Process(queueType string, handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}
	if queueType == "" {
		queueType = DefaultQueueType
	}

	d.mu.Lock()
	_, replaced := d.handlers[queueType]
	d.handlers[queueType] = handler
	d.mu.Unlock()

	if replaced {
		d.logger.Warn("handler re-registered, previous handler replaced",
			logger.QueueName(queueType))
	}
	return nil
}

// Pause stops dispatching the named queue types, or all when none are given.
func (d *dispatcher) Pause(queueTypes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(queueTypes) == 0 {
		d.pausedAll = true
		return
	}
	for _, q := range queueTypes {
		d.paused[q] = struct{}{}
	}
}

// Resume re-enables dispatch for the named queue types, or all.
func (d *dispatcher) Resume(queueTypes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(queueTypes) == 0 {
		d.pausedAll = false
		d.paused = make(map[string]struct{})
		return
	}
	for _, q := range queueTypes {
		delete(d.paused, q)
	}
}

// isPaused reports whether dispatch for a queue type is currently suspended.
func (d *dispatcher) isPaused(queueType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.pausedAll {
		return true
	}
	_, ok := d.paused[queueType]
	return ok
}

// pausedSnapshot returns the current pause state: whether everything is
// paused, and the individually paused queue types.
func (d *dispatcher) pausedSnapshot() (all bool, queues []string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	queues = make([]string, 0, len(d.paused))
	for q := range d.paused {
		queues = append(queues, q)
	}
	slices.Sort(queues)
	return d.pausedAll, queues
}

// eligibleQueues returns the registered, non-paused queue types, sorted for
// deterministic claim order.
func (d *dispatcher) eligibleQueues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.pausedAll {
		return nil
	}
	queues := make([]string, 0, len(d.handlers))
	for q := range d.handlers {
		if _, ok := d.paused[q]; ok {
			continue
		}
		queues = append(queues, q)
	}
	slices.Sort(queues)
	return queues
}

// Start launches the scheduler and cleanup loops.
func (d *dispatcher) Start(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.stopping.Store(false)

	go d.schedulerLoop()
	go d.cleanupLoop()

	d.logger.Info("queue worker started",
		slog.Duration("tick", d.tick),
		slog.Int("concurrency", cap(d.sem)))
	return nil
}

// Close stops the loops and waits for in-flight jobs until ctx expires.
func (d *dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !d.started.Load() {
		return nil
	}

	d.stopMu.Lock()
	d.stopping.Store(true)
	d.stopMu.Unlock()

	d.cancel()

	d.logger.Info("queue worker stopping, draining in-flight jobs")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("queue worker stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown timeout elapsed with jobs still in flight")
		return ctx.Err()
	}
}

// outcomeCtx is the context for outcome writes. Detached from the loop
// context so a job finishing during graceful shutdown can still record its
// result.
func (d *dispatcher) outcomeCtx() context.Context {
	return context.WithoutCancel(d.ctx)
}

// wakeup nudges the scheduler loop ahead of its next tick. Non-blocking.
func (d *dispatcher) wakeup() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// consecutiveLoopErrors reports how many background iterations in a row have
// failed; transports fold it into Health.
func (d *dispatcher) consecutiveLoopErrors() int64 {
	return d.loopErrs.Load()
}

/// schedulerLoop is the transport's dispatch loop: promote delayed jobs,
// recover expired claims, then fill free concurrency slots with eligible
// waiting jobs. Backend errors are logged and retried on the next tick.
func (d *dispatcher) schedulerLoop() {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.runOnce()
	}
}

func (d *dispatcher) runOnce() {
	now := time.Now()

	if _, err := d.store.promote(d.ctx, now); err != nil {
		d.backgroundError("promote delayed jobs", err)
		return
	}
	if n, err := d.store.reapExpired(d.ctx, now); err != nil {
		d.backgroundError("recover expired claims", err)
		return
	} else if n > 0 {
		d.logger.Warn("recovered jobs with expired claim leases", slog.Int("count", n))
	}

	queues := d.eligibleQueues()
	if len(queues) == 0 {
		return
	}

	for {
		// Respect the concurrency budget before touching storage.
		select {
		case d.sem <- struct{}{}:
		default:
			return
		}

		job, err := d.store.claim(d.ctx, queues, time.Now(), d.cfg.LockTimeout)
		if err != nil {
			<-d.sem
			if !errors.Is(err, ErrNoJobToClaim) {
				d.backgroundError("claim job", err)
			} else {
				d.loopErrs.Store(0)
			}
			return
		}
		d.loopErrs.Store(0)

		// Synchronize with Close so we never add to the WaitGroup after the
		// drain has started.
		d.stopMu.Lock()
		if d.stopping.Load() {
			d.stopMu.Unlock()
			<-d.sem
			return
		}
		d.wg.Add(1)
		d.stopMu.Unlock()

		go func() {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.processJob(job)
		}()
	}
}

// processJob executes the handler for a claimed job and records the outcome.
// Handler failures never escape: they drive the retry policy.
func (d *dispatcher) processJob(job *Job) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				logger.JobID(job.ID),
				logger.QueueName(job.QueueType),
				slog.Any("panic", r))
			d.finishFailed(job, JobError{
				Message: fmt.Sprintf("panic in handler: %v", r),
				Kind:    ErrorKindPanic,
			})
		}
	}()

	d.mu.RLock()
	handler, ok := d.handlers[job.QueueType]
	d.mu.RUnlock()

	if !ok {
		// The claim filter makes this unreachable in a single process, but a
		// postgres or redis backend is shared between workers with different
		// handler sets. Retrying cannot help without a handler.
		d.logger.Error("no handler registered for claimed job",
			logger.JobID(job.ID),
			logger.QueueName(job.QueueType))
		if err := d.store.markFailed(d.outcomeCtx(), job.ID, JobError{
			Message: "no handler registered for queue type: " + job.QueueType,
			Kind:    ErrorKindNoHandler,
		}, time.Now()); err != nil {
			d.logger.Error("failed to mark job failed",
				logger.JobID(job.ID), logger.Error(err))
		}
		return
	}

	// Detach from the worker lifecycle so graceful shutdown lets the job
	// finish; the claim lease bounds execution instead.
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.LockTimeout)
	defer cancel()

	result, err := handler.Handle(ctx, job.Payload)
	duration := time.Since(start)

	if err != nil {
		d.logger.Error("job failed",
			logger.JobID(job.ID),
			logger.QueueName(job.QueueType),
			slog.Int("attempts", int(job.Attempts)),
			slog.Int("max_attempts", int(job.MaxAttempts)),
			slog.Duration("duration", duration),
			logger.Error(err))
		d.finishFailed(job, JobError{Message: err.Error(), Kind: ErrorKindHandler})
		return
	}

	if err := d.store.markCompleted(d.outcomeCtx(), job.ID, result, time.Now()); err != nil {
		d.logger.Error("failed to mark job completed",
			logger.JobID(job.ID), logger.Error(err))
		return
	}

	d.logger.Info("job completed",
		logger.JobID(job.ID),
		logger.QueueName(job.QueueType),
		slog.Duration("duration", duration))
}

// finishFailed applies the retry policy after a failed attempt: requeue with
// backoff while attempts remain, terminal failure otherwise. The attempt
// counter was already incremented by the claim.
func (d *dispatcher) finishFailed(job *Job, jobErr JobError) {
	now := time.Now()

	if job.Attempts >= job.MaxAttempts {
		if err := d.store.markFailed(d.outcomeCtx(), job.ID, jobErr, now); err != nil {
			d.logger.Error("failed to mark job failed",
				logger.JobID(job.ID), logger.Error(err))
		}
		return
	}

	runAt := d.backoff.NextRunAt(now, int(job.Attempts))
	if err := d.store.markRetry(d.outcomeCtx(), job.ID, jobErr, runAt); err != nil {
		d.logger.Error("failed to requeue job for retry",
			logger.JobID(job.ID), logger.Error(err))
		return
	}

	d.logger.Info("job requeued for retry",
		logger.JobID(job.ID),
		slog.Int("attempts", int(job.Attempts)),
		slog.Time("run_at", runAt))
}

// cleanupLoop periodically purges old terminal jobs so storage stays bounded
// without destroying records needed for short-term debugging.
func (d *dispatcher) cleanupLoop() {
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, target := range []struct {
			status Status
			grace  time.Duration
		}{
			{StatusCompleted, d.cfg.CompletedGrace},
			{StatusFailed, d.cfg.FailedGrace},
		} {
			n, err := d.cleaner.Clean(d.ctx, target.status, target.grace)
			if err != nil {
				d.backgroundError("clean old jobs", err)
				continue
			}
			if n > 0 {
				d.logger.Info("cleaned old jobs",
					slog.String("status", string(target.status)),
					slog.Int("count", n))
			}
		}
	}
}

func (d *dispatcher) backgroundError(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	d.loopErrs.Add(1)
	d.logger.Error("background loop error, will retry next tick",
		slog.String("op", op),
		logger.Error(err))
}
