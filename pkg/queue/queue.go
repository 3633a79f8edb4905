package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/queueworks/jobq/pkg/logger"
)

// Queue is the public facade over a transport. It owns payload serialization,
// job-record construction and defaulting; everything else is delegated.
type Queue struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
	client goredis.UniversalClient
}

// WithLogger sets the logger used by the queue and its background loops.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// WithPostgresPool supplies the connection pool for the postgres driver. The
// pool stays owned by the caller.
func WithPostgresPool(pool *pgxpool.Pool) Option {
	return func(o *openOptions) {
		o.pool = pool
	}
}

// WithRedisClient supplies the client for the redis driver. The client stays
// owned by the caller.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(o *openOptions) {
		o.client = client
	}
}

// Open builds the transport selected by cfg.Driver and, unless
// cfg.WorkerEnabled is false, starts its background loops. The postgres and
// redis drivers require their backend via WithPostgresPool / WithRedisClient.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Queue, error) {
	cfg = cfg.withDefaults()

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	log := o.logger.With(logger.Component("queue"))

	var (
		transport Transport
		err       error
	)
	switch cfg.Driver {
	case DriverMemory:
		transport = NewMemoryTransport(cfg, log)
	case DriverPostgres:
		if o.pool == nil {
			return nil, errors.Join(ErrMissingBackend, errors.New("postgres driver requires WithPostgresPool"))
		}
		transport, err = NewPostgresTransport(ctx, o.pool, cfg, log)
	case DriverRedis:
		if o.client == nil {
			return nil, errors.Join(ErrMissingBackend, errors.New("redis driver requires WithRedisClient"))
		}
		transport, err = NewRedisTransport(ctx, o.client, cfg, log)
	default:
		return nil, errors.Join(ErrUnknownDriver, errors.New("driver: "+cfg.Driver))
	}
	if err != nil {
		return nil, err
	}

	q := &Queue{transport: transport, cfg: cfg, logger: log}

	if cfg.WorkerEnabled {
		if err := transport.Start(ctx); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Add enqueues a job for immediate dispatch. An empty jobID gets a generated
// UUID; the payload is serialized to JSON. Returns the job ID.
func (q *Queue) Add(ctx context.Context, jobID, queueType string, payload any, opts ...AddOption) (string, error) {
	job, err := q.buildJob(jobID, queueType, payload, opts)
	if err != nil {
		return "", err
	}
	if err := q.transport.Add(ctx, job); err != nil {
		return "", err
	}
	q.logger.Info("job added",
		logger.JobID(job.ID),
		logger.QueueName(job.QueueType),
		slog.String("status", string(job.Status)))
	return job.ID, nil
}

// Schedule enqueues a job that becomes eligible after delay. A non-positive
// delay behaves like Add.
func (q *Queue) Schedule(ctx context.Context, jobID, queueType string, payload any, delay time.Duration, opts ...AddOption) (string, error) {
	if delay > 0 {
		opts = append(opts, WithRunAt(time.Now().Add(delay)))
	}
	return q.Add(ctx, jobID, queueType, payload, opts...)
}

// BatchJob describes one entry of an AddBatch call.
type BatchJob struct {
	ID        string
	QueueType string
	Payload   any
	Options   []AddOption
}

// AddBatch enqueues several jobs in one transport operation. All jobs are
// stored or none: any build or storage error rejects the whole batch.
func (q *Queue) AddBatch(ctx context.Context, batch []BatchJob) ([]string, error) {
	if len(batch) == 0 {
		return nil, ErrNoJobsToAdd
	}

	jobs := make([]*Job, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, entry := range batch {
		job, err := q.buildJob(entry.ID, entry.QueueType, entry.Payload, entry.Options)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}

	if err := q.transport.AddBatch(ctx, jobs); err != nil {
		return nil, err
	}
	q.logger.Info("job batch added", slog.Int("count", len(ids)))
	return ids, nil
}

// Start launches the background loops for a queue opened with
// WorkerEnabled false. Starting twice returns ErrAlreadyStarted.
func (q *Queue) Start(ctx context.Context) error {
	return q.transport.Start(ctx)
}

// Process registers the handler for a queue type. An empty queue type means
// the default queue. Registering twice replaces the previous handler.
func (q *Queue) Process(queueType string, handler Handler) error {
	return q.transport.Process(queueType, handler)
}

// Pause suspends dispatch for the named queue types, or for all queues when
// none are given. Already active jobs run to completion.
func (q *Queue) Pause(queueTypes ...string) {
	q.transport.Pause(queueTypes...)
	q.logger.Info("queues paused", slog.Any("queues", queueTypes))
}

// Resume re-enables dispatch for the named queue types, or for all.
func (q *Queue) Resume(queueTypes ...string) {
	q.transport.Resume(queueTypes...)
	q.logger.Info("queues resumed", slog.Any("queues", queueTypes))
}

// Stats returns job counts per status, optionally restricted to one queue
// type. Waiting jobs of a paused queue are reported as paused.
func (q *Queue) Stats(ctx context.Context, queueType string) (Stats, error) {
	return q.transport.Stats(ctx, queueType)
}

// Jobs lists jobs with the given status, newest first, optionally restricted
// to one queue type. A non-positive limit applies the default of 100.
func (q *Queue) Jobs(ctx context.Context, status Status, queueType string, limit int) ([]JobInfo, error) {
	return q.transport.Jobs(ctx, status, queueType, limit)
}

// Retry requeues a failed job for immediate dispatch with a fresh attempt
// budget. Only failed jobs can be retried.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	return q.transport.Retry(ctx, jobID)
}

// Remove deletes a job in any state except active.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	return q.transport.Remove(ctx, jobID)
}

// Clean purges jobs with the given status older than grace and returns how
// many were removed. Active jobs are never cleaned.
func (q *Queue) Clean(ctx context.Context, status Status, grace time.Duration) (int, error) {
	return q.transport.Clean(ctx, status, grace)
}

// Health reports the transport's condition. Degraded means the queue still
// accepts jobs but background processing is struggling.
func (q *Queue) Health(ctx context.Context) Health {
	return q.transport.Health(ctx)
}

// Run returns a closure for errgroup-style supervision: it blocks until ctx
// is canceled, then shuts the queue down gracefully.
func (q *Queue) Run(ctx context.Context) func() error {
	return func() error {
		<-ctx.Done()
		return q.Close()
	}
}

// Close stops the background loops and waits up to cfg.ShutdownTimeout for
// in-flight jobs to finish. Close is idempotent.
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ShutdownTimeout)
	defer cancel()
	return q.transport.Close(ctx)
}

func (q *Queue) buildJob(jobID, queueType string, payload any, opts []AddOption) (*Job, error) {
	if payload == nil {
		return nil, ErrPayloadNil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(ErrPayloadMarshal, err)
	}

	if jobID == "" {
		jobID = uuid.NewString()
	}
	if queueType == "" {
		queueType = DefaultQueueType
	}

	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now()
	job := &Job{
		ID:          jobID,
		QueueType:   queueType,
		Payload:     raw,
		Status:      StatusWaiting,
		Priority:    q.cfg.DefaultPriority,
		MaxAttempts: q.cfg.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
	}
	if o.priority != nil {
		if !o.priority.Valid() {
			return nil, ErrInvalidPriority
		}
		job.Priority = *o.priority
	}
	if o.maxAttempts != nil {
		job.MaxAttempts = *o.maxAttempts
	}
	if o.runAt != nil && o.runAt.After(now) {
		job.RunAt = *o.runAt
		job.Status = StatusDelayed
	}
	return job, nil
}
