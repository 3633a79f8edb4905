package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queueworks/jobq/pkg/pg"
)

// jobsTable is the relational home of job records. The schema ships as a
// goose migration (see the migrations directory); the transport refuses to
// run against a database where it has not been applied.
const jobsTable = "queue_jobs"

const jobColumns = `id, queue_type, payload, status, priority, attempts, max_attempts,
	run_at, created_at, processed_at, completed_at, failed_at,
	error_message, error_kind, result, locked_until`

// cleanBatchSize bounds a single cleanup delete so the loop never holds a
// long-running transaction on a large backlog.
const cleanBatchSize = 500

// PostgresTransport stores jobs in a relational table and polls it on
// PollInterval. Claims are atomic conditional updates, which makes the
// transport safe for multiple worker processes sharing one database: the
// database's native atomicity arbitrates ownership, not a read-then-write
// sequence in the application.
type PostgresTransport struct {
	*dispatcher

	pool *pgxpool.Pool
}

// NewPostgresTransport creates a postgres transport on an existing pool.
// The pool is owned by the caller; Close never closes it.
//
// The jobs table must already exist: a missing table is a configuration
// error (ErrMissingSchema), never silently created.
func NewPostgresTransport(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) (*PostgresTransport, error) {
	if pool == nil {
		return nil, ErrMissingBackend
	}
	cfg = cfg.withDefaults()

	t := &PostgresTransport{pool: pool}
	t.dispatcher = newDispatcher(cfg, t, t, cfg.PollInterval, logger)

	// Probe the schema up front so misconfiguration fails at construction,
	// not on the first background tick.
	if _, err := pool.Exec(ctx, `SELECT FROM `+jobsTable+` WHERE false`); err != nil {
		if pg.IsUndefinedTableError(err) {
			return nil, ErrMissingSchema
		}
		return nil, errors.Join(ErrNotConnected, err)
	}

	return t, nil
}

// Add implements Transport.
func (t *PostgresTransport) Add(ctx context.Context, job *Job) error {
	_, err := t.pool.Exec(ctx, `
		INSERT INTO `+jobsTable+` (
			id, queue_type, payload, status, priority, attempts, max_attempts,
			run_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.QueueType, job.Payload, string(job.Status),
		job.Priority, job.Attempts, job.MaxAttempts,
		job.RunAt, job.CreatedAt,
	)
	if err != nil {
		return t.classify(err)
	}
	return nil
}

// AddBatch implements Transport using a single batched round-trip.
func (t *PostgresTransport) AddBatch(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return ErrNoJobsToAdd
	}

	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(`
			INSERT INTO `+jobsTable+` (
				id, queue_type, payload, status, priority, attempts, max_attempts,
				run_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			job.ID, job.QueueType, job.Payload, string(job.Status),
			job.Priority, job.Attempts, job.MaxAttempts,
			job.RunAt, job.CreatedAt,
		)
	}

	results := t.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range jobs {
		if _, err := results.Exec(); err != nil {
			return t.classify(err)
		}
	}
	return nil
}

// Stats implements Transport.
func (t *PostgresTransport) Stats(ctx context.Context, queueType string) (Stats, error) {
	query := `SELECT queue_type, status, count(*) FROM ` + jobsTable
	args := []any{}
	if queueType != "" {
		query += ` WHERE queue_type = $1`
		args = append(args, queueType)
	}
	query += ` GROUP BY queue_type, status`

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return Stats{}, t.classify(err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var q, status string
		var count int
		if err := rows.Scan(&q, &status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch Status(status) {
		case StatusWaiting:
			if t.isPaused(q) {
				stats.Paused += count
			} else {
				stats.Waiting += count
			}
		case StatusDelayed:
			stats.Delayed += count
		case StatusActive:
			stats.Active += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		}
	}
	return stats, rows.Err()
}

// Jobs implements Transport.
func (t *PostgresTransport) Jobs(ctx context.Context, status Status, queueType string, limit int) ([]JobInfo, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if limit <= 0 {
		limit = 100
	}

	// StatusPaused is a projection over waiting rows of paused queues, so
	// both paused and waiting requests query stored status 'waiting' with a
	// pause filter.
	stored := status
	if status == StatusPaused {
		stored = StatusWaiting
	}

	query := `SELECT ` + jobColumns + ` FROM ` + jobsTable + ` WHERE status = $1`
	args := []any{string(stored)}

	if queueType != "" {
		args = append(args, queueType)
		query += fmt.Sprintf(` AND queue_type = $%d`, len(args))
	}

	pausedAll, pausedQueues := t.pausedSnapshot()
	switch status {
	case StatusWaiting:
		if pausedAll {
			return []JobInfo{}, nil
		}
		if len(pausedQueues) > 0 {
			args = append(args, pausedQueues)
			query += fmt.Sprintf(` AND NOT (queue_type = ANY($%d))`, len(args))
		}
	case StatusPaused:
		if !pausedAll {
			if len(pausedQueues) == 0 {
				return []JobInfo{}, nil
			}
			args = append(args, pausedQueues)
			query += fmt.Sprintf(` AND queue_type = ANY($%d)`, len(args))
		}
	}

	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, t.classify(err)
	}
	defer rows.Close()

	infos := make([]JobInfo, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, job.info(t.isPaused(job.QueueType)))
	}
	return infos, rows.Err()
}

// Retry implements Transport.
func (t *PostgresTransport) Retry(ctx context.Context, jobID string) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET
			status = 'waiting', attempts = 0, run_at = now(),
			error_message = NULL, error_kind = NULL, failed_at = NULL
		WHERE id = $1 AND status = 'failed'`,
		jobID,
	)
	if err != nil {
		return t.classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return t.notRetriedReason(ctx, jobID)
}

func (t *PostgresTransport) notRetriedReason(ctx context.Context, jobID string) error {
	var exists bool
	if err := t.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM `+jobsTable+` WHERE id = $1)`, jobID,
	).Scan(&exists); err != nil {
		return t.classify(err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrInvalidState
}

// Remove implements Transport.
func (t *PostgresTransport) Remove(ctx context.Context, jobID string) error {
	tag, err := t.pool.Exec(ctx,
		`DELETE FROM `+jobsTable+` WHERE id = $1 AND status <> 'active'`, jobID)
	if err != nil {
		return t.classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := t.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM `+jobsTable+` WHERE id = $1)`, jobID,
	).Scan(&exists); err != nil {
		return t.classify(err)
	}
	if exists {
		return ErrInvalidState
	}
	return ErrJobNotFound
}

// Clean implements Transport. Deletes run in batches so a large backlog
// never produces one long statement.
func (t *PostgresTransport) Clean(ctx context.Context, status Status, grace time.Duration) (int, error) {
	if !status.Valid() {
		return 0, ErrInvalidStatus
	}

	cutoff := time.Now().Add(-grace)
	total := 0
	for {
		tag, err := t.pool.Exec(ctx, `
			DELETE FROM `+jobsTable+` WHERE id IN (
				SELECT id FROM `+jobsTable+`
				WHERE status = $1
				  AND COALESCE(completed_at, failed_at, created_at) < $2
				LIMIT $3
			)`,
			string(status), cutoff, cleanBatchSize,
		)
		if err != nil {
			return total, t.classify(err)
		}
		total += int(tag.RowsAffected())
		if tag.RowsAffected() < cleanBatchSize {
			return total, nil
		}
	}
}

// Health implements Transport.
func (t *PostgresTransport) Health(ctx context.Context) Health {
	if err := t.pool.Ping(ctx); err != nil {
		return Health{Status: HealthUnhealthy, Message: "database unreachable: " + err.Error()}
	}
	if n := t.consecutiveLoopErrors(); n >= 3 {
		return Health{Status: HealthDegraded, Message: fmt.Sprintf("%d consecutive background errors", n)}
	}
	return Health{Status: HealthHealthy}
}

// ── jobStore ──

func (t *PostgresTransport) promote(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET status = 'waiting'
		WHERE status = 'delayed' AND run_at <= $1`,
		now,
	)
	if err != nil {
		return 0, t.classify(err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *PostgresTransport) reapExpired(ctx context.Context, now time.Time) (int, error) {
	// Jobs that lost their lease on the final attempt are failed in place.
	// Returning them to waiting would have the next claim push attempts past
	// max_attempts and trip the table's attempts check.
	jobErr := leaseExpiredError()
	failedTag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET
			status = 'failed', failed_at = $1,
			error_message = $2, error_kind = $3, locked_until = NULL
		WHERE status = 'active' AND locked_until IS NOT NULL AND locked_until < $1
		  AND attempts >= max_attempts`,
		now, jobErr.Message, jobErr.Kind,
	)
	if err != nil {
		return 0, t.classify(err)
	}

	waitingTag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET status = 'waiting', locked_until = NULL
		WHERE status = 'active' AND locked_until IS NOT NULL AND locked_until < $1
		  AND attempts < max_attempts`,
		now,
	)
	if err != nil {
		return 0, t.classify(err)
	}
	return int(failedTag.RowsAffected() + waitingTag.RowsAffected()), nil
}

// claim selects candidates in dispatch order, then races for each with a
// conditional update. The update only wins if the row is still waiting, so
// two workers observing the same candidate cannot both claim it.
func (t *PostgresTransport) claim(ctx context.Context, queueTypes []string, now time.Time, lease time.Duration) (*Job, error) {
	rows, err := t.pool.Query(ctx, `
		SELECT id FROM `+jobsTable+`
		WHERE status = 'waiting' AND run_at <= $1 AND queue_type = ANY($2)
		ORDER BY priority DESC, created_at ASC
		LIMIT 5`,
		now, queueTypes,
	)
	if err != nil {
		return nil, t.classify(err)
	}
	candidates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect claim candidates: %w", err)
	}

	lockedUntil := now.Add(lease)
	for _, id := range candidates {
		row := t.pool.QueryRow(ctx, `
			UPDATE `+jobsTable+` SET
				status = 'active',
				attempts = attempts + 1,
				processed_at = $2,
				locked_until = $3
			WHERE id = $1 AND status = 'waiting'
			RETURNING `+jobColumns,
			id, now, lockedUntil,
		)

		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Lost the race for this candidate; try the next one.
				continue
			}
			return nil, t.classify(err)
		}
		return job, nil
	}

	return nil, ErrNoJobToClaim
}

func (t *PostgresTransport) markCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET
			status = 'completed', result = $2, completed_at = $3, locked_until = NULL
		WHERE id = $1 AND status = 'active'`,
		jobID, result, at,
	)
	if err != nil {
		return t.classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (t *PostgresTransport) markRetry(ctx context.Context, jobID string, jobErr JobError, runAt time.Time) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET
			status = 'waiting', run_at = $2,
			error_message = $3, error_kind = $4, locked_until = NULL
		WHERE id = $1 AND status = 'active'`,
		jobID, runAt, jobErr.Message, jobErr.Kind,
	)
	if err != nil {
		return t.classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (t *PostgresTransport) markFailed(ctx context.Context, jobID string, jobErr JobError, at time.Time) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE `+jobsTable+` SET
			status = 'failed', failed_at = $2,
			error_message = $3, error_kind = $4, locked_until = NULL
		WHERE id = $1 AND status = 'active'`,
		jobID, at, jobErr.Message, jobErr.Kind,
	)
	if err != nil {
		return t.classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// ── helpers ──

// classify maps backend errors onto the queue error taxonomy.
func (t *PostgresTransport) classify(err error) error {
	switch {
	case pg.IsDuplicateKeyError(err):
		return ErrDuplicateJobID
	case pg.IsUndefinedTableError(err):
		return ErrMissingSchema
	default:
		return fmt.Errorf("postgres transport: %w", err)
	}
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job          Job
		status       string
		errorMessage *string
		errorKind    *string
	)
	if err := row.Scan(
		&job.ID, &job.QueueType, &job.Payload, &status,
		&job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.RunAt, &job.CreatedAt, &job.ProcessedAt,
		&job.CompletedAt, &job.FailedAt,
		&errorMessage, &errorKind, &job.Result, &job.LockedUntil,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if errorMessage != nil {
		job.Error = &JobError{Message: *errorMessage}
		if errorKind != nil {
			job.Error.Kind = *errorKind
		}
	}
	return &job, nil
}
