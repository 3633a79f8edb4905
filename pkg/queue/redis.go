package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis key layout, all prefixed to avoid collisions with other users of the
// same database:
//
//	jobq:job:{id}          hash with the serialized job record
//	jobq:waiting:{queue}   sorted set, score = priority (negated) + FIFO tiebreak
//	jobq:active:{queue}    sorted set, score = claim lease expiry (unix ms)
//	jobq:completed:{queue} sorted set, score = completion time (unix ms)
//	jobq:failed:{queue}    sorted set, score = failure time (unix ms)
//	jobq:delayed           global sorted set, score = run time (unix ms)
//	jobq:queues            set of known queue types
//	jobq:notify:{queue}    pub/sub wake-up channel (hint only)
const redisKeyPrefix = "jobq:"

func redisJobKey(id string) string { return redisKeyPrefix + "job:" + id }

func redisStatusKey(status Status, queue string) string {
	return redisKeyPrefix + string(status) + ":" + queue
}

const (
	redisDelayedKey = redisKeyPrefix + "delayed"
	redisQueuesKey  = redisKeyPrefix + "queues"
)

func redisNotifyKey(queue string) string { return redisKeyPrefix + "notify:" + queue }

// waitingScore orders the waiting set by priority desc, creation asc: the
// priority is negated so higher priorities sort first under ZRANGE, and a
// sub-integer time fraction breaks ties FIFO.
func waitingScore(priority Priority, createdAt time.Time) float64 {
	return float64(-priority) + float64(createdAt.UnixMilli())/1e15
}

// claimScript atomically moves the best eligible waiting job into the active
// set. A plain "read top, then remove and re-add" sequence would let two
// workers observe the same top entry before either removed it; running the
// compare-and-move server side closes that race.
//
//	KEYS[1] waiting set   KEYS[2] active set
//	ARGV[1] now (unix ms) ARGV[2] lease expiry (unix ms)
//	ARGV[3] job key prefix ARGV[4] processed_at (RFC3339Nano)
//	ARGV[5] locked_until (RFC3339Nano)
//
// Members are scanned in dispatch order; ones whose run time has not elapsed
// (parked retries) are skipped. Members whose job hash is gone (removed or
// cleaned between the set read and the claim) are dropped from the set, never
// claimed: HSET on them would resurrect a partial hash. The scan is bounded,
// so a queue head full of far-future retries defers lower-priority eligible
// jobs to a later tick.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 24)
for i, id in ipairs(ids) do
	if redis.call('EXISTS', ARGV[3] .. id) == 0 then
		redis.call('ZREM', KEYS[1], id)
	else
		local runAt = tonumber(redis.call('HGET', ARGV[3] .. id, 'run_at_ms') or '0')
		if runAt <= tonumber(ARGV[1]) then
			redis.call('ZREM', KEYS[1], id)
			redis.call('ZADD', KEYS[2], ARGV[2], id)
			redis.call('HSET', ARGV[3] .. id,
				'status', 'active',
				'processed_at', ARGV[4],
				'locked_until', ARGV[5])
			redis.call('HINCRBY', ARGV[3] .. id, 'attempts', 1)
			return id
		end
	end
end
return false
`)

// RedisTransport stores jobs in Redis: a hash per job, priority-ordered sets
// per (queue type, status), a global delayed set scored by run time, and a
// pub/sub channel per queue type used only as a wake-up hint.
type RedisTransport struct {
	*dispatcher

	client goredis.UniversalClient
	pubsub *goredis.PubSub
}

// NewRedisTransport creates a redis transport on an existing client. The
// client is owned by the caller; Close never closes it.
func NewRedisTransport(ctx context.Context, client goredis.UniversalClient, cfg Config, logger *slog.Logger) (*RedisTransport, error) {
	if client == nil {
		return nil, ErrMissingBackend
	}
	cfg = cfg.withDefaults()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(ErrNotConnected, err)
	}

	t := &RedisTransport{client: client}
	t.dispatcher = newDispatcher(cfg, t, t, cfg.TickInterval, logger)
	return t, nil
}

// Start implements Transport. Besides the shared loops it subscribes to the
// notification channels so an Add from another process can cut tick latency.
func (t *RedisTransport) Start(ctx context.Context) error {
	if err := t.dispatcher.Start(ctx); err != nil {
		return err
	}

	t.pubsub = t.client.PSubscribe(t.dispatcher.ctx, redisNotifyKey("*"))
	go func() {
		ch := t.pubsub.Channel()
		for {
			select {
			case <-t.dispatcher.ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				t.wakeup()
			}
		}
	}()
	return nil
}

// Close implements Transport.
func (t *RedisTransport) Close(ctx context.Context) error {
	err := t.dispatcher.Close(ctx)
	if t.pubsub != nil {
		_ = t.pubsub.Close()
	}
	return err
}

// Add implements Transport. Adding is one batched write: store the hash, add
// the member to its initial set, publish the wake-up notification.
func (t *RedisTransport) Add(ctx context.Context, job *Job) error {
	exists, err := t.client.Exists(ctx, redisJobKey(job.ID)).Result()
	if err != nil {
		return t.classify(err)
	}
	if exists > 0 {
		return ErrDuplicateJobID
	}

	pipe := t.client.TxPipeline()
	t.queueAdd(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

// AddBatch implements Transport using a single pipeline round-trip.
func (t *RedisTransport) AddBatch(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return ErrNoJobsToAdd
	}

	keys := make([]string, len(jobs))
	for i, job := range jobs {
		keys[i] = redisJobKey(job.ID)
	}
	exists, err := t.client.Exists(ctx, keys...).Result()
	if err != nil {
		return t.classify(err)
	}
	if exists > 0 {
		return ErrDuplicateJobID
	}

	pipe := t.client.TxPipeline()
	for _, job := range jobs {
		t.queueAdd(ctx, pipe, job)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *RedisTransport) queueAdd(ctx context.Context, pipe goredis.Pipeliner, job *Job) {
	pipe.HSet(ctx, redisJobKey(job.ID), jobToFields(job))
	pipe.SAdd(ctx, redisQueuesKey, job.QueueType)
	if job.Status == StatusDelayed {
		pipe.ZAdd(ctx, redisDelayedKey, goredis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.ZAdd(ctx, redisStatusKey(StatusWaiting, job.QueueType), goredis.Z{
			Score:  waitingScore(job.Priority, job.CreatedAt),
			Member: job.ID,
		})
	}
	pipe.Publish(ctx, redisNotifyKey(job.QueueType), job.ID)
}

// Stats implements Transport.
func (t *RedisTransport) Stats(ctx context.Context, queueType string) (Stats, error) {
	queues, err := t.knownQueues(ctx, queueType)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, q := range queues {
		waiting, err := t.client.ZCard(ctx, redisStatusKey(StatusWaiting, q)).Result()
		if err != nil {
			return Stats{}, t.classify(err)
		}
		if t.isPaused(q) {
			stats.Paused += int(waiting)
		} else {
			stats.Waiting += int(waiting)
		}

		for _, entry := range []struct {
			status Status
			out    *int
		}{
			{StatusActive, &stats.Active},
			{StatusCompleted, &stats.Completed},
			{StatusFailed, &stats.Failed},
		} {
			n, err := t.client.ZCard(ctx, redisStatusKey(entry.status, q)).Result()
			if err != nil {
				return Stats{}, t.classify(err)
			}
			*entry.out += int(n)
		}
	}

	delayed, err := t.delayedIDs(ctx, queueType)
	if err != nil {
		return Stats{}, err
	}
	stats.Delayed = len(delayed)

	return stats, nil
}

// Jobs implements Transport.
func (t *RedisTransport) Jobs(ctx context.Context, status Status, queueType string, limit int) ([]JobInfo, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	switch status {
	case StatusDelayed:
		delayed, err := t.delayedIDs(ctx, queueType)
		if err != nil {
			return nil, err
		}
		ids = delayed
	case StatusWaiting, StatusPaused:
		queues, err := t.knownQueues(ctx, queueType)
		if err != nil {
			return nil, err
		}
		wantPaused := status == StatusPaused
		for _, q := range queues {
			if t.isPaused(q) != wantPaused {
				continue
			}
			members, err := t.client.ZRange(ctx, redisStatusKey(StatusWaiting, q), 0, -1).Result()
			if err != nil {
				return nil, t.classify(err)
			}
			ids = append(ids, members...)
		}
	default:
		queues, err := t.knownQueues(ctx, queueType)
		if err != nil {
			return nil, err
		}
		for _, q := range queues {
			members, err := t.client.ZRange(ctx, redisStatusKey(status, q), 0, -1).Result()
			if err != nil {
				return nil, t.classify(err)
			}
			ids = append(ids, members...)
		}
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := t.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue // removed between the set read and the hash read
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}

	// Newest first.
	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	infos := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, job.info(t.isPaused(job.QueueType)))
	}
	return infos, nil
}

// Retry implements Transport.
func (t *RedisTransport) Retry(ctx context.Context, jobID string) error {
	job, err := t.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed {
		return ErrInvalidState
	}

	now := time.Now()
	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, redisStatusKey(StatusFailed, job.QueueType), jobID)
	pipe.HSet(ctx, redisJobKey(jobID),
		"status", string(StatusWaiting),
		"attempts", "0",
		"run_at", now.Format(time.RFC3339Nano),
		"run_at_ms", strconv.FormatInt(now.UnixMilli(), 10),
	)
	pipe.HDel(ctx, redisJobKey(jobID), "error_message", "error_kind", "failed_at")
	pipe.ZAdd(ctx, redisStatusKey(StatusWaiting, job.QueueType), goredis.Z{
		Score:  waitingScore(job.Priority, job.CreatedAt),
		Member: jobID,
	})
	pipe.Publish(ctx, redisNotifyKey(job.QueueType), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

// Remove implements Transport.
func (t *RedisTransport) Remove(ctx context.Context, jobID string) error {
	job, err := t.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusActive {
		return ErrInvalidState
	}

	pipe := t.client.TxPipeline()
	pipe.Del(ctx, redisJobKey(jobID))
	if job.Status == StatusDelayed {
		pipe.ZRem(ctx, redisDelayedKey, jobID)
	} else {
		pipe.ZRem(ctx, redisStatusKey(job.Status, job.QueueType), jobID)
	}
	// A parked retry sits in the waiting set regardless of its run time.
	pipe.ZRem(ctx, redisStatusKey(StatusWaiting, job.QueueType), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

// Clean implements Transport.
func (t *RedisTransport) Clean(ctx context.Context, status Status, grace time.Duration) (int, error) {
	if !status.Valid() {
		return 0, ErrInvalidStatus
	}

	cutoff := time.Now().Add(-grace)
	var ids []string

	if status == StatusDelayed {
		delayed, err := t.delayedIDs(ctx, "")
		if err != nil {
			return 0, err
		}
		ids = delayed
	} else {
		queues, err := t.knownQueues(ctx, "")
		if err != nil {
			return 0, err
		}
		cutoffScore := strconv.FormatInt(cutoff.UnixMilli(), 10)
		for _, q := range queues {
			if status.Terminal() {
				// Terminal sets are scored by their terminal timestamp.
				members, err := t.client.ZRangeByScore(ctx, redisStatusKey(status, q), &goredis.ZRangeBy{
					Min: "-inf", Max: cutoffScore,
				}).Result()
				if err != nil {
					return 0, t.classify(err)
				}
				ids = append(ids, members...)
				continue
			}
			members, err := t.client.ZRange(ctx, redisStatusKey(status, q), 0, -1).Result()
			if err != nil {
				return 0, t.classify(err)
			}
			ids = append(ids, members...)
		}
	}

	removed := 0
	for _, id := range ids {
		job, err := t.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return removed, err
		}
		if job.Status != status || job.Status == StatusActive {
			continue
		}
		if job.terminalTime().After(cutoff) {
			continue
		}

		pipe := t.client.TxPipeline()
		pipe.Del(ctx, redisJobKey(id))
		if job.Status == StatusDelayed {
			pipe.ZRem(ctx, redisDelayedKey, id)
		} else {
			pipe.ZRem(ctx, redisStatusKey(job.Status, job.QueueType), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, t.classify(err)
		}
		removed++
	}
	return removed, nil
}

// Health implements Transport.
func (t *RedisTransport) Health(ctx context.Context) Health {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return Health{Status: HealthUnhealthy, Message: "redis unreachable: " + err.Error()}
	}
	if n := t.consecutiveLoopErrors(); n >= 3 {
		return Health{Status: HealthDegraded, Message: fmt.Sprintf("%d consecutive background errors", n)}
	}
	return Health{Status: HealthHealthy}
}

// ── jobStore ──

// promote scans the delayed set for run times that have elapsed and moves
// the entries into their queue's waiting set.
func (t *RedisTransport) promote(ctx context.Context, now time.Time) (int, error) {
	due, err := t.client.ZRangeByScore(ctx, redisDelayedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, t.classify(err)
	}

	promoted := 0
	for _, id := range due {
		job, err := t.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				_ = t.client.ZRem(ctx, redisDelayedKey, id).Err()
				continue
			}
			return promoted, err
		}

		pipe := t.client.TxPipeline()
		pipe.ZRem(ctx, redisDelayedKey, id)
		pipe.HSet(ctx, redisJobKey(id), "status", string(StatusWaiting))
		pipe.ZAdd(ctx, redisStatusKey(StatusWaiting, job.QueueType), goredis.Z{
			Score:  waitingScore(job.Priority, job.CreatedAt),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, t.classify(err)
		}
		promoted++
	}
	return promoted, nil
}

// reapExpired recovers active jobs whose claim lease (the active-set score)
// has elapsed: back to waiting while attempts remain, to failed when the lost
// claim was the last allowed attempt.
func (t *RedisTransport) reapExpired(ctx context.Context, now time.Time) (int, error) {
	queues, err := t.knownQueues(ctx, "")
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, q := range queues {
		expired, err := t.client.ZRangeByScore(ctx, redisStatusKey(StatusActive, q), &goredis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return reaped, t.classify(err)
		}

		for _, id := range expired {
			job, err := t.loadJob(ctx, id)
			if err != nil {
				if errors.Is(err, ErrJobNotFound) {
					_ = t.client.ZRem(ctx, redisStatusKey(StatusActive, q), id).Err()
					continue
				}
				return reaped, err
			}

			pipe := t.client.TxPipeline()
			pipe.ZRem(ctx, redisStatusKey(StatusActive, q), id)
			pipe.HDel(ctx, redisJobKey(id), "locked_until")
			if job.Attempts >= job.MaxAttempts {
				jobErr := leaseExpiredError()
				pipe.HSet(ctx, redisJobKey(id),
					"status", string(StatusFailed),
					"failed_at", now.Format(time.RFC3339Nano),
					"error_message", jobErr.Message,
					"error_kind", jobErr.Kind,
				)
				pipe.ZAdd(ctx, redisStatusKey(StatusFailed, q), goredis.Z{
					Score:  float64(now.UnixMilli()),
					Member: id,
				})
			} else {
				pipe.HSet(ctx, redisJobKey(id), "status", string(StatusWaiting))
				pipe.ZAdd(ctx, redisStatusKey(StatusWaiting, q), goredis.Z{
					Score:  waitingScore(job.Priority, job.CreatedAt),
					Member: id,
				})
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return reaped, t.classify(err)
			}
			reaped++
		}
	}
	return reaped, nil
}

// claim runs the compare-and-move script against each eligible queue until
// one yields a job. Cross-queue ordering is not guaranteed.
func (t *RedisTransport) claim(ctx context.Context, queueTypes []string, now time.Time, lease time.Duration) (*Job, error) {
	lockedUntil := now.Add(lease)

	for _, q := range queueTypes {
		res, err := claimScript.Run(ctx, t.client,
			[]string{redisStatusKey(StatusWaiting, q), redisStatusKey(StatusActive, q)},
			now.UnixMilli(),
			lockedUntil.UnixMilli(),
			redisKeyPrefix+"job:",
			now.Format(time.RFC3339Nano),
			lockedUntil.Format(time.RFC3339Nano),
		).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, t.classify(err)
		}

		id, ok := res.(string)
		if !ok || id == "" {
			continue
		}
		job, err := t.loadJob(ctx, id)
		if err != nil {
			// A concurrent Remove can delete the hash after the script moved
			// the member to active; the reap pass drops the stale member.
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		return job, nil
	}

	return nil, ErrNoJobToClaim
}

func (t *RedisTransport) markCompleted(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	job, err := t.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return ErrInvalidState
	}

	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, redisStatusKey(StatusActive, job.QueueType), jobID)
	pipe.ZAdd(ctx, redisStatusKey(StatusCompleted, job.QueueType), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: jobID,
	})
	fields := map[string]any{
		"status":       string(StatusCompleted),
		"completed_at": at.Format(time.RFC3339Nano),
	}
	if len(result) > 0 {
		fields["result"] = string(result)
	}
	pipe.HSet(ctx, redisJobKey(jobID), fields)
	pipe.HDel(ctx, redisJobKey(jobID), "locked_until")
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *RedisTransport) markRetry(ctx context.Context, jobID string, jobErr JobError, runAt time.Time) error {
	job, err := t.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return ErrInvalidState
	}

	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, redisStatusKey(StatusActive, job.QueueType), jobID)
	pipe.HSet(ctx, redisJobKey(jobID),
		"status", string(StatusWaiting),
		"run_at", runAt.Format(time.RFC3339Nano),
		"run_at_ms", strconv.FormatInt(runAt.UnixMilli(), 10),
		"error_message", jobErr.Message,
		"error_kind", jobErr.Kind,
	)
	pipe.HDel(ctx, redisJobKey(jobID), "locked_until")
	// Back into the waiting set; the claim script skips it until runAt.
	pipe.ZAdd(ctx, redisStatusKey(StatusWaiting, job.QueueType), goredis.Z{
		Score:  waitingScore(job.Priority, job.CreatedAt),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *RedisTransport) markFailed(ctx context.Context, jobID string, jobErr JobError, at time.Time) error {
	job, err := t.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusActive {
		return ErrInvalidState
	}

	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, redisStatusKey(StatusActive, job.QueueType), jobID)
	pipe.ZAdd(ctx, redisStatusKey(StatusFailed, job.QueueType), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: jobID,
	})
	pipe.HSet(ctx, redisJobKey(jobID),
		"status", string(StatusFailed),
		"failed_at", at.Format(time.RFC3339Nano),
		"error_message", jobErr.Message,
		"error_kind", jobErr.Kind,
	)
	pipe.HDel(ctx, redisJobKey(jobID), "locked_until")
	if _, err := pipe.Exec(ctx); err != nil {
		return t.classify(err)
	}
	return nil
}

// ── helpers ──

func (t *RedisTransport) knownQueues(ctx context.Context, queueType string) ([]string, error) {
	if queueType != "" {
		return []string{queueType}, nil
	}
	queues, err := t.client.SMembers(ctx, redisQueuesKey).Result()
	if err != nil {
		return nil, t.classify(err)
	}
	slices.Sort(queues)
	return queues, nil
}

// delayedIDs returns the members of the delayed set, optionally filtered to
// one queue type via their hashes.
func (t *RedisTransport) delayedIDs(ctx context.Context, queueType string) ([]string, error) {
	members, err := t.client.ZRange(ctx, redisDelayedKey, 0, -1).Result()
	if err != nil {
		return nil, t.classify(err)
	}
	if queueType == "" {
		return members, nil
	}

	filtered := make([]string, 0, len(members))
	for _, id := range members {
		q, err := t.client.HGet(ctx, redisJobKey(id), "queue_type").Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, t.classify(err)
		}
		if q == queueType {
			filtered = append(filtered, id)
		}
	}
	return filtered, nil
}

func (t *RedisTransport) loadJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := t.client.HGetAll(ctx, redisJobKey(jobID)).Result()
	if err != nil {
		return nil, t.classify(err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(fields)
}

func (t *RedisTransport) classify(err error) error {
	return fmt.Errorf("redis transport: %w", err)
}

func jobToFields(job *Job) map[string]any {
	fields := map[string]any{
		"id":           job.ID,
		"queue_type":   job.QueueType,
		"status":       string(job.Status),
		"priority":     strconv.Itoa(int(job.Priority)),
		"attempts":     strconv.Itoa(int(job.Attempts)),
		"max_attempts": strconv.Itoa(int(job.MaxAttempts)),
		"run_at":       job.RunAt.Format(time.RFC3339Nano),
		"run_at_ms":    strconv.FormatInt(job.RunAt.UnixMilli(), 10),
		"created_at":   job.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(job.Payload) > 0 {
		fields["payload"] = string(job.Payload)
	}
	if len(job.Result) > 0 {
		fields["result"] = string(job.Result)
	}
	if job.ProcessedAt != nil {
		fields["processed_at"] = job.ProcessedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		fields["completed_at"] = job.CompletedAt.Format(time.RFC3339Nano)
	}
	if job.FailedAt != nil {
		fields["failed_at"] = job.FailedAt.Format(time.RFC3339Nano)
	}
	if job.LockedUntil != nil {
		fields["locked_until"] = job.LockedUntil.Format(time.RFC3339Nano)
	}
	if job.Error != nil {
		fields["error_message"] = job.Error.Message
		fields["error_kind"] = job.Error.Kind
	}
	return fields
}

func jobFromFields(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:        fields["id"],
		QueueType: fields["queue_type"],
		Status:    Status(fields["status"]),
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job hash missing id field")
	}

	priority, _ := strconv.Atoi(fields["priority"])
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	job.Priority = Priority(priority)
	job.Attempts = int8(attempts)
	job.MaxAttempts = int8(maxAttempts)

	job.RunAt, _ = time.Parse(time.RFC3339Nano, fields["run_at"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])

	if v := fields["payload"]; v != "" {
		job.Payload = []byte(v)
	}
	if v := fields["result"]; v != "" {
		job.Result = []byte(v)
	}
	for field, dst := range map[string]**time.Time{
		"processed_at": &job.ProcessedAt,
		"completed_at": &job.CompletedAt,
		"failed_at":    &job.FailedAt,
		"locked_until": &job.LockedUntil,
	} {
		if v := fields[field]; v != "" {
			parsed, err := time.Parse(time.RFC3339Nano, v)
			if err == nil {
				*dst = &parsed
			}
		}
	}
	if msg := fields["error_message"]; msg != "" {
		job.Error = &JobError{Message: msg, Kind: fields["error_kind"]}
	}
	return job, nil
}
