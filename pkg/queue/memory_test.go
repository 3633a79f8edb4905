package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queueworks/jobq/pkg/queue"
)

const (
	testTick = 10 * time.Millisecond
	waitFor  = 3 * time.Second
	pollTick = 10 * time.Millisecond
)

// workerConfig returns a memory config with fast loops for end-to-end tests.
func workerConfig() queue.Config {
	return queue.Config{
		Driver:        queue.DriverMemory,
		WorkerEnabled: true,
		TickInterval:  testTick,
		RetryDelay:    time.Millisecond,
		RetryBackoff:  queue.BackoffFixed,
	}
}

func TestMemoryQueue_ProcessesJob(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	var got atomic.Value
	require.NoError(t, q.Process("emails", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		got.Store(p)
		return map[string]string{"message_id": "m-1"}, nil
	})))

	id, err := q.Add(context.Background(), "", "emails", emailPayload{To: "a@b.c"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "emails")
		return err == nil && stats.Completed == 1
	}, waitFor, pollTick)

	assert.Equal(t, emailPayload{To: "a@b.c"}, got.Load())

	jobs, err := q.Jobs(context.Background(), queue.StatusCompleted, "emails", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, int8(1), jobs[0].Attempts)
	assert.JSONEq(t, `{"message_id":"m-1"}`, string(jobs[0].Result))
	assert.NotNil(t, jobs[0].CompletedAt)
	assert.Nil(t, jobs[0].Error)
}

func TestMemoryQueue_PriorityOrder(t *testing.T) {
	t.Parallel()

	cfg := workerConfig()
	cfg.Concurrency = 1
	cfg.WorkerEnabled = false
	q := openMemory(t, cfg)

	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, q.Process("jobs", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		mu.Lock()
		order = append(order, p.To)
		mu.Unlock()
		return nil, nil
	})))

	for _, entry := range []struct {
		name     string
		priority queue.Priority
	}{
		{"low", 10},
		{"high", 90},
		{"mid", 50},
	} {
		_, err := q.Add(context.Background(), "", "jobs", emailPayload{To: entry.name},
			queue.WithPriority(entry.priority))
		require.NoError(t, err)
	}

	require.NoError(t, q.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitFor, pollTick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestMemoryQueue_FIFOWithinPriority(t *testing.T) {
	t.Parallel()

	cfg := workerConfig()
	cfg.Concurrency = 1
	cfg.WorkerEnabled = false
	q := openMemory(t, cfg)

	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, q.Process("jobs", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		mu.Lock()
		order = append(order, p.To)
		mu.Unlock()
		return nil, nil
	})))

	for _, name := range []string{"first", "second", "third"} {
		_, err := q.Add(context.Background(), "", "jobs", emailPayload{To: name})
		require.NoError(t, err)
	}

	require.NoError(t, q.Start(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, waitFor, pollTick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestMemoryQueue_RetriesThenFails(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	var attempts atomic.Int32
	require.NoError(t, q.Process("flaky", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		attempts.Add(1)
		return nil, errors.New("smtp unavailable")
	})))

	id, err := q.Add(context.Background(), "", "flaky", emailPayload{},
		queue.WithMaxAttempts(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "flaky")
		return err == nil && stats.Failed == 1
	}, waitFor, pollTick)

	assert.Equal(t, int32(2), attempts.Load())

	jobs, err := q.Jobs(context.Background(), queue.StatusFailed, "flaky", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, int8(2), jobs[0].Attempts)
	require.NotNil(t, jobs[0].Error)
	assert.Equal(t, "smtp unavailable", jobs[0].Error.Message)
	assert.Equal(t, queue.ErrorKindHandler, jobs[0].Error.Kind)
	assert.NotNil(t, jobs[0].FailedAt)
}

func TestMemoryQueue_RetrySucceedsAfterTransientError(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	var attempts atomic.Int32
	require.NoError(t, q.Process("flaky", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})))

	_, err := q.Add(context.Background(), "", "flaky", emailPayload{},
		queue.WithMaxAttempts(3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "flaky")
		return err == nil && stats.Completed == 1
	}, waitFor, pollTick)

	assert.Equal(t, int32(2), attempts.Load())
}

func TestMemoryQueue_PanicIsContained(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	require.NoError(t, q.Process("boom", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		panic("handler exploded")
	})))

	_, err := q.Add(context.Background(), "", "boom", emailPayload{},
		queue.WithMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "boom")
		return err == nil && stats.Failed == 1
	}, waitFor, pollTick)

	jobs, err := q.Jobs(context.Background(), queue.StatusFailed, "boom", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].Error)
	assert.Equal(t, queue.ErrorKindPanic, jobs[0].Error.Kind)
	assert.Contains(t, jobs[0].Error.Message, "handler exploded")
}

func TestMemoryQueue_LeaseExpiryFailsExhaustedJob(t *testing.T) {
	t.Parallel()

	cfg := workerConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	q := openMemory(t, cfg)

	release := make(chan struct{})
	require.NoError(t, q.Process("stuck", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		<-release
		return nil, nil
	})))

	id, err := q.Add(context.Background(), "", "stuck", emailPayload{},
		queue.WithMaxAttempts(1))
	require.NoError(t, err)

	// The handler holds the only allowed attempt past its lease. The reap
	// pass must fail the job rather than hand it back to waiting, where a
	// second claim would exceed the attempt budget.
	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "stuck")
		return err == nil && stats.Failed == 1
	}, waitFor, pollTick)
	close(release)

	jobs, err := q.Jobs(context.Background(), queue.StatusFailed, "stuck", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, int8(1), jobs[0].Attempts)
	require.NotNil(t, jobs[0].Error)
	assert.Equal(t, queue.ErrorKindLeaseExpired, jobs[0].Error.Kind)
	assert.NotNil(t, jobs[0].FailedAt)
}

func TestMemoryQueue_LeaseExpiryRequeuesWithAttemptsLeft(t *testing.T) {
	t.Parallel()

	cfg := workerConfig()
	cfg.LockTimeout = 50 * time.Millisecond
	q := openMemory(t, cfg)

	var calls atomic.Int32
	release := make(chan struct{})
	require.NoError(t, q.Process("stuck", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil, nil
	})))

	id, err := q.Add(context.Background(), "", "stuck", emailPayload{},
		queue.WithMaxAttempts(3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "stuck")
		return err == nil && stats.Completed == 1
	}, waitFor, pollTick)
	close(release)

	jobs, err := q.Jobs(context.Background(), queue.StatusCompleted, "stuck", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, int8(2), jobs[0].Attempts)
}

func TestMemoryQueue_DelayedPromotion(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	done := make(chan struct{})
	require.NoError(t, q.Process("emails", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		close(done)
		return nil, nil
	})))

	_, err := q.Schedule(context.Background(), "", "emails", emailPayload{}, 50*time.Millisecond)
	require.NoError(t, err)

	stats, err := q.Stats(context.Background(), "emails")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("delayed job was never processed")
	}
}

func TestMemoryQueue_PauseResume(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	var processed atomic.Int32
	require.NoError(t, q.Process("emails", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		processed.Add(1)
		return nil, nil
	})))

	q.Pause("emails")

	id, err := q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)

	// Give the scheduler a few ticks to (wrongly) pick the job up.
	time.Sleep(10 * testTick)
	assert.Zero(t, processed.Load())

	stats, err := q.Stats(context.Background(), "emails")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Paused)
	assert.Zero(t, stats.Waiting)

	jobs, err := q.Jobs(context.Background(), queue.StatusPaused, "emails", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, queue.StatusPaused, jobs[0].Status)

	q.Resume("emails")

	require.Eventually(t, func() bool {
		return processed.Load() == 1
	}, waitFor, pollTick)
}

func TestMemoryQueue_PauseAll(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	var processed atomic.Int32
	handler := queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		processed.Add(1)
		return nil, nil
	})
	require.NoError(t, q.Process("emails", handler))
	require.NoError(t, q.Process("reports", handler))

	q.Pause()

	_, err := q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)
	_, err = q.Add(context.Background(), "", "reports", emailPayload{})
	require.NoError(t, err)

	time.Sleep(10 * testTick)
	assert.Zero(t, processed.Load())

	q.Resume()

	require.Eventually(t, func() bool {
		return processed.Load() == 2
	}, waitFor, pollTick)
}

func TestMemoryQueue_CapacityLimit(t *testing.T) {
	t.Parallel()

	cfg := queue.Config{Driver: queue.DriverMemory, MemoryMaxJobs: 2}
	q := openMemory(t, cfg)

	_, err := q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)
	_, err = q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)

	_, err = q.Add(context.Background(), "", "emails", emailPayload{})
	require.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestMemoryQueue_ManualRetry(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	var failFirst atomic.Bool
	failFirst.Store(true)
	require.NoError(t, q.Process("emails", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		if failFirst.Load() {
			return nil, errors.New("boom")
		}
		return nil, nil
	})))

	id, err := q.Add(context.Background(), "", "emails", emailPayload{},
		queue.WithMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "emails")
		return err == nil && stats.Failed == 1
	}, waitFor, pollTick)

	// Retrying anything but a failed job is rejected.
	require.ErrorIs(t, q.Retry(context.Background(), "missing"), queue.ErrJobNotFound)

	failFirst.Store(false)
	require.NoError(t, q.Retry(context.Background(), id))

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "emails")
		return err == nil && stats.Completed == 1
	}, waitFor, pollTick)

	jobs, err := q.Jobs(context.Background(), queue.StatusCompleted, "emails", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int8(1), jobs[0].Attempts)
	assert.Nil(t, jobs[0].Error)
}

func TestMemoryQueue_Remove(t *testing.T) {
	t.Parallel()

	q := openMemory(t, queue.Config{Driver: queue.DriverMemory})

	id, err := q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)

	require.NoError(t, q.Remove(context.Background(), id))
	require.ErrorIs(t, q.Remove(context.Background(), id), queue.ErrJobNotFound)

	stats, err := q.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, stats.Waiting)
}

func TestMemoryQueue_RemoveActiveRejected(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, q.Process("slow", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		close(started)
		<-release
		return nil, nil
	})))

	id, err := q.Add(context.Background(), "", "slow", emailPayload{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job never started")
	}

	require.ErrorIs(t, q.Remove(context.Background(), id), queue.ErrInvalidState)
	close(release)
}

func TestMemoryQueue_Clean(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	require.NoError(t, q.Process("emails", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		return nil, nil
	})))

	for range 3 {
		_, err := q.Add(context.Background(), "", "emails", emailPayload{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "emails")
		return err == nil && stats.Completed == 3
	}, waitFor, pollTick)

	// Nothing is old enough yet.
	n, err := q.Clean(context.Background(), queue.StatusCompleted, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.Clean(context.Background(), queue.StatusCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := q.Stats(context.Background(), "emails")
	require.NoError(t, err)
	assert.Zero(t, stats.Completed)
}

func TestMemoryQueue_CloseDrainsInFlight(t *testing.T) {
	t.Parallel()

	q := openMemory(t, workerConfig())

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.Process("slow", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})))

	_, err := q.Add(context.Background(), "", "slow", emailPayload{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job never started")
	}

	require.NoError(t, q.Close())
	assert.True(t, finished.Load())
}

func TestMemoryQueue_ConcurrencyCap(t *testing.T) {
	t.Parallel()

	cfg := workerConfig()
	cfg.Concurrency = 3
	q := openMemory(t, cfg)

	var active, peak atomic.Int64
	require.NoError(t, q.Process("bulk", queue.NewHandler(func(ctx context.Context, p emailPayload) (any, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})))

	const total = 12
	for range total {
		_, err := q.Add(context.Background(), "", "bulk", emailPayload{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background(), "bulk")
		return err == nil && stats.Completed == total
	}, waitFor, pollTick)

	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestMemoryQueue_StatsPerQueueType(t *testing.T) {
	t.Parallel()

	q := openMemory(t, queue.Config{Driver: queue.DriverMemory})

	_, err := q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)
	_, err = q.Add(context.Background(), "", "emails", emailPayload{})
	require.NoError(t, err)
	_, err = q.Add(context.Background(), "", "reports", emailPayload{})
	require.NoError(t, err)

	stats, err := q.Stats(context.Background(), "emails")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)

	stats, err = q.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Waiting)
}

func TestMemoryQueue_JobsNewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	q := openMemory(t, queue.Config{Driver: queue.DriverMemory})

	var last string
	for range 5 {
		id, err := q.Add(context.Background(), "", "emails", emailPayload{})
		require.NoError(t, err)
		last = id
		time.Sleep(time.Millisecond)
	}

	jobs, err := q.Jobs(context.Background(), queue.StatusWaiting, "emails", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, last, jobs[0].ID)
}

func TestMemoryQueue_Health(t *testing.T) {
	t.Parallel()

	t.Run("healthy when near empty", func(t *testing.T) {
		t.Parallel()
		q := openMemory(t, queue.Config{Driver: queue.DriverMemory})

		h := q.Health(context.Background())
		assert.Equal(t, queue.HealthHealthy, h.Status)
	})

	t.Run("degraded near capacity", func(t *testing.T) {
		t.Parallel()
		q := openMemory(t, queue.Config{Driver: queue.DriverMemory, MemoryMaxJobs: 10})

		for range 9 {
			_, err := q.Add(context.Background(), "", "emails", emailPayload{})
			require.NoError(t, err)
		}

		h := q.Health(context.Background())
		assert.Equal(t, queue.HealthDegraded, h.Status)
	})

	t.Run("unhealthy at capacity", func(t *testing.T) {
		t.Parallel()
		q := openMemory(t, queue.Config{Driver: queue.DriverMemory, MemoryMaxJobs: 2})

		for range 2 {
			_, err := q.Add(context.Background(), "", "emails", emailPayload{})
			require.NoError(t, err)
		}

		h := q.Health(context.Background())
		assert.Equal(t, queue.HealthUnhealthy, h.Status)
	})
}
