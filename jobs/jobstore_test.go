package jobs

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logharbour.Logger {
	return logharbour.NewLogger(&logharbour.LoggerContext{}, "jobs-test", log.Writer())
}

func newTestStore(t *testing.T) (*JobStore, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	store := NewJobStore(redisClient, testLogger(), nil)
	return store, redisClient, mr
}

func submitAudioJob(t *testing.T, store *JobStore, userID string) *JobResponse {
	t.Helper()
	resp, err := store.Create(context.Background(), userID, JobRequest{
		JobType:   JobTypeAudioProcessing,
		InputData: map[string]string{"audio": "ZGF0YQ=="},
	})
	require.NoError(t, err)
	return resp
}

func TestCreateEnqueuesAndIndexes(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	assert.Equal(t, StatusQueued, resp.Status)
	assert.NotEmpty(t, resp.JobID)
	assert.Contains(t, resp.StatusURL, resp.JobID)

	// Queue list holds the id at the tail.
	ids, err := redisClient.LRange(ctx, QueueKey(QueueAudioProcessing), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{resp.JobID}, ids)

	// User index holds the id.
	members, err := redisClient.SMembers(ctx, UserJobsKey("alice")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{resp.JobID}, members)
}

func TestGetAuthorization(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")

	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", job.UserID)

	// A foreign job is indistinguishable from a missing one.
	_, err = store.Get(ctx, resp.JobID, "bob")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = store.Get(ctx, "nonexistent", "alice")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListSortedAndPaginated(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		resp := submitAudioJob(t, store, "alice")
		ids = append(ids, resp.JobID)
		time.Sleep(2 * time.Millisecond)
	}
	submitAudioJob(t, store, "bob")

	list, err := store.List(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 5)
	// createdAt descending: the most recent submission first.
	assert.Equal(t, ids[4], list[0].JobID)
	assert.Equal(t, ids[0], list[4].JobID)

	page, err := store.List(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].JobID)

	empty, err := store.List(ctx, "alice", 10, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCancelOnlyFromQueued(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("queued job cancels and leaves the queue", func(t *testing.T) {
		resp := submitAudioJob(t, store, "alice")

		ok, err := store.Cancel(ctx, resp.JobID, "alice")
		require.NoError(t, err)
		assert.True(t, ok)

		job, err := store.Get(ctx, resp.JobID, "alice")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, job.Status)

		ids, _ := redisClient.LRange(ctx, QueueKey(QueueAudioProcessing), 0, -1).Result()
		assert.NotContains(t, ids, resp.JobID)
	})

	t.Run("processing job refuses cancellation without mutating", func(t *testing.T) {
		resp := submitAudioJob(t, store, "alice")
		claimed, err := store.MarkStarted(ctx, resp.JobID, "w1")
		require.NoError(t, err)
		require.True(t, claimed)

		ok, err := store.Cancel(ctx, resp.JobID, "alice")
		require.NoError(t, err)
		assert.False(t, ok)

		job, err := store.Get(ctx, resp.JobID, "alice")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, job.Status)
	})

	t.Run("foreign user cannot cancel", func(t *testing.T) {
		resp := submitAudioJob(t, store, "alice")
		_, err := store.Cancel(ctx, resp.JobID, "bob")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestMarkStartedExclusiveClaim(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("second sequential claim fails", func(t *testing.T) {
		resp := submitAudioJob(t, store, "alice")

		first, err := store.MarkStarted(ctx, resp.JobID, "w1")
		require.NoError(t, err)
		second, err := store.MarkStarted(ctx, resp.JobID, "w2")
		require.NoError(t, err)

		assert.True(t, first)
		assert.False(t, second)
	})

	t.Run("concurrent claims admit exactly one winner", func(t *testing.T) {
		resp := submitAudioJob(t, store, "alice")

		const claimers = 8
		var wg sync.WaitGroup
		wins := make(chan bool, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.MarkStarted(ctx, resp.JobID, "w")
				if err == nil && ok {
					wins <- true
				}
			}()
		}
		wg.Wait()
		close(wins)

		winners := 0
		for range wins {
			winners++
		}
		assert.Equal(t, 1, winners)
	})
}

func TestMarkStartedWritesLease(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	_, err := store.MarkStarted(ctx, resp.JobID, "w1")
	require.NoError(t, err)

	owner, err := store.LeaseOwner(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "w1", owner)
}

func TestUpdateStatusTransitionGraph(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")

	// QUEUED -> COMPLETED is illegal.
	ok, err := store.UpdateStatus(ctx, resp.JobID, StatusCompleted, nil, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.MarkStarted(ctx, resp.JobID, "w1")
	require.NoError(t, err)

	ok, err = store.UpdateStatus(ctx, resp.JobID, StatusCompleted, map[string]string{"note": "y"}, "")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "y", job.Result["note"])
	assert.NotNil(t, job.CompletedAt)

	// Terminal status starts the retention TTL and is immutable.
	ttl := redisClient.TTL(ctx, JobKey(resp.JobID)).Val()
	assert.Greater(t, ttl, time.Duration(0))

	ok, err = store.UpdateStatus(ctx, resp.JobID, StatusFailed, nil, "late")
	require.NoError(t, err)
	assert.False(t, ok, "terminal states admit no transitions")
}

func TestDequeueFIFO(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	first := submitAudioJob(t, store, "alice")
	second := submitAudioJob(t, store, "alice")

	job1, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job1)
	assert.Equal(t, first.JobID, job1.JobID)

	job2, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, second.JobID, job2.JobID)

	// Empty queue times out with neither job nor error.
	job3, err := store.Dequeue(ctx, QueueAudioProcessing, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job3)
}

func failJob(t *testing.T, store *JobStore, jobID string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := store.MarkStarted(ctx, jobID, "w1")
	require.NoError(t, err)
	require.True(t, claimed)
	ok, err := store.UpdateStatus(ctx, jobID, StatusFailed, nil, "boom")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIncrementRetryImmediateRequeue(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	failJob(t, store, resp.JobID)

	terminal, err := store.IncrementRetry(ctx, resp.JobID, true, 0)
	require.NoError(t, err)
	assert.False(t, terminal)

	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	ids, _ := redisClient.LRange(ctx, QueueKey(QueueAudioProcessing), 0, -1).Result()
	assert.Contains(t, ids, resp.JobID)
}

func TestIncrementRetryDelayedThenPromoted(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	failJob(t, store, resp.JobID)

	terminal, err := store.IncrementRetry(ctx, resp.JobID, true, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, terminal)

	// Parked on the delayed set, not the active queue.
	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, job.Status)

	ids, _ := redisClient.LRange(ctx, QueueKey(QueueAudioProcessing), 0, -1).Result()
	assert.Empty(t, ids)

	time.Sleep(1100 * time.Millisecond)

	promoted, err := store.PromoteDelayed(ctx, QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	ids, _ = redisClient.LRange(ctx, QueueKey(QueueAudioProcessing), 0, -1).Result()
	assert.Equal(t, []string{resp.JobID}, ids)
}

func TestIncrementRetryExhaustionIsTerminal(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	created, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	maxRetries := created.MaxRetries

	// Burn the full retry budget.
	for i := 0; i < maxRetries; i++ {
		_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
		require.NoError(t, err)
		failJob(t, store, resp.JobID)
		terminal, err := store.IncrementRetry(ctx, resp.JobID, true, 0)
		require.NoError(t, err)
		require.False(t, terminal, "attempt %d", i)
	}

	_, err = store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	failJob(t, store, resp.JobID)

	terminal, err := store.IncrementRetry(ctx, resp.JobID, true, 0)
	require.NoError(t, err)
	assert.True(t, terminal)

	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, job.Status)
	assert.Equal(t, maxRetries, job.RetryCount, "retryCount never exceeds maxRetries")
}

func TestIncrementRetryNonRetryable(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	failJob(t, store, resp.JobID)

	terminal, err := store.IncrementRetry(ctx, resp.JobID, false, 0)
	require.NoError(t, err)
	assert.True(t, terminal)

	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, job.RetryCount)
}

func TestQueueStats(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	submitAudioJob(t, store, "alice")
	submitAudioJob(t, store, "alice")
	claimed := submitAudioJob(t, store, "alice")

	_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	_, err = store.MarkStarted(ctx, claimed.JobID, "w1")
	require.NoError(t, err)

	stats, err := store.QueueStats(ctx, QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Size)
	assert.Equal(t, int64(1), stats.Processing)
	assert.GreaterOrEqual(t, stats.AvgAgeMs, float64(0))
}

func TestRequeueOrphan(t *testing.T) {
	store, _, mr := newTestStore(t)
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	_, err = store.MarkStarted(ctx, resp.JobID, "w1")
	require.NoError(t, err)

	// Simulate lease expiry.
	mr.Del(LeaseKey(resp.JobID))

	requeued, err := store.RequeueOrphan(ctx, resp.JobID)
	require.NoError(t, err)
	assert.True(t, requeued)

	job, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, 0, job.RetryCount, "an orphan requeue is not a retry")
}

func TestPurgeTerminal(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	// Retention of one millisecond so the purge cutoff passes immediately.
	store = NewJobStore(redisClient, testLogger(), &StoreConfig{JobRetention: time.Millisecond})
	ctx := context.Background()

	resp := submitAudioJob(t, store, "alice")
	ok, err := store.Cancel(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	purged, err := store.PurgeTerminal(ctx, QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.Get(ctx, resp.JobID, "alice")
	assert.ErrorIs(t, err, ErrJobNotFound)

	members, _ := redisClient.SMembers(ctx, UserJobsKey("alice")).Result()
	assert.Empty(t, members)
}

func TestStatusMonotonicity(t *testing.T) {
	// Terminal states admit nothing; the graph admits only documented edges.
	for _, s := range []JobStatus{StatusCompleted, StatusCancelled, StatusDeadLetter} {
		assert.True(t, s.Terminal())
		for _, next := range []JobStatus{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying, StatusDeadLetter} {
			assert.False(t, s.CanTransition(next), "%s -> %s", s, next)
		}
	}

	assert.True(t, StatusQueued.CanTransition(StatusProcessing))
	assert.True(t, StatusQueued.CanTransition(StatusCancelled))
	assert.False(t, StatusQueued.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusFailed))
	assert.True(t, StatusFailed.CanTransition(StatusRetrying))
	assert.True(t, StatusRetrying.CanTransition(StatusQueued))
	assert.True(t, StatusRetrying.CanTransition(StatusDeadLetter))
	assert.False(t, StatusRetrying.CanTransition(StatusProcessing))
}
