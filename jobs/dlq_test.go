package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadLetterJob drives a submitted job to the RETRYING decision state and
// returns its record, ready for MoveToDLQ.
func deadLetterJob(t *testing.T, store *JobStore, userID string) *Job {
	t.Helper()
	ctx := context.Background()

	resp := submitAudioJob(t, store, userID)
	_, err := store.Dequeue(ctx, QueueAudioProcessing, 100*time.Millisecond)
	require.NoError(t, err)
	failJob(t, store, resp.JobID)
	terminal, err := store.IncrementRetry(ctx, resp.JobID, false, 0)
	require.NoError(t, err)
	require.True(t, terminal)

	job, err := store.Get(ctx, resp.JobID, userID)
	require.NoError(t, err)
	return job
}

func TestMoveToDLQ(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)
	ctx := context.Background()

	job := deadLetterJob(t, store, "alice")

	entry, err := dlq.MoveToDLQ(ctx, job, "agent: 401 unauthorized", "AUTHENTICATION_ERROR")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.EntryID)
	assert.Equal(t, QueueAudioProcessing, entry.OriginalQueue)
	assert.Equal(t, StatusDeadLetter, entry.Job.Status)

	// The job record is finalized.
	stored, err := store.Get(ctx, job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, stored.Status)
	assert.Equal(t, "agent: 401 unauthorized", stored.ErrorMessage)
	assert.Equal(t, "AUTHENTICATION_ERROR", stored.ErrorCategory)

	n, err := dlq.Size(ctx, QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListDLQ(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := deadLetterJob(t, store, "alice")
		_, err := dlq.MoveToDLQ(ctx, job, "boom", "UNKNOWN_ERROR")
		require.NoError(t, err)
	}

	entries, err := dlq.ListDLQ(ctx, QueueAudioProcessing, 2, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	rest, err := dlq.ListDLQ(ctx, QueueAudioProcessing, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestReprocessClonesNewJob(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)
	ctx := context.Background()

	job := deadLetterJob(t, store, "alice")
	entry, err := dlq.MoveToDLQ(ctx, job, "boom", "UNKNOWN_ERROR")
	require.NoError(t, err)

	resp, err := dlq.Reprocess(ctx, entry.EntryID)
	require.NoError(t, err)
	assert.NotEqual(t, job.JobID, resp.JobID, "reprocess clones under a new id")
	assert.Equal(t, StatusQueued, resp.Status)

	// The clone is a fresh job with a clean retry budget.
	clone, err := store.Get(ctx, resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, clone.RetryCount)
	assert.Equal(t, job.InputData, clone.InputData)

	// The dead job stays dead.
	dead, err := store.Get(ctx, job.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, dead.Status)

	// The entry is marked and refuses a second pass.
	updated, err := dlq.GetEntry(ctx, entry.EntryID)
	require.NoError(t, err)
	assert.True(t, updated.Reprocessed)
	assert.Equal(t, resp.JobID, updated.ReprocessedJobID)
	assert.Equal(t, 1, updated.ReprocessAttempts)

	_, err = dlq.Reprocess(ctx, entry.EntryID)
	assert.ErrorIs(t, err, ErrAlreadyReprocessed)
}

func TestGetEntryNotFound(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)

	_, err := dlq.GetEntry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDLQEntryNotFound)
}

func TestPruneExpired(t *testing.T) {
	store, redisClient, mr := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)
	ctx := context.Background()

	job := deadLetterJob(t, store, "alice")
	entry, err := dlq.MoveToDLQ(ctx, job, "boom", "UNKNOWN_ERROR")
	require.NoError(t, err)

	// Expire the entry record; the list id becomes dangling.
	mr.Del(DLQEntryKey(entry.EntryID))

	pruned, err := dlq.PruneExpired(ctx, QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	n, err := dlq.Size(ctx, QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
