package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
)

// ErrDLQEntryNotFound is returned when an entry id does not resolve.
var ErrDLQEntryNotFound = errors.New("dead-letter entry not found")

// ErrAlreadyReprocessed is returned when a reprocess is requested for an
// entry that was already cloned back onto its queue.
var ErrAlreadyReprocessed = errors.New("dead-letter entry already reprocessed")

// DLQStore owns the dead-letter lists. Entries are kept per original queue
// on dlq:{queue}, each entry record under its own key so inspection does not
// deserialize the whole list.
type DLQStore struct {
	redisClient *redis.Client
	jobStore    *JobStore
	logger      *logharbour.Logger
	retention   time.Duration
}

// NewDLQStore creates a DLQStore sharing the JobStore's Redis instance. The
// JobStore reference is used for the controlled reprocess path only; DLQ
// entries themselves are owned here.
func NewDLQStore(redisClient *redis.Client, jobStore *JobStore, logger *logharbour.Logger, retention time.Duration) *DLQStore {
	if retention == 0 {
		retention = defaultDLQRetention
	}
	return &DLQStore{
		redisClient: redisClient,
		jobStore:    jobStore,
		logger:      logger,
		retention:   retention,
	}
}

// MoveToDLQ wraps a job that exhausted its retries into a DLQEntry, appends
// the entry to the queue's dead-letter list and finalizes the job record as
// DEAD_LETTER. The job must be RETRYING (the decision state after the last
// failed attempt).
func (d *DLQStore) MoveToDLQ(ctx context.Context, job *Job, failureReason, errorCategory string) (*DLQEntry, error) {
	entry := &DLQEntry{
		EntryID:       uuid.New().String(),
		Job:           *job,
		FailureReason: failureReason,
		ErrorCategory: errorCategory,
		OriginalQueue: job.QueueName,
		MovedAt:       time.Now(),
	}
	entry.Job.Status = StatusDeadLetter

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}

	pipe := d.redisClient.TxPipeline()
	pipe.Set(ctx, DLQEntryKey(entry.EntryID), data, d.retention)
	pipe.RPush(ctx, DLQKey(job.QueueName), entry.EntryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to append DLQ entry: %w", err)
	}

	// Finalize the job record. The entry is already durable, so a failure
	// here leaves a RETRYING job that maintenance will reconcile.
	if ok, err := d.jobStore.finalizeDeadLetter(ctx, job.JobID, failureReason, errorCategory); err != nil || !ok {
		d.logger.Warn().LogActivity("DLQ entry written but job finalization failed", map[string]any{
			"jobId":   job.JobID,
			"entryId": entry.EntryID,
		})
	}

	d.logger.Info().LogActivity("Job moved to dead-letter queue", map[string]any{
		"jobId":    job.JobID,
		"entryId":  entry.EntryID,
		"queue":    job.QueueName,
		"category": errorCategory,
	})
	return entry, nil
}

// ListDLQ returns a page of entries for a queue, oldest first.
func (d *DLQStore) ListDLQ(ctx context.Context, queueName string, limit, offset int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := d.redisClient.LRange(ctx, DLQKey(queueName), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ list: %w", err)
	}

	entries := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := d.GetEntry(ctx, id)
		if err != nil {
			if errors.Is(err, ErrDLQEntryNotFound) {
				// Entry expired by retention but the list still holds its id;
				// the daily sweep compacts these.
				continue
			}
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// GetEntry loads one dead-letter entry.
func (d *DLQStore) GetEntry(ctx context.Context, entryID string) (*DLQEntry, error) {
	data, err := d.redisClient.Get(ctx, DLQEntryKey(entryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDLQEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load DLQ entry %s: %w", entryID, err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt DLQ entry %s: %w", entryID, err)
	}
	return &entry, nil
}

// Reprocess clones the dead job back onto its original queue as a brand new
// job (new id, retryCount 0, status QUEUED) and marks the entry reprocessed.
// The dead job's record is untouched, preserving status monotonicity.
func (d *DLQStore) Reprocess(ctx context.Context, entryID string) (*JobResponse, error) {
	entry, err := d.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Reprocessed {
		return nil, ErrAlreadyReprocessed
	}

	resp, err := d.jobStore.Create(ctx, entry.Job.UserID, JobRequest{
		JobType:   entry.Job.JobType,
		InputData: entry.Job.InputData,
		SessionID: entry.Job.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone DLQ job: %w", err)
	}

	entry.Reprocessed = true
	entry.ReprocessAttempts++
	entry.ReprocessedJobID = resp.JobID
	data, err := json.Marshal(entry)
	if err != nil {
		return resp, fmt.Errorf("reprocessed but failed to update entry: %w", err)
	}
	if err := d.redisClient.Set(ctx, DLQEntryKey(entryID), data, redis.KeepTTL).Err(); err != nil {
		return resp, fmt.Errorf("reprocessed but failed to persist entry: %w", err)
	}

	d.logger.Info().LogActivity("Dead-letter entry reprocessed", map[string]any{
		"entryId":  entryID,
		"oldJobId": entry.Job.JobID,
		"newJobId": resp.JobID,
	})
	return resp, nil
}

// Size returns the number of entries on a queue's dead-letter list.
func (d *DLQStore) Size(ctx context.Context, queueName string) (int64, error) {
	return d.redisClient.LLen(ctx, DLQKey(queueName)).Result()
}

// PruneExpired removes list ids whose entry records have expired. Entry
// records carry the retention TTL themselves; this sweep only compacts the
// id list. Returns the number removed.
func (d *DLQStore) PruneExpired(ctx context.Context, queueName string) (int, error) {
	ids, err := d.redisClient.LRange(ctx, DLQKey(queueName), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan DLQ list: %w", err)
	}

	pruned := 0
	for _, id := range ids {
		exists, err := d.redisClient.Exists(ctx, DLQEntryKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			if err := d.redisClient.LRem(ctx, DLQKey(queueName), 1, id).Err(); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}
