package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/hahnben/cura-snap-ai/retry"
)

var (
	// ErrJobNotFound is returned when a job id does not resolve to a record
	// visible to the caller.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status update would leave the
	// allowed transition graph.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrConcurrentUpdate is returned when the optimistic lock on a job
	// record failed more times than configured.
	ErrConcurrentUpdate = errors.New("concurrent job update, retries exhausted")
)

// statsSampleSize bounds how many queued records a QueueStats call loads to
// estimate queue age.
const statsSampleSize = 20

// JobStore owns job records, queues and the per-user index. All mutations
// of jobs:{id} keys go through here; other components read via the public
// operations only.
type JobStore struct {
	redisClient *redis.Client
	logger      *logharbour.Logger
	config      StoreConfig
}

// NewJobStore creates a JobStore backed by the given Redis client.
func NewJobStore(redisClient *redis.Client, logger *logharbour.Logger, config *StoreConfig) *JobStore {
	cfg := StoreConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()
	return &JobStore{
		redisClient: redisClient,
		logger:      logger,
		config:      cfg,
	}
}

// Create writes a new QUEUED job, indexes it for its owner and pushes its id
// onto the tail of the queue for its job type. It returns immediately; the
// worker pool picks the job up asynchronously.
func (s *JobStore) Create(ctx context.Context, userID string, req JobRequest) (*JobResponse, error) {
	job := &Job{
		JobID:      uuid.New().String(),
		UserID:     userID,
		JobType:    req.JobType,
		Status:     StatusQueued,
		InputData:  req.InputData,
		CreatedAt:  time.Now(),
		MaxRetries: s.maxRetriesFor(req.JobType),
		QueueName:  req.JobType.QueueName(),
		SessionID:  req.SessionID,
	}

	data, err := job.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.redisClient.TxPipeline()
	pipe.Set(ctx, JobKey(job.JobID), data, 0)
	pipe.SAdd(ctx, UserJobsKey(userID), job.JobID)
	pipe.RPush(ctx, QueueKey(job.QueueName), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info().LogActivity("Job created", map[string]any{
		"jobId":   job.JobID,
		"userId":  userID,
		"jobType": string(job.JobType),
		"queue":   job.QueueName,
	})

	return &JobResponse{
		JobID:     job.JobID,
		Status:    job.Status,
		StatusURL: s.config.StatusURLPrefix + job.JobID,
	}, nil
}

// maxRetriesFor returns the retry budget per job type. Audio pipelines and
// text processing take their budgets from the backoff defaults table; any
// other type takes the configured default.
func (s *JobStore) maxRetriesFor(jobType JobType) int {
	switch jobType {
	case JobTypeAudioProcessing, JobTypeTranscriptionOnly:
		return retry.AudioProcessingDefault.MaxRetries
	case JobTypeTextProcessing:
		return retry.TextProcessingDefault.MaxRetries
	}
	return s.config.MaxRetries
}

// Get loads a job record. The record is returned only when its owner matches
// userID; a foreign or missing job yields ErrJobNotFound so callers cannot
// distinguish the two.
func (s *JobStore) Get(ctx context.Context, jobID, userID string) (*Job, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the caller's jobs sorted by createdAt descending, paginated
// by limit/offset. Records already purged by retention are skipped.
func (s *JobStore) List(ctx context.Context, userID string, limit, offset int) ([]Job, error) {
	ids, err := s.redisClient.SMembers(ctx, UserJobsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user job index: %w", err)
	}
	if len(ids) == 0 {
		return []Job{}, nil
	}

	jobsOut := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobsOut = append(jobsOut, *job)
	}

	sort.Slice(jobsOut, func(i, j int) bool {
		return jobsOut[i].CreatedAt.After(jobsOut[j].CreatedAt)
	})

	if offset >= len(jobsOut) {
		return []Job{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(jobsOut) {
		end = len(jobsOut)
	}
	return jobsOut[offset:end], nil
}

// Cancel flips a QUEUED job to CANCELLED and removes it from its queue list.
// Only the owner may cancel. Returns false without mutating anything when
// the job is in any other state, including when a worker won the claim race.
func (s *JobStore) Cancel(ctx context.Context, jobID, userID string) (bool, error) {
	cancelled := false
	var queueName string
	err := s.withJob(ctx, jobID, func(job *Job) (bool, error) {
		if job.UserID != userID {
			return false, ErrJobNotFound
		}
		if job.Status != StatusQueued {
			return false, nil
		}
		now := time.Now()
		job.Status = StatusCancelled
		job.CompletedAt = &now
		queueName = job.QueueName
		cancelled = true
		return true, nil
	})
	if err != nil || !cancelled {
		return false, err
	}

	pipe := s.redisClient.TxPipeline()
	pipe.LRem(ctx, QueueKey(queueName), 1, jobID)
	pipe.Expire(ctx, JobKey(jobID), s.config.JobRetention)
	pipe.ZAdd(ctx, RetentionKey(queueName), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("cancelled but queue cleanup failed: %w", err)
	}

	s.logger.LogDataChange("Job cancelled", logharbour.ChangeInfo{
		Entity: "Job",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: StatusQueued, NewVal: StatusCancelled},
		},
	})
	return true, nil
}

// MarkStarted performs the atomic QUEUED -> PROCESSING transition and writes
// the worker's processing lease. Exactly one concurrent caller wins; the
// rest see false and move on.
func (s *JobStore) MarkStarted(ctx context.Context, jobID, workerID string) (bool, error) {
	claimed := false
	err := s.withJob(ctx, jobID, func(job *Job) (bool, error) {
		if job.Status != StatusQueued {
			return false, nil
		}
		now := time.Now()
		job.Status = StatusProcessing
		job.StartedAt = &now
		claimed = true
		return true, nil
	})
	if err != nil || !claimed {
		return false, err
	}

	if err := s.redisClient.Set(ctx, LeaseKey(jobID), workerID, s.config.LeaseDuration).Err(); err != nil {
		s.logger.Warn().LogActivity("Failed to write processing lease", map[string]any{
			"jobId":    jobID,
			"workerId": workerID,
			"error":    err.Error(),
		})
	}

	s.logger.LogDataChange("Job claimed", logharbour.ChangeInfo{
		Entity: "Job",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: StatusQueued, NewVal: StatusProcessing},
		},
	})
	return true, nil
}

// UpdateStatus applies a status transition, enforcing the transition graph.
// On a terminal status the job id is removed from its queue lists, the lease
// is dropped and the retention TTL starts. Returns false when the stored
// status does not admit the transition.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, newStatus JobStatus, result map[string]string, errorMessage string) (bool, error) {
	var fromStatus JobStatus
	var queueName string
	applied := false

	err := s.withJob(ctx, jobID, func(job *Job) (bool, error) {
		if !job.Status.CanTransition(newStatus) {
			return false, nil
		}
		fromStatus = job.Status
		queueName = job.QueueName
		job.Status = newStatus
		if result != nil {
			job.Result = result
		}
		if errorMessage != "" {
			job.ErrorMessage = errorMessage
		}
		if newStatus.Terminal() || newStatus == StatusFailed {
			now := time.Now()
			job.CompletedAt = &now
		}
		applied = true
		return true, nil
	})
	if err != nil || !applied {
		return false, err
	}

	if newStatus.Terminal() {
		pipe := s.redisClient.TxPipeline()
		pipe.LRem(ctx, QueueKey(queueName), 1, jobID)
		pipe.LRem(ctx, ProcessingKey(queueName), 1, jobID)
		pipe.Del(ctx, LeaseKey(jobID))
		pipe.Expire(ctx, JobKey(jobID), s.config.JobRetention)
		pipe.ZAdd(ctx, RetentionKey(queueName), redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: jobID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Error(err).LogActivity("Terminal status cleanup failed", map[string]any{
				"jobId": jobID,
			})
		}
	}

	s.logger.LogDataChange("Job status updated", logharbour.ChangeInfo{
		Entity: "Job",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: fromStatus, NewVal: newStatus},
		},
	})
	return true, nil
}

// Dequeue blocks up to block for a job id on the queue, atomically moving it
// to the processing list, and loads the record. A nil job with nil error
// means the wait timed out.
func (s *JobStore) Dequeue(ctx context.Context, queueName string, block time.Duration) (*Job, error) {
	jobID, err := s.redisClient.BLMove(ctx, QueueKey(queueName), ProcessingKey(queueName), "LEFT", "RIGHT", block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queueName, err)
	}

	job, err := s.load(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Dangling reference: the record was purged or never written.
			// Drop it from the processing list and keep going.
			s.redisClient.LRem(ctx, ProcessingKey(queueName), 1, jobID)
			s.logger.Warn().LogActivity("Dropped dangling queue reference", map[string]any{
				"jobId": jobID,
				"queue": queueName,
			})
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// IncrementRetry moves a FAILED job to RETRYING and decides its fate. When
// the retry budget is not exhausted and shouldRetry holds, the job
// is scheduled: a positive delay parks the id on the delayed ZSET until due
// (status stays RETRYING until promotion), otherwise the id goes straight
// back to QUEUED at the queue tail. Otherwise the job stays RETRYING and
// terminal=true tells the caller to hand it to the dead-letter store.
//
// The retry counter only increments on a scheduled retry, preserving
// retryCount <= maxRetries.
func (s *JobStore) IncrementRetry(ctx context.Context, jobID string, shouldRetry bool, delay time.Duration) (terminal bool, err error) {
	var queueName string
	immediate := delay <= 0

	err = s.withJob(ctx, jobID, func(job *Job) (bool, error) {
		if job.Status != StatusFailed {
			return false, fmt.Errorf("%w: %s -> RETRYING", ErrInvalidTransition, job.Status)
		}
		queueName = job.QueueName
		if !shouldRetry || job.RetryCount >= job.MaxRetries {
			job.Status = StatusRetrying
			terminal = true
			return true, nil
		}
		job.RetryCount++
		job.StartedAt = nil
		job.CompletedAt = nil
		if immediate {
			job.Status = StatusQueued
		} else {
			job.Status = StatusRetrying
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}

	pipe := s.redisClient.TxPipeline()
	pipe.LRem(ctx, ProcessingKey(queueName), 1, jobID)
	pipe.Del(ctx, LeaseKey(jobID))
	if !terminal {
		if immediate {
			pipe.RPush(ctx, QueueKey(queueName), jobID)
		} else {
			pipe.ZAdd(ctx, DelayedQueueKey(queueName), redis.Z{
				Score:  float64(time.Now().Add(delay).Unix()),
				Member: jobID,
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return terminal, fmt.Errorf("failed to schedule retry for job %s: %w", jobID, err)
	}

	if !terminal {
		s.logger.Info().LogActivity("Job scheduled for retry", map[string]any{
			"jobId": jobID,
			"queue": queueName,
			"delay": delay.String(),
		})
	}
	return terminal, nil
}

// PromoteDelayed flips every due RETRYING id on the delayed ZSET back to
// QUEUED and appends it to the queue tail. Returns the number promoted.
// Called by maintenance.
func (s *JobStore) PromoteDelayed(ctx context.Context, queueName string) (int, error) {
	now := time.Now().Unix()
	ids, err := s.redisClient.ZRangeByScore(ctx, DelayedQueueKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed queue %s: %w", queueName, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, id := range ids {
		moved := false
		err := s.withJob(ctx, id, func(job *Job) (bool, error) {
			if job.Status != StatusRetrying {
				return false, nil
			}
			job.Status = StatusQueued
			moved = true
			return true, nil
		})
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			s.logger.Warn().LogActivity("Failed to promote delayed job", map[string]any{
				"jobId": id,
				"error": err.Error(),
			})
			continue
		}

		pipe := s.redisClient.TxPipeline()
		if moved {
			pipe.RPush(ctx, QueueKey(queueName), id)
		}
		pipe.ZRem(ctx, DelayedQueueKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

// QueueStats reports the queue length, in-flight count and an estimate of
// how long the head of the queue has been waiting.
func (s *JobStore) QueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	stats := QueueStats{QueueName: queueName}

	size, err := s.redisClient.LLen(ctx, QueueKey(queueName)).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to read queue length: %w", err)
	}
	stats.Size = size

	processing, err := s.redisClient.LLen(ctx, ProcessingKey(queueName)).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to read processing length: %w", err)
	}
	stats.Processing = processing

	if size == 0 {
		return stats, nil
	}

	sample := size
	if sample > statsSampleSize {
		sample = statsSampleSize
	}
	ids, err := s.redisClient.LRange(ctx, QueueKey(queueName), 0, sample-1).Result()
	if err != nil {
		return stats, nil
	}
	var totalMs float64
	var counted int
	now := time.Now()
	for _, id := range ids {
		job, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		totalMs += float64(now.Sub(job.CreatedAt).Milliseconds())
		counted++
	}
	if counted > 0 {
		stats.AvgAgeMs = totalMs / float64(counted)
	}
	return stats, nil
}

// QueueDepths reports the queued length of every default queue. Implements
// the health registry's QueueStatsProvider.
func (s *JobStore) QueueDepths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, q := range DefaultQueueNames() {
		n, err := s.redisClient.LLen(ctx, QueueKey(q)).Result()
		if err != nil {
			return nil, err
		}
		out[q] = n
	}
	return out, nil
}

// LeaseOwner returns the worker holding a job's processing lease, or empty
// when the lease expired or was released.
func (s *JobStore) LeaseOwner(ctx context.Context, jobID string) (string, error) {
	owner, err := s.redisClient.Get(ctx, LeaseKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

// ProcessingJobs lists the job ids currently on a queue's processing list.
func (s *JobStore) ProcessingJobs(ctx context.Context, queueName string) ([]string, error) {
	return s.redisClient.LRange(ctx, ProcessingKey(queueName), 0, -1).Result()
}

// RequeueOrphan puts a PROCESSING job whose lease is gone back to QUEUED so
// another worker can pick it up. Used by maintenance when a worker dies
// mid-job. The retry counter is not incremented: the job did not fail, its
// worker did.
func (s *JobStore) RequeueOrphan(ctx context.Context, jobID string) (bool, error) {
	var queueName string
	requeued := false
	err := s.withJob(ctx, jobID, func(job *Job) (bool, error) {
		if job.Status != StatusProcessing {
			return false, nil
		}
		job.Status = StatusQueued
		job.StartedAt = nil
		queueName = job.QueueName
		requeued = true
		return true, nil
	})
	if err != nil || !requeued {
		return false, err
	}

	pipe := s.redisClient.TxPipeline()
	pipe.LRem(ctx, ProcessingKey(queueName), 1, jobID)
	pipe.RPush(ctx, QueueKey(queueName), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("failed to requeue orphaned job %s: %w", jobID, err)
	}

	s.logger.Warn().LogActivity("Requeued orphaned job", map[string]any{
		"jobId": jobID,
		"queue": queueName,
	})
	return true, nil
}

// PurgeTerminal deletes terminal job records older than the retention window
// together with their index entries. Returns the number purged.
func (s *JobStore) PurgeTerminal(ctx context.Context, queueName string) (int, error) {
	cutoff := time.Now().Add(-s.config.JobRetention).Unix()
	ids, err := s.redisClient.ZRangeByScore(ctx, RetentionKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan retention set: %w", err)
	}

	purged := 0
	for _, id := range ids {
		job, err := s.load(ctx, id)
		pipe := s.redisClient.TxPipeline()
		if err == nil {
			pipe.SRem(ctx, UserJobsKey(job.UserID), id)
		}
		pipe.Del(ctx, JobKey(id))
		pipe.ZRem(ctx, RetentionKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Warn().LogActivity("Failed to purge job", map[string]any{
				"jobId": id,
				"error": err.Error(),
			})
			continue
		}
		purged++
	}
	return purged, nil
}

// finalizeDeadLetter transitions RETRYING -> DEAD_LETTER, records the
// failure, and starts the retention clock. Called by the dead-letter store
// after the DLQ entry is durable.
func (s *JobStore) finalizeDeadLetter(ctx context.Context, jobID, failureReason, errorCategory string) (bool, error) {
	var queueName string
	applied := false
	err := s.withJob(ctx, jobID, func(job *Job) (bool, error) {
		if !job.Status.CanTransition(StatusDeadLetter) {
			return false, nil
		}
		now := time.Now()
		job.Status = StatusDeadLetter
		job.ErrorMessage = failureReason
		job.ErrorCategory = errorCategory
		job.CompletedAt = &now
		queueName = job.QueueName
		applied = true
		return true, nil
	})
	if err != nil || !applied {
		return false, err
	}

	pipe := s.redisClient.TxPipeline()
	pipe.LRem(ctx, QueueKey(queueName), 1, jobID)
	pipe.LRem(ctx, ProcessingKey(queueName), 1, jobID)
	pipe.Del(ctx, LeaseKey(jobID))
	pipe.Expire(ctx, JobKey(jobID), s.config.JobRetention)
	pipe.ZAdd(ctx, RetentionKey(queueName), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("dead-letter cleanup failed for %s: %w", jobID, err)
	}

	s.logger.LogDataChange("Job dead-lettered", logharbour.ChangeInfo{
		Entity: "Job",
		Op:     "StatusUpdated",
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: StatusRetrying, NewVal: StatusDeadLetter},
		},
	})
	return true, nil
}

// load fetches and decodes a job record.
func (s *JobStore) load(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.redisClient.Get(ctx, JobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return UnmarshalJob(data)
}

// withJob runs an optimistic read-modify-write cycle on one job record.
// mutate returns (true, nil) to persist its changes, (false, nil) to bail
// out without writing. The WATCH/MULTI cycle retries on contention up to
// the configured limit with micro-backoff, so concurrent mutations of the
// same record serialize without any in-process lock.
func (s *JobStore) withJob(ctx context.Context, jobID string, mutate func(*Job) (bool, error)) error {
	key := JobKey(jobID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job, err := UnmarshalJob(data)
		if err != nil {
			return fmt.Errorf("corrupt job record %s: %w", jobID, err)
		}

		write, err := mutate(job)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		out, err := job.Marshal()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < s.config.ClaimRetries; attempt++ {
		err = s.redisClient.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return fmt.Errorf("%w: job %s", ErrConcurrentUpdate, jobID)
}
