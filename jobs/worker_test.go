package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hahnben/cura-snap-ai/breaker"
	"github.com/hahnben/cura-snap-ai/errclass"
)

// stubProcessor scripts per-call outcomes.
type stubProcessor struct {
	mu      sync.Mutex
	calls   int
	outcome func(call int, job *Job) (map[string]string, error)
	delay   time.Duration
}

func (p *stubProcessor) Process(ctx context.Context, job *Job) (map[string]string, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.outcome(call, job)
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// stubHealth satisfies HealthRecorder without a Redis round trip.
type stubHealth struct {
	outcomes atomic.Int64
}

func (h *stubHealth) Register(ctx context.Context, workerID, workerType string)  {}
func (h *stubHealth) Heartbeat(ctx context.Context, workerID string)             {}
func (h *stubHealth) Deactivate(ctx context.Context, workerID string)            {}
func (h *stubHealth) RecordOutcome(ctx context.Context, workerID string, success bool, d time.Duration) {
	h.outcomes.Add(1)
}

func newTestPool(t *testing.T, store *JobStore, dlq *DLQStore, processor Processor) *Pool {
	t.Helper()
	retrier := NewAdaptiveRetrier(errclass.New(nil), &stubCircuits{state: breaker.StateClosed}, &stubWorkers{}, testLogger())
	return NewPool(store, dlq, processor, retrier, &stubHealth{}, nil, testLogger(), PoolConfig{
		QueueNames:      []string{QueueAudioProcessing},
		WorkersPerQueue: 1,
		PollInterval:    50 * time.Millisecond,
		ShutdownGrace:   5 * time.Second,
	})
}

// waitForStatus polls until the job reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, store *JobStore, jobID, userID string, want JobStatus, deadline time.Duration) *Job {
	t.Helper()
	ctx := context.Background()
	var last *Job
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		job, err := store.Get(ctx, jobID, userID)
		if err == nil {
			last = job
			if job.Status == want {
				return job
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("job %s never reached %s, last status %s", jobID, want, last.Status)
	} else {
		t.Fatalf("job %s never became readable", jobID)
	}
	return nil
}

func TestWorkerHappyPath(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)

	processor := &stubProcessor{outcome: func(call int, job *Job) (map[string]string, error) {
		return map[string]string{"transcript": "x", "note": "y"}, nil
	}}
	pool := newTestPool(t, store, dlq, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	resp := submitAudioJob(t, store, "alice")

	job := waitForStatus(t, store, resp.JobID, "alice", StatusCompleted, 3*time.Second)
	assert.Equal(t, "y", job.Result["note"])
	assert.Equal(t, 0, job.RetryCount)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
}

func TestWorkerNonRetryableGoesToDLQ(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)

	processor := &stubProcessor{outcome: func(call int, job *Job) (map[string]string, error) {
		return nil, &ServiceError{Service: "agent", Err: errors.New("401 unauthorized")}
	}}
	pool := newTestPool(t, store, dlq, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	resp := submitAudioJob(t, store, "alice")

	job := waitForStatus(t, store, resp.JobID, "alice", StatusDeadLetter, 3*time.Second)
	assert.Equal(t, 1, processor.callCount(), "non-retryable errors fail on the first attempt")
	assert.Equal(t, string(errclass.AuthenticationError), job.ErrorCategory)

	n, err := dlq.Size(context.Background(), QueueAudioProcessing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestWorkerTransientRetrySucceeds(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)

	// First attempt raises a connection error, the second succeeds.
	processor := &stubProcessor{outcome: func(call int, job *Job) (map[string]string, error) {
		if call == 1 {
			return nil, &ServiceError{Service: "transcription", Err: errors.New("connection refused")}
		}
		return map[string]string{"note": "y"}, nil
	}}
	pool := newTestPool(t, store, dlq, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	resp := submitAudioJob(t, store, "alice")

	// The retry is parked on the delayed set (~1s network backoff); promote
	// it once due, standing in for the maintenance tick.
	waitForStatus(t, store, resp.JobID, "alice", StatusRetrying, 3*time.Second)
	time.Sleep(1500 * time.Millisecond)
	promoted, err := store.PromoteDelayed(context.Background(), QueueAudioProcessing)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	job := waitForStatus(t, store, resp.JobID, "alice", StatusCompleted, 3*time.Second)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "y", job.Result["note"])
	assert.Equal(t, 2, processor.callCount())
}

func TestWorkerShutdownGrace(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)

	processor := &stubProcessor{
		delay: 300 * time.Millisecond,
		outcome: func(call int, job *Job) (map[string]string, error) {
			return map[string]string{"note": "y"}, nil
		},
	}
	pool := newTestPool(t, store, dlq, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	resp := submitAudioJob(t, store, "alice")
	waitForStatus(t, store, resp.JobID, "alice", StatusProcessing, 2*time.Second)

	// Stop while the job is in flight: it must still complete within the
	// grace window, leaving nothing in PROCESSING.
	pool.Stop()

	job, err := store.Get(context.Background(), resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)

	processing, err := store.ProcessingJobs(context.Background(), QueueAudioProcessing)
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestWorkerSkipsCancelledJob(t *testing.T) {
	store, redisClient, _ := newTestStore(t)
	dlq := NewDLQStore(redisClient, store, testLogger(), 0)

	processor := &stubProcessor{outcome: func(call int, job *Job) (map[string]string, error) {
		return map[string]string{}, nil
	}}
	pool := newTestPool(t, store, dlq, processor)

	// Cancel before the pool starts; the dangling claim must not process.
	resp := submitAudioJob(t, store, "alice")
	ok, err := store.Cancel(context.Background(), resp.JobID, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, processor.callCount())

	job, err := store.Get(context.Background(), resp.JobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestServiceOf(t *testing.T) {
	assert.Equal(t, "agent", serviceOf(&ServiceError{Service: "agent", Err: errors.New("x")}))
	assert.Equal(t, "unknown", serviceOf(errors.New("bare")))
}
