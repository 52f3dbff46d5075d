package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"
)

// ServiceError tags a downstream failure with the service that raised it so
// the worker can classify it and consult the right circuit breaker. The core
// never looks past the service name and message.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Processor executes one job against the downstream services. Implementations
// wrap each downstream call in its circuit breaker and return ServiceError
// so failures carry their origin.
type Processor interface {
	Process(ctx context.Context, job *Job) (map[string]string, error)
}

// HealthRecorder is the narrow view of the worker health registry the pool
// needs.
type HealthRecorder interface {
	Register(ctx context.Context, workerID, workerType string)
	Heartbeat(ctx context.Context, workerID string)
	RecordOutcome(ctx context.Context, workerID string, success bool, processingTime time.Duration)
	Deactivate(ctx context.Context, workerID string)
}

// MetricsSink receives the pool's counters and timings. Implemented by the
// metrics manager; nil-safe wrappers below keep the hot path unconditional.
type MetricsSink interface {
	Increment(name string, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// PoolConfig holds worker pool tunables.
type PoolConfig struct {
	QueueNames          []string
	WorkersPerQueue     int
	PollInterval        time.Duration
	ShutdownGrace       time.Duration
	ConsecutiveFailKill int
	DownstreamTimeout   time.Duration
}

const (
	defaultWorkersPerQueue   = 2
	defaultPollInterval      = time.Second
	defaultShutdownGrace     = 30 * time.Second
	defaultDownstreamTimeout = 30 * time.Second
)

func (c *PoolConfig) applyDefaults() {
	if len(c.QueueNames) == 0 {
		c.QueueNames = DefaultQueueNames()
	}
	if c.WorkersPerQueue == 0 {
		c.WorkersPerQueue = defaultWorkersPerQueue
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.ConsecutiveFailKill == 0 {
		c.ConsecutiveFailKill = defaultConsecutiveKill
	}
	if c.DownstreamTimeout == 0 {
		c.DownstreamTimeout = defaultDownstreamTimeout
	}
}

const defaultConsecutiveKill = 5

// Pool runs the configured number of workers per queue. Each worker is a
// single goroutine driving the claim/process/report cycle; shutdown is
// cooperative with a bounded grace window.
type Pool struct {
	store     *JobStore
	dlq       *DLQStore
	processor Processor
	retrier   *AdaptiveRetrier
	healthReg HealthRecorder
	metrics   MetricsSink
	logger    *logharbour.Logger
	config    PoolConfig

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewPool creates a worker pool. metrics may be nil.
func NewPool(store *JobStore, dlq *DLQStore, processor Processor, retrier *AdaptiveRetrier, healthReg HealthRecorder, metrics MetricsSink, logger *logharbour.Logger, config PoolConfig) *Pool {
	config.applyDefaults()
	return &Pool{
		store:     store,
		dlq:       dlq,
		processor: processor,
		retrier:   retrier,
		healthReg: healthReg,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the workers. The context bounds the lifetime of every
// worker; cancelling it is equivalent to Stop without the grace wait.
func (p *Pool) Start(ctx context.Context) {
	for _, queue := range p.config.QueueNames {
		for i := 0; i < p.config.WorkersPerQueue; i++ {
			workerID := fmt.Sprintf("%s-worker-%s", queue, uuid.New().String()[:8])
			p.wg.Add(1)
			go p.runWorker(ctx, workerID, queue)
		}
	}
	p.logger.Info().LogActivity("Worker pool started", map[string]any{
		"queues":          p.config.QueueNames,
		"workersPerQueue": p.config.WorkersPerQueue,
	})
}

// Stop signals every worker and waits up to the grace window for in-flight
// jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().LogActivity("Worker pool stopped", nil)
	case <-time.After(p.config.ShutdownGrace):
		p.logger.Warn().LogActivity("Worker pool shutdown grace expired", map[string]any{
			"grace": p.config.ShutdownGrace.String(),
		})
	}
}

// runWorker is the cooperative worker loop. The worker registers itself,
// heartbeats every cycle, and exits on shutdown or after too many
// consecutive failures of its own.
func (p *Pool) runWorker(ctx context.Context, workerID, queue string) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(fmt.Errorf("worker panic: %v", r)).LogActivity("Worker terminated by panic", map[string]any{
				"workerId": workerID,
				"stack":    string(debug.Stack()),
			})
		}
	}()

	p.healthReg.Register(ctx, workerID, queue)
	defer p.healthReg.Deactivate(context.Background(), workerID)

	consecutiveFailures := 0

	for {
		p.healthReg.Heartbeat(ctx, workerID)

		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		if consecutiveFailures >= p.config.ConsecutiveFailKill {
			p.logger.Warn().LogActivity("Worker exiting after consecutive failures", map[string]any{
				"workerId": workerID,
				"failures": consecutiveFailures,
			})
			return
		}

		job, err := p.store.Dequeue(ctx, queue, p.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			p.logger.Warn().LogActivity("Dequeue failed", map[string]any{
				"workerId": workerID,
				"queue":    queue,
				"error":    err.Error(),
			})
			time.Sleep(p.config.PollInterval)
			continue
		}
		if job == nil {
			continue
		}

		claimed, err := p.store.MarkStarted(ctx, job.JobID, workerID)
		if err != nil {
			consecutiveFailures++
			continue
		}
		if !claimed {
			// Lost the claim race or the job was cancelled under us.
			continue
		}

		ok := p.processJob(ctx, workerID, job)
		if ok {
			consecutiveFailures = 0
		} else {
			consecutiveFailures++
		}
	}
}

// processJob runs one claimed job to an outcome. Downstream errors never
// escape: they are classified, fed into the adaptive retry decision, and
// end in a requeue or the dead-letter queue.
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) (succeeded bool) {
	start := time.Now()

	// Each downstream client enforces the per-call timeout itself; this
	// context bounds the whole pipeline (a job may make two calls).
	callCtx, cancel := context.WithTimeout(ctx, 2*p.config.DownstreamTimeout+5*time.Second)
	result, err := func() (res map[string]string, perr error) {
		defer func() {
			if r := recover(); r != nil {
				perr = fmt.Errorf("processor panic: %v", r)
			}
		}()
		return p.processor.Process(callCtx, job)
	}()
	cancel()

	elapsed := time.Since(start)
	p.healthReg.RecordOutcome(ctx, workerID, err == nil, elapsed)
	p.observe("jobs.processing.duration", float64(elapsed.Milliseconds()), map[string]string{"queue": job.QueueName})

	if err == nil {
		if _, uerr := p.store.UpdateStatus(ctx, job.JobID, StatusCompleted, result, ""); uerr != nil {
			p.logger.Error(uerr).LogActivity("Failed to record job completion", map[string]any{
				"jobId": job.JobID,
			})
		}
		p.increment("jobs.processed.total", map[string]string{"queue": job.QueueName})
		return true
	}

	p.handleFailure(ctx, workerID, job, err)
	return false
}

// handleFailure drives the FAILED -> RETRYING -> {QUEUED, DEAD_LETTER} path.
func (p *Pool) handleFailure(ctx context.Context, workerID string, job *Job, cause error) {
	serviceName := serviceOf(cause)

	p.increment("jobs.failed.total", map[string]string{"queue": job.QueueName, "service": serviceName})

	if _, err := p.store.UpdateStatus(ctx, job.JobID, StatusFailed, nil, cause.Error()); err != nil {
		p.logger.Error(err).LogActivity("Failed to record job failure", map[string]any{
			"jobId": job.JobID,
		})
		return
	}

	decision := p.retrier.Decide(ctx, serviceName, job.JobType, cause, job.RetryCount, job.MaxRetries)
	p.increment("errors.classified.total", map[string]string{"service": serviceName, "category": string(decision.Category)})

	terminal, err := p.store.IncrementRetry(ctx, job.JobID, decision.ShouldRetry, decision.Delay)
	if err != nil {
		p.logger.Error(err).LogActivity("Retry scheduling failed", map[string]any{
			"jobId": job.JobID,
		})
		return
	}
	if !terminal {
		p.increment("jobs.retry.count", map[string]string{"queue": job.QueueName})
		return
	}

	fresh, err := p.store.load(ctx, job.JobID)
	if err != nil {
		fresh = job
	}
	if _, err := p.dlq.MoveToDLQ(ctx, fresh, cause.Error(), string(decision.Category)); err != nil {
		p.logger.Error(err).LogActivity("Failed to move job to DLQ", map[string]any{
			"jobId":    job.JobID,
			"workerId": workerID,
		})
	}
}

func serviceOf(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Service
	}
	return "unknown"
}

func (p *Pool) increment(name string, tags map[string]string) {
	if p.metrics != nil {
		p.metrics.Increment(name, tags)
	}
}

func (p *Pool) observe(name string, value float64, tags map[string]string) {
	if p.metrics != nil {
		p.metrics.Observe(name, value, tags)
	}
}
