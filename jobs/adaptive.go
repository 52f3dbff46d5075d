package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/hahnben/cura-snap-ai/breaker"
	"github.com/hahnben/cura-snap-ai/errclass"
	"github.com/hahnben/cura-snap-ai/retry"
)

// ErrorClassifier is the narrow view of the classifier the retrier needs.
type ErrorClassifier interface {
	Classify(ctx context.Context, serviceName string, err error) errclass.Category
}

// CircuitReader is the narrow read-only view of the breaker registry.
type CircuitReader interface {
	StateOf(serviceName string) breaker.State
}

// WorkerHealthReader is the narrow read-only view of the health registry.
type WorkerHealthReader interface {
	UnhealthyWorkerRatio() float64
}

// RetryDecision is the outcome of an adaptive retry calculation.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	NextAt      time.Time
	Category    errclass.Category
}

// halfOpenCaution stretches delays while a breaker is probing so retries do
// not immediately re-trip it.
const halfOpenCaution = 1.5

// rateLimitedMinDelay floors the delay for rate-limited failures.
const rateLimitedMinDelay = 60 * time.Second

// AdaptiveRetrier implements the adaptive retry policy: the backoff curve is
// chosen from the classified error category, then shaped by circuit state
// and worker health before the pure calculator runs.
type AdaptiveRetrier struct {
	classifier ErrorClassifier
	circuits   CircuitReader
	workers    WorkerHealthReader
	logger     *logharbour.Logger
}

// NewAdaptiveRetrier wires the retrier to its read-only collaborators. Any
// of them may be nil; missing signals simply do not shape the decision.
func NewAdaptiveRetrier(classifier ErrorClassifier, circuits CircuitReader, workers WorkerHealthReader, logger *logharbour.Logger) *AdaptiveRetrier {
	return &AdaptiveRetrier{
		classifier: classifier,
		circuits:   circuits,
		workers:    workers,
		logger:     logger,
	}
}

// Decide computes the retry decision for a failed attempt. attempt is the
// job's current retry count (zero-indexed). Any internal failure falls back
// to plain exponential backoff so a broken signal source can never wedge the
// retry path.
func (a *AdaptiveRetrier) Decide(ctx context.Context, serviceName string, jobType JobType, cause error, attempt, maxRetries int) (decision RetryDecision) {
	defer func() {
		if r := recover(); r != nil {
			if a.logger != nil {
				a.logger.Error(fmt.Errorf("adaptive retry panic: %v", r)).LogActivity("Adaptive retry calculation failed, using exponential fallback", map[string]any{
					"service": serviceName,
				})
			}
			decision = fallbackDecision(attempt, maxRetries)
		}
	}()

	category := errclass.UnknownError
	if a.classifier != nil {
		category = a.classifier.Classify(ctx, serviceName, cause)
	}
	decision.Category = category

	// Validation and authentication failures never heal on retry.
	if !category.Retryable() {
		return decision
	}

	circuitState := breaker.StateClosed
	if a.circuits != nil {
		circuitState = a.circuits.StateOf(serviceName)
	}

	// Retrying into an open breaker just burns the retry budget.
	if circuitState == breaker.StateOpen {
		return decision
	}

	cfg := configFor(category, jobType)
	cfg.MaxRetries = maxRetries

	calc := retry.CalculateNext(cfg, attempt, time.Now())
	if !calc.ShouldRetry {
		return decision
	}

	delay := calc.Delay
	if category == errclass.RateLimited && delay < rateLimitedMinDelay {
		delay = rateLimitedMinDelay
	}
	if circuitState == breaker.StateHalfOpen {
		delay = time.Duration(float64(delay) * halfOpenCaution)
	}
	if a.workers != nil {
		// A struggling worker pool gets breathing room proportional to how
		// much of it is down.
		if ratio := a.workers.UnhealthyWorkerRatio(); ratio > 0 {
			delay = time.Duration(float64(delay) * (1 + ratio))
		}
	}

	decision.ShouldRetry = true
	decision.Delay = delay
	decision.NextAt = time.Now().Add(delay)
	return decision
}

// configFor selects the backoff curve per error category, falling back to
// the per-job-type default.
func configFor(category errclass.Category, jobType JobType) retry.Config {
	switch category {
	case errclass.TransientNetwork:
		return retry.NetworkDefault
	case errclass.RateLimited:
		cfg := retry.StandardDefault
		cfg.Policy = retry.LinearBackoff
		cfg.InitialDelay = rateLimitedMinDelay
		cfg.MaxDelay = 10 * time.Minute
		return cfg
	case errclass.ServiceUnavailable:
		cfg := retry.StandardDefault
		cfg.Policy = retry.Fibonacci
		return cfg
	case errclass.ResourceExhaustion:
		return retry.MemoryDefault
	}

	switch jobType {
	case JobTypeAudioProcessing, JobTypeTranscriptionOnly:
		return retry.AudioProcessingDefault
	case JobTypeTextProcessing:
		return retry.TextProcessingDefault
	}
	return retry.StandardDefault
}

// fallbackDecision is the last-resort exponential schedule used when the
// adaptive calculation itself fails.
func fallbackDecision(attempt, maxRetries int) RetryDecision {
	if attempt >= maxRetries {
		return RetryDecision{Category: errclass.UnknownError}
	}
	delay := time.Duration(float64(2*time.Second) * math.Pow(2, float64(attempt)))
	return RetryDecision{
		ShouldRetry: true,
		Delay:       delay,
		NextAt:      time.Now().Add(delay),
		Category:    errclass.UnknownError,
	}
}
