package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hahnben/cura-snap-ai/breaker"
	"github.com/hahnben/cura-snap-ai/errclass"
)

type stubCircuits struct {
	state breaker.State
}

func (s *stubCircuits) StateOf(serviceName string) breaker.State { return s.state }

type stubWorkers struct {
	ratio float64
}

func (s *stubWorkers) UnhealthyWorkerRatio() float64 { return s.ratio }

func newTestRetrier(state breaker.State, ratio float64) *AdaptiveRetrier {
	return NewAdaptiveRetrier(errclass.New(nil), &stubCircuits{state: state}, &stubWorkers{ratio: ratio}, testLogger())
}

func TestDecideNonRetryableCategories(t *testing.T) {
	r := newTestRetrier(breaker.StateClosed, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want errclass.Category
	}{
		{"validation", errors.New("invalid audio format"), errclass.ValidationError},
		{"authentication", errors.New("401 unauthorized"), errclass.AuthenticationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Decide(ctx, "agent", JobTypeAudioProcessing, tt.err, 0, 5)
			assert.False(t, d.ShouldRetry)
			assert.Equal(t, tt.want, d.Category)
		})
	}
}

func TestDecideOpenCircuitBlocksRetry(t *testing.T) {
	r := newTestRetrier(breaker.StateOpen, 0)
	d := r.Decide(context.Background(), "agent", JobTypeAudioProcessing, errors.New("503 unavailable"), 0, 5)
	assert.False(t, d.ShouldRetry)
	assert.Equal(t, errclass.ServiceUnavailable, d.Category)
}

func TestDecideTransientNetworkRetries(t *testing.T) {
	r := newTestRetrier(breaker.StateClosed, 0)
	d := r.Decide(context.Background(), "transcription", JobTypeAudioProcessing, errors.New("connection refused"), 0, 5)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, errclass.TransientNetwork, d.Category)
	// Network default: 1s initial with 0.1 jitter.
	assert.GreaterOrEqual(t, d.Delay, 900*time.Millisecond)
	assert.LessOrEqual(t, d.Delay, 1100*time.Millisecond)
}

func TestDecideRateLimitedMinimumDelay(t *testing.T) {
	r := newTestRetrier(breaker.StateClosed, 0)
	d := r.Decide(context.Background(), "agent", JobTypeAudioProcessing, errors.New("429 too many requests"), 0, 5)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, errclass.RateLimited, d.Category)
	assert.GreaterOrEqual(t, d.Delay, 60*time.Second)
}

func TestDecideHalfOpenStretchesDelay(t *testing.T) {
	closed := newTestRetrier(breaker.StateClosed, 0)
	half := newTestRetrier(breaker.StateHalfOpen, 0)
	ctx := context.Background()
	cause := errors.New("connection reset by peer")

	var closedMax, halfMin time.Duration
	closedMax = 0
	halfMin = time.Hour
	for i := 0; i < 50; i++ {
		if d := closed.Decide(ctx, "agent", JobTypeAudioProcessing, cause, 0, 5); d.Delay > closedMax {
			closedMax = d.Delay
		}
		if d := half.Decide(ctx, "agent", JobTypeAudioProcessing, cause, 0, 5); d.Delay < halfMin {
			halfMin = d.Delay
		}
	}
	// Jitter is ±10%; the 1.5x caution factor dominates it.
	assert.Greater(t, halfMin, closedMax)
}

func TestDecideUnhealthyWorkersStretchDelay(t *testing.T) {
	healthy := newTestRetrier(breaker.StateClosed, 0)
	degraded := newTestRetrier(breaker.StateClosed, 1.0)
	ctx := context.Background()
	cause := errors.New("connection refused")

	var healthyMax, degradedMin time.Duration
	degradedMin = time.Hour
	for i := 0; i < 50; i++ {
		if d := healthy.Decide(ctx, "agent", JobTypeAudioProcessing, cause, 0, 5); d.Delay > healthyMax {
			healthyMax = d.Delay
		}
		if d := degraded.Decide(ctx, "agent", JobTypeAudioProcessing, cause, 0, 5); d.Delay < degradedMin {
			degradedMin = d.Delay
		}
	}
	assert.Greater(t, degradedMin, healthyMax)
}

func TestDecideAttemptExhaustion(t *testing.T) {
	r := newTestRetrier(breaker.StateClosed, 0)
	d := r.Decide(context.Background(), "agent", JobTypeAudioProcessing, errors.New("connection refused"), 5, 5)
	assert.False(t, d.ShouldRetry)
}

func TestDecideNilCollaborators(t *testing.T) {
	// A retrier with no signal sources still produces sane decisions.
	r := NewAdaptiveRetrier(nil, nil, nil, testLogger())
	d := r.Decide(context.Background(), "agent", JobTypeAudioProcessing, errors.New("boom"), 0, 3)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, errclass.UnknownError, d.Category)
}

func TestConfigForSelection(t *testing.T) {
	assert.Equal(t, time.Second, configFor(errclass.TransientNetwork, JobTypeAudioProcessing).InitialDelay)
	assert.Equal(t, 30*time.Second, configFor(errclass.ResourceExhaustion, JobTypeAudioProcessing).InitialDelay)
	assert.Equal(t, 2*time.Second, configFor(errclass.UnknownError, JobTypeAudioProcessing).InitialDelay)
	assert.Equal(t, 10*time.Second, configFor(errclass.UnknownError, JobTypeTextProcessing).InitialDelay)
	assert.Equal(t, 5*time.Second, configFor(errclass.UnknownError, JobType("other")).InitialDelay)
}
