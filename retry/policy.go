// Package retry computes retry decisions. It is a pure calculator: given a
// policy, an attempt number and the time of the last failure it returns
// whether to retry and when. Nothing here touches Redis or the clock beyond
// stamping NextAt relative to the failure time.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy selects the backoff curve.
type Policy string

const (
	Immediate          Policy = "IMMEDIATE"
	FixedDelay         Policy = "FIXED_DELAY"
	LinearBackoff      Policy = "LINEAR_BACKOFF"
	ExponentialBackoff Policy = "EXPONENTIAL_BACKOFF"
	Fibonacci          Policy = "FIBONACCI"
	Adaptive           Policy = "ADAPTIVE"
)

// Config parameterizes a policy. JitterFactor must lie in [0, 1].
type Config struct {
	Policy        Policy
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	MaxRetries    int
	JitterFactor  float64
	JitterEnabled bool
}

// Decision is the result of a retry calculation.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	NextAt      time.Time
}

// Default configurations per job type and error class. The zero Config is
// never used; callers pick one of these and override as needed.
var (
	// AudioProcessingDefault covers AUDIO_PROCESSING jobs.
	AudioProcessingDefault = Config{
		Policy:        ExponentialBackoff,
		InitialDelay:  2 * time.Second,
		MaxDelay:      5 * time.Minute,
		Multiplier:    2.0,
		MaxRetries:    5,
		JitterFactor:  0.1,
		JitterEnabled: true,
	}

	// TextProcessingDefault covers TEXT_PROCESSING jobs.
	TextProcessingDefault = Config{
		Policy:        ExponentialBackoff,
		InitialDelay:  10 * time.Second,
		MaxDelay:      10 * time.Minute,
		Multiplier:    2.0,
		MaxRetries:    3,
		JitterFactor:  0.1,
		JitterEnabled: true,
	}

	// NetworkDefault covers transient network failures.
	NetworkDefault = Config{
		Policy:        ExponentialBackoff,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		Multiplier:    2.0,
		MaxRetries:    4,
		JitterFactor:  0.1,
		JitterEnabled: true,
	}

	// MemoryDefault covers resource-exhaustion failures, which need room to
	// recover before hammering the service again.
	MemoryDefault = Config{
		Policy:        ExponentialBackoff,
		InitialDelay:  30 * time.Second,
		MaxDelay:      30 * time.Minute,
		Multiplier:    2.0,
		MaxRetries:    3,
		JitterFactor:  0.1,
		JitterEnabled: true,
	}

	// StandardDefault is the fallback when nothing more specific applies.
	StandardDefault = Config{
		Policy:        ExponentialBackoff,
		InitialDelay:  5 * time.Second,
		MaxDelay:      2 * time.Minute,
		Multiplier:    2.0,
		MaxRetries:    3,
		JitterFactor:  0.1,
		JitterEnabled: true,
	}
)

// CalculateNext computes the decision for the given zero-indexed attempt.
// attempt >= cfg.MaxRetries yields ShouldRetry=false. lastFailure anchors
// NextAt; a zero lastFailure anchors at the call time.
func CalculateNext(cfg Config, attempt int, lastFailure time.Time) Decision {
	if attempt >= cfg.MaxRetries {
		return Decision{ShouldRetry: false}
	}

	delay := baseDelay(cfg, attempt)
	if cfg.JitterEnabled && cfg.JitterFactor > 0 {
		delay = applyJitter(delay, cfg.JitterFactor)
	}
	if delay < 0 {
		delay = 0
	}

	anchor := lastFailure
	if anchor.IsZero() {
		anchor = time.Now()
	}
	return Decision{
		ShouldRetry: true,
		Delay:       delay,
		NextAt:      anchor.Add(delay),
	}
}

// baseDelay computes the unjittered delay for an attempt, capped at MaxDelay.
func baseDelay(cfg Config, attempt int) time.Duration {
	var d time.Duration
	switch cfg.Policy {
	case Immediate:
		return 0
	case FixedDelay:
		d = cfg.InitialDelay
	case LinearBackoff:
		d = time.Duration(int64(cfg.InitialDelay) * int64(attempt+1))
	case ExponentialBackoff, Adaptive:
		// Adaptive policy selection happens upstream; by the time a Config
		// reaches the calculator it behaves exponentially.
		mult := cfg.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		d = time.Duration(float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt)))
	case Fibonacci:
		d = time.Duration(int64(cfg.InitialDelay) * fib(attempt+1))
	default:
		d = cfg.InitialDelay
	}

	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if d < 0 {
		// Overflow guard for large attempts before the cap applies.
		d = cfg.MaxDelay
	}
	return d
}

// applyJitter perturbs delay uniformly within ±factor·delay.
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor > 1 {
		factor = 1
	}
	spread := float64(delay) * factor
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(delay) + offset)
}

// fib returns the nth Fibonacci number (fib(1) = fib(2) = 1). Iterative;
// attempts are small so overflow is not a concern before the delay cap hits.
func fib(n int) int64 {
	if n <= 0 {
		return 0
	}
	var a, b int64 = 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}
