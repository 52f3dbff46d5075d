// Package degrade derives a graded system posture from circuit breaker and
// worker health signals. The controller recomputes per-service levels on a
// timer; operators can pin the overall level with a manual override, which
// bypasses computation until cleared.
package degrade

import (
	"context"
	"sync"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/hahnben/cura-snap-ai/breaker"
)

// Level is the ordered degradation scale. Higher is worse; MAINTENANCE is
// only reachable through a manual override.
type Level int

const (
	LevelNormal Level = iota
	LevelMinor
	LevelModerate
	LevelMajor
	LevelCritical
	LevelMaintenance
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelMinor:
		return "MINOR"
	case LevelModerate:
		return "MODERATE"
	case LevelMajor:
		return "MAJOR"
	case LevelCritical:
		return "CRITICAL"
	case LevelMaintenance:
		return "MAINTENANCE"
	}
	return "UNKNOWN"
}

// ServiceState is one service's computed posture.
type ServiceState struct {
	ServiceName       string    `json:"serviceName"`
	Level             Level     `json:"level"`
	LevelName         string    `json:"levelName"`
	DegradationReason string    `json:"degradationReason,omitempty"`
	LastHealthyTime   time.Time `json:"lastHealthyTime"`
}

// Override pins the overall level regardless of computed state.
type Override struct {
	Level  Level     `json:"level"`
	Reason string    `json:"reason"`
	Actor  string    `json:"actor"`
	SetAt  time.Time `json:"setAt"`
}

// CircuitReader is the read-only breaker view the controller consumes.
type CircuitReader interface {
	StateOf(serviceName string) breaker.State
	OpenSince(serviceName string) time.Time
}

// WorkerHealthReader is the read-only health view the controller consumes.
type WorkerHealthReader interface {
	UnhealthyWorkerRatio() float64
}

// FailureRateReader reports a service's recent failure rate in [0, 1].
// Implemented by the metrics manager over its rolling windows.
type FailureRateReader interface {
	FailureRate(serviceName string, window time.Duration) float64
}

// Config holds controller tunables.
type Config struct {
	Interval          time.Duration // recompute cadence
	OpenForMajor      time.Duration // breaker open longer than this counts toward MAJOR
	MinorFailureRate  float64       // failure rate marking MINOR
	ModerateFailure   float64       // failure rate marking MODERATE
	UnhealthyForMajor float64       // unhealthy worker ratio gating MAJOR
	RateWindow        time.Duration // failure-rate lookback
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.OpenForMajor == 0 {
		c.OpenForMajor = time.Minute
	}
	if c.MinorFailureRate == 0 {
		c.MinorFailureRate = 0.05
	}
	if c.ModerateFailure == 0 {
		c.ModerateFailure = 0.25
	}
	if c.UnhealthyForMajor == 0 {
		c.UnhealthyForMajor = 0.5
	}
	if c.RateWindow == 0 {
		c.RateWindow = 5 * time.Minute
	}
}

// Controller computes and serves degradation state.
type Controller struct {
	circuits CircuitReader
	workers  WorkerHealthReader
	failures FailureRateReader
	logger   *logharbour.Logger
	config   Config
	services []string

	mu       sync.RWMutex
	states   map[string]ServiceState
	override *Override

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewController creates a Controller watching the named services. failures
// may be nil; failure-rate grading is then skipped.
func NewController(circuits CircuitReader, workers WorkerHealthReader, failures FailureRateReader, logger *logharbour.Logger, services []string, config Config) *Controller {
	config.applyDefaults()
	states := make(map[string]ServiceState, len(services))
	now := time.Now()
	for _, svc := range services {
		states[svc] = ServiceState{
			ServiceName:     svc,
			Level:           LevelNormal,
			LevelName:       LevelNormal.String(),
			LastHealthyTime: now,
		}
	}
	return &Controller{
		circuits: circuits,
		workers:  workers,
		failures: failures,
		logger:   logger,
		config:   config,
		services: services,
		states:   states,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic recompute loop.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		c.Recompute()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.Recompute()
			}
		}
	}()
}

// Stop halts the recompute loop.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// Recompute derives every service's level from the current signals. A
// pinned override suppresses computation entirely.
func (c *Controller) Recompute() {
	c.mu.RLock()
	pinned := c.override != nil
	c.mu.RUnlock()
	if pinned {
		return
	}

	unhealthyRatio := c.workers.UnhealthyWorkerRatio()
	now := time.Now()

	for _, svc := range c.services {
		level, reason := c.gradeService(svc, unhealthyRatio, now)

		c.mu.Lock()
		prev := c.states[svc]
		next := ServiceState{
			ServiceName:       svc,
			Level:             level,
			LevelName:         level.String(),
			DegradationReason: reason,
			LastHealthyTime:   prev.LastHealthyTime,
		}
		if level == LevelNormal {
			next.LastHealthyTime = now
			next.DegradationReason = ""
		}
		c.states[svc] = next
		c.mu.Unlock()

		if prev.Level != level {
			c.logger.Info().LogActivity("Service degradation level changed", map[string]any{
				"service": svc,
				"from":    prev.LevelName,
				"to":      level.String(),
				"reason":  reason,
			})
		}
	}
}

// gradeService maps one service's signals to a level.
func (c *Controller) gradeService(svc string, unhealthyRatio float64, now time.Time) (Level, string) {
	state := c.circuits.StateOf(svc)

	if state == breaker.StateOpen {
		openSince := c.circuits.OpenSince(svc)
		if !openSince.IsZero() && now.Sub(openSince) > c.config.OpenForMajor && unhealthyRatio >= c.config.UnhealthyForMajor {
			return LevelMajor, "circuit open with degraded worker pool"
		}
		return LevelModerate, "circuit breaker open"
	}

	if c.failures != nil {
		rate := c.failures.FailureRate(svc, c.config.RateWindow)
		if rate >= c.config.ModerateFailure {
			return LevelModerate, "elevated failure rate"
		}
		if rate >= c.config.MinorFailureRate {
			return LevelMinor, "minor failure rate"
		}
	}

	if state == breaker.StateHalfOpen {
		return LevelMinor, "circuit breaker probing"
	}
	return LevelNormal, ""
}

// ServiceStates returns a copy of every per-service state.
func (c *Controller) ServiceStates() []ServiceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServiceState, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, c.states[svc])
	}
	return out
}

// OverallLevel returns the maximum of all per-service levels, or the pinned
// override level when one is set.
func (c *Controller) OverallLevel() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override != nil {
		return c.override.Level
	}
	max := LevelNormal
	for _, s := range c.states {
		if s.Level > max {
			max = s.Level
		}
	}
	return max
}

// Message returns a human-readable summary of the overall posture for
// advisory headers and the admin surface.
func (c *Controller) Message() string {
	level := c.OverallLevel()
	switch level {
	case LevelNormal:
		return "all systems operational"
	case LevelMaintenance:
		return "system in maintenance, submissions refused"
	default:
		return "system degraded: " + level.String()
	}
}

// SetOverride pins the overall level until ClearOverride.
func (c *Controller) SetOverride(level Level, reason, actor string) {
	c.mu.Lock()
	c.override = &Override{
		Level:  level,
		Reason: reason,
		Actor:  actor,
		SetAt:  time.Now(),
	}
	c.mu.Unlock()

	c.logger.Warn().LogActivity("Degradation override set", map[string]any{
		"level":  level.String(),
		"reason": reason,
		"actor":  actor,
	})
}

// ClearOverride removes the pin; the next recompute restores derived state.
func (c *Controller) ClearOverride(actor string) {
	c.mu.Lock()
	had := c.override != nil
	c.override = nil
	c.mu.Unlock()

	if had {
		c.logger.Info().LogActivity("Degradation override cleared", map[string]any{
			"actor": actor,
		})
	}
}

// CurrentOverride returns the active override, if any.
func (c *Controller) CurrentOverride() *Override {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override == nil {
		return nil
	}
	cp := *c.override
	return &cp
}
