package degrade

import (
	"log"
	"testing"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hahnben/cura-snap-ai/breaker"
)

func testLogger() *logharbour.Logger {
	return logharbour.NewLogger(&logharbour.LoggerContext{}, "degrade-test", log.Writer())
}

type stubCircuits struct {
	states map[string]breaker.State
	opened map[string]time.Time
}

func (s *stubCircuits) StateOf(serviceName string) breaker.State {
	if st, ok := s.states[serviceName]; ok {
		return st
	}
	return breaker.StateClosed
}

func (s *stubCircuits) OpenSince(serviceName string) time.Time {
	return s.opened[serviceName]
}

type stubWorkers struct {
	ratio float64
}

func (s *stubWorkers) UnhealthyWorkerRatio() float64 { return s.ratio }

type stubFailures struct {
	rates map[string]float64
}

func (s *stubFailures) FailureRate(serviceName string, window time.Duration) float64 {
	return s.rates[serviceName]
}

func newTestController(circuits *stubCircuits, workers *stubWorkers, failures *stubFailures) *Controller {
	return NewController(circuits, workers, failures, testLogger(),
		[]string{"transcription", "agent"}, Config{})
}

func TestAllHealthyIsNormal(t *testing.T) {
	c := newTestController(&stubCircuits{}, &stubWorkers{}, &stubFailures{})
	c.Recompute()

	assert.Equal(t, LevelNormal, c.OverallLevel())
	for _, s := range c.ServiceStates() {
		assert.Equal(t, LevelNormal, s.Level)
		assert.Empty(t, s.DegradationReason)
	}
}

func TestOpenBreakerIsModerate(t *testing.T) {
	c := newTestController(&stubCircuits{
		states: map[string]breaker.State{"agent": breaker.StateOpen},
		opened: map[string]time.Time{"agent": time.Now()},
	}, &stubWorkers{}, &stubFailures{})
	c.Recompute()

	assert.Equal(t, LevelModerate, c.OverallLevel())

	states := c.ServiceStates()
	byName := map[string]ServiceState{}
	for _, s := range states {
		byName[s.ServiceName] = s
	}
	assert.Equal(t, LevelModerate, byName["agent"].Level)
	assert.Equal(t, "circuit breaker open", byName["agent"].DegradationReason)
	assert.Equal(t, LevelNormal, byName["transcription"].Level)
}

func TestLongOpenWithUnhealthyWorkersIsMajor(t *testing.T) {
	c := newTestController(&stubCircuits{
		states: map[string]breaker.State{"agent": breaker.StateOpen},
		opened: map[string]time.Time{"agent": time.Now().Add(-2 * time.Minute)},
	}, &stubWorkers{ratio: 0.75}, &stubFailures{})
	c.Recompute()

	assert.Equal(t, LevelMajor, c.OverallLevel())
}

func TestFailureRateGrading(t *testing.T) {
	t.Run("minor rate", func(t *testing.T) {
		c := newTestController(&stubCircuits{}, &stubWorkers{}, &stubFailures{
			rates: map[string]float64{"agent": 0.1},
		})
		c.Recompute()
		assert.Equal(t, LevelMinor, c.OverallLevel())
	})

	t.Run("moderate rate", func(t *testing.T) {
		c := newTestController(&stubCircuits{}, &stubWorkers{}, &stubFailures{
			rates: map[string]float64{"agent": 0.5},
		})
		c.Recompute()
		assert.Equal(t, LevelModerate, c.OverallLevel())
	})
}

func TestHalfOpenIsMinor(t *testing.T) {
	c := newTestController(&stubCircuits{
		states: map[string]breaker.State{"agent": breaker.StateHalfOpen},
	}, &stubWorkers{}, &stubFailures{})
	c.Recompute()
	assert.Equal(t, LevelMinor, c.OverallLevel())
}

func TestOverridePinsLevel(t *testing.T) {
	c := newTestController(&stubCircuits{}, &stubWorkers{}, &stubFailures{})

	c.SetOverride(LevelMaintenance, "planned upgrade", "ops@curasnap")
	assert.Equal(t, LevelMaintenance, c.OverallLevel())

	override := c.CurrentOverride()
	require.NotNil(t, override)
	assert.Equal(t, "planned upgrade", override.Reason)
	assert.Equal(t, "ops@curasnap", override.Actor)

	// Recompute is suppressed while pinned.
	c.Recompute()
	assert.Equal(t, LevelMaintenance, c.OverallLevel())

	c.ClearOverride("ops@curasnap")
	assert.Nil(t, c.CurrentOverride())
	c.Recompute()
	assert.Equal(t, LevelNormal, c.OverallLevel())
}

func TestLastHealthyTimeTracksRecovery(t *testing.T) {
	circuits := &stubCircuits{
		states: map[string]breaker.State{"agent": breaker.StateOpen},
		opened: map[string]time.Time{"agent": time.Now()},
	}
	c := newTestController(circuits, &stubWorkers{}, &stubFailures{})
	c.Recompute()

	var degraded ServiceState
	for _, s := range c.ServiceStates() {
		if s.ServiceName == "agent" {
			degraded = s
		}
	}
	firstHealthy := degraded.LastHealthyTime

	time.Sleep(5 * time.Millisecond)
	circuits.states["agent"] = breaker.StateClosed
	c.Recompute()

	for _, s := range c.ServiceStates() {
		if s.ServiceName == "agent" {
			assert.True(t, s.LastHealthyTime.After(firstHealthy))
		}
	}
}

func TestMessage(t *testing.T) {
	c := newTestController(&stubCircuits{}, &stubWorkers{}, &stubFailures{})
	assert.Equal(t, "all systems operational", c.Message())

	c.SetOverride(LevelMaintenance, "upgrade", "ops")
	assert.Contains(t, c.Message(), "maintenance")

	c.SetOverride(LevelMajor, "incident", "ops")
	assert.Contains(t, c.Message(), "MAJOR")
}

func TestLevelOrdering(t *testing.T) {
	assert.True(t, LevelNormal < LevelMinor)
	assert.True(t, LevelMinor < LevelModerate)
	assert.True(t, LevelModerate < LevelMajor)
	assert.True(t, LevelMajor < LevelCritical)
	assert.True(t, LevelCritical < LevelMaintenance)
	assert.Equal(t, "MAINTENANCE", LevelMaintenance.String())
}
