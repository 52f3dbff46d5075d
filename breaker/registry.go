// Package breaker guards downstream service calls with per-service circuit
// breakers. State machines are sony/gobreaker instances held in local memory
// for the hot path; transitions are fanned out to listeners and mirrored to
// Redis so an operator can see breaker posture across restarts.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/sony/gobreaker"
)

// State is the circuit state exposed to the rest of the core.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// MetricValue maps a state to its gauge encoding (0=closed, 1=half, 2=open).
func (s State) MetricValue() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// ErrOpen is returned by Execute when the breaker is open and no fallback
// was supplied.
var ErrOpen = errors.New("circuit breaker open")

// Config holds per-service thresholds. Zero fields fall back to defaults.
type Config struct {
	FailureThreshold uint32        // consecutive failures closing -> open
	SuccessThreshold uint32        // consecutive half-open successes -> closed
	OpenTimeout      time.Duration // open -> half-open delay
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultOpenTimeout      = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	return c
}

// Snapshot is a read-only view of one service's breaker.
type Snapshot struct {
	ServiceName          string    `json:"serviceName"`
	State                State     `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32    `json:"consecutiveSuccesses"`
	OpenedAt             time.Time `json:"openedAt,omitempty"`
	HalfOpenProbes       uint32    `json:"halfOpenProbes"`
}

// Listener is informed after every state transition. Listeners must not
// block; they run on the caller's goroutine.
type Listener func(serviceName string, from, to State)

// Registry manages one breaker per service name, created lazily.
type Registry struct {
	redisClient *redis.Client
	logger      *logharbour.Logger
	defaults    Config

	mu        sync.RWMutex
	breakers  map[string]*entry
	overrides map[string]Config
	listeners []Listener
}

type entry struct {
	cb       *gobreaker.CircuitBreaker
	cfg      Config
	mu       sync.Mutex
	openedAt time.Time
}

// NewRegistry creates a Registry. redisClient may be nil to disable the KV
// mirror (tests). defaults apply to every service without an override.
func NewRegistry(redisClient *redis.Client, logger *logharbour.Logger, defaults Config) *Registry {
	return &Registry{
		redisClient: redisClient,
		logger:      logger,
		defaults:    defaults.withDefaults(),
		breakers:    make(map[string]*entry),
		overrides:   make(map[string]Config),
	}
}

// Configure sets a per-service threshold override. It only affects breakers
// created after the call; Reset an existing breaker to apply it.
func (r *Registry) Configure(serviceName string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[serviceName] = cfg.withDefaults()
}

// Subscribe registers a transition listener.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Execute runs primary under the breaker for serviceName. While the breaker
// is open the primary is not invoked: fallback runs instead when supplied,
// otherwise ErrOpen is returned. Probe rejections in half-open state are
// treated the same way.
func (r *Registry) Execute(ctx context.Context, serviceName string, primary func() (any, error), fallback func() (any, error)) (any, error) {
	e := r.get(serviceName)
	res, err := e.cb.Execute(primary)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback()
		}
		return nil, ErrOpen
	}
	return res, err
}

// StateOf returns the current state for a service. Services never executed
// report CLOSED.
func (r *Registry) StateOf(serviceName string) State {
	r.mu.RLock()
	e, ok := r.breakers[serviceName]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return fromGobreaker(e.cb.State())
}

// SnapshotOf returns a point-in-time view of one service's breaker.
func (r *Registry) SnapshotOf(serviceName string) Snapshot {
	e := r.get(serviceName)
	counts := e.cb.Counts()
	state := fromGobreaker(e.cb.State())
	snap := Snapshot{
		ServiceName:          serviceName,
		State:                state,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
	e.mu.Lock()
	snap.OpenedAt = e.openedAt
	e.mu.Unlock()
	if state == StateHalfOpen {
		snap.HalfOpenProbes = counts.Requests
	}
	return snap
}

// Snapshots returns views of every breaker created so far.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, r.SnapshotOf(name))
	}
	return out
}

// OpenSince returns when the service's breaker last opened, or the zero time
// if it is not open.
func (r *Registry) OpenSince(serviceName string) time.Time {
	r.mu.RLock()
	e, ok := r.breakers[serviceName]
	r.mu.RUnlock()
	if !ok || fromGobreaker(e.cb.State()) != StateOpen {
		return time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openedAt
}

// Reset discards the breaker for a service, returning it to CLOSED with
// clean counters. The next Execute builds a fresh state machine.
func (r *Registry) Reset(serviceName string) {
	r.mu.Lock()
	e, ok := r.breakers[serviceName]
	if ok {
		delete(r.breakers, serviceName)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	from := fromGobreaker(e.cb.State())
	if from != StateClosed {
		r.notify(serviceName, from, StateClosed)
	}
	r.mirror(serviceName, StateClosed, gobreaker.Counts{}, time.Time{})
	if r.logger != nil {
		r.logger.Info().LogActivity("Circuit breaker reset", map[string]any{
			"service": serviceName,
		})
	}
}

// get returns the entry for a service, building it on first use.
func (r *Registry) get(serviceName string) *entry {
	r.mu.RLock()
	e, ok := r.breakers[serviceName]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.breakers[serviceName]; ok {
		return e
	}

	cfg := r.defaults
	if o, ok := r.overrides[serviceName]; ok {
		cfg = o
	}
	e = &entry{cfg: cfg}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: serviceName,
		// MaxRequests doubles as the half-open probe budget and the
		// consecutive-success count that closes the breaker.
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(name, e, fromGobreaker(from), fromGobreaker(to))
		},
	})
	r.breakers[serviceName] = e
	return e
}

func (r *Registry) onStateChange(serviceName string, e *entry, from, to State) {
	now := time.Now()
	e.mu.Lock()
	if to == StateOpen {
		e.openedAt = now
	} else if to == StateClosed {
		e.openedAt = time.Time{}
	}
	openedAt := e.openedAt
	e.mu.Unlock()

	if r.logger != nil {
		r.logger.Info().LogActivity("Circuit breaker state change", map[string]any{
			"service": serviceName,
			"from":    string(from),
			"to":      string(to),
		})
	}
	r.notify(serviceName, from, to)
	// gobreaker runs this callback under its own lock, so Counts() cannot be
	// called here; the counts were already reset for the new state.
	r.mirror(serviceName, to, gobreaker.Counts{}, openedAt)
}

func (r *Registry) notify(serviceName string, from, to State) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(serviceName, from, to)
	}
}

// mirror writes the breaker state to the circuit:{service} hash. Best
// effort: the local state machine is authoritative, the mirror is for
// operators and post-restart inspection.
func (r *Registry) mirror(serviceName string, state State, counts gobreaker.Counts, openedAt time.Time) {
	if r.redisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fields := map[string]any{
		"state":                 string(state),
		"consecutive_failures":  counts.ConsecutiveFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
		"updated_at":            time.Now().UTC().Format(time.RFC3339),
	}
	if !openedAt.IsZero() {
		fields["opened_at"] = openedAt.UTC().Format(time.RFC3339)
	} else {
		fields["opened_at"] = ""
	}
	if err := r.redisClient.HSet(ctx, "circuit:"+serviceName, fields).Err(); err != nil && r.logger != nil {
		r.logger.Warn().LogActivity("Failed to mirror circuit state", map[string]any{
			"service": serviceName,
			"error":   err.Error(),
		})
	}
}
