package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Comparison is the operator an alert rule applies to the aggregate.
type Comparison string

const (
	Above Comparison = ">"
	Below Comparison = "<"
)

// Aggregation selects how a rule reduces its metric window.
type Aggregation string

const (
	AggAvg  Aggregation = "avg"
	AggSum  Aggregation = "sum"
	AggMax  Aggregation = "max"
	AggLast Aggregation = "last"
	AggP95  Aggregation = "p95"
)

// Rule describes one alert condition. The condition must hold for
// ConsecutiveBreaches evaluation passes before an alert fires; while it
// keeps holding, the alert's trigger count increments at most once per
// Cooldown.
type Rule struct {
	Name                string
	MetricName          string
	Aggregation         Aggregation
	Window              time.Duration
	Comparison          Comparison
	Threshold           float64
	ConsecutiveBreaches int
	Cooldown            time.Duration
	Severity            Severity
}

func (r *Rule) applyDefaults() {
	if r.Aggregation == "" {
		r.Aggregation = AggAvg
	}
	if r.Window == 0 {
		r.Window = 5 * time.Minute
	}
	if r.Comparison == "" {
		r.Comparison = Above
	}
	if r.ConsecutiveBreaches == 0 {
		r.ConsecutiveBreaches = 1
	}
	if r.Cooldown == 0 {
		r.Cooldown = 5 * time.Minute
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
}

// Alert is one fired rule instance. Firing is idempotent per
// (ruleName, metricName): re-evaluation while the condition holds updates
// the existing alert instead of raising a new one.
type Alert struct {
	ID             string     `json:"id"`
	RuleName       string     `json:"ruleName"`
	Severity       Severity   `json:"severity"`
	MetricName     string     `json:"metricName"`
	Threshold      float64    `json:"threshold"`
	ActualValue    float64    `json:"actualValue"`
	TriggeredAt    time.Time  `json:"triggeredAt"`
	TriggerCount   int        `json:"triggerCount"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// ErrAlertNotFound is returned when an acknowledgement names an unknown id.
var ErrAlertNotFound = errors.New("alert not found")

// ruleState tracks one rule's breach streak and last trigger time.
type ruleState struct {
	rule        Rule
	breaches    int
	lastTrigger time.Time
}

func alertKey(ruleName, metricName string) string {
	return ruleName + "|" + metricName
}

// AddRule registers an alert rule.
func (m *Manager) AddRule(rule Rule) {
	rule.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[alertKey(rule.Name, rule.MetricName)] = &ruleState{rule: rule}
}

// EvaluateRules runs one evaluation pass over every registered rule. Alerts
// fire after the configured consecutive breaches and auto-resolve when the
// condition clears.
func (m *Manager) EvaluateRules(now time.Time) {
	m.mu.Lock()
	states := make([]*ruleState, 0, len(m.rules))
	for _, st := range m.rules {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		series := m.Lookup(st.rule.MetricName)
		if series == nil {
			continue
		}
		window := series.Window(now.Add(-st.rule.Window))
		value := aggregate(st.rule.Aggregation, window)

		breached := false
		switch st.rule.Comparison {
		case Below:
			breached = value < st.rule.Threshold
		default:
			breached = value > st.rule.Threshold
		}

		if breached {
			st.breaches++
			if st.breaches >= st.rule.ConsecutiveBreaches {
				m.fire(st, value, now)
			}
		} else {
			st.breaches = 0
			m.resolve(st.rule, now)
		}
	}
}

func aggregate(agg Aggregation, points []Point) float64 {
	switch agg {
	case AggSum:
		return Sum(points)
	case AggMax:
		return Max(points)
	case AggLast:
		return Last(points)
	case AggP95:
		return Percentile(points, 95)
	default:
		return Avg(points)
	}
}

// fire raises or re-triggers the alert for a rule.
func (m *Manager) fire(st *ruleState, value float64, now time.Time) {
	key := alertKey(st.rule.Name, st.rule.MetricName)

	m.mu.Lock()
	alert, exists := m.alerts[key]
	if exists && alert.ResolvedAt == nil {
		if now.Sub(st.lastTrigger) < st.rule.Cooldown {
			m.mu.Unlock()
			return
		}
		alert.TriggerCount++
		alert.ActualValue = value
		st.lastTrigger = now
		cp := *alert
		m.mu.Unlock()
		m.mirrorAlert(&cp)
		return
	}

	alert = &Alert{
		ID:           uuid.New().String(),
		RuleName:     st.rule.Name,
		Severity:     st.rule.Severity,
		MetricName:   st.rule.MetricName,
		Threshold:    st.rule.Threshold,
		ActualValue:  value,
		TriggeredAt:  now,
		TriggerCount: 1,
	}
	m.alerts[key] = alert
	st.lastTrigger = now
	cp := *alert
	m.mu.Unlock()

	m.mirrorAlert(&cp)
	if m.logger != nil {
		m.logger.Warn().LogActivity("Alert fired", map[string]any{
			"rule":      st.rule.Name,
			"metric":    st.rule.MetricName,
			"severity":  string(st.rule.Severity),
			"threshold": st.rule.Threshold,
			"value":     value,
		})
	}
}

// resolve closes the alert for a rule when its condition clears.
func (m *Manager) resolve(rule Rule, now time.Time) {
	key := alertKey(rule.Name, rule.MetricName)

	m.mu.Lock()
	alert, exists := m.alerts[key]
	if !exists || alert.ResolvedAt != nil {
		m.mu.Unlock()
		return
	}
	alert.ResolvedAt = &now
	cp := *alert
	delete(m.alerts, key)
	m.mu.Unlock()

	if m.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		m.redisClient.HDel(ctx, "alerts:active", cp.ID)
		cancel()
	}
	if m.logger != nil {
		m.logger.Info().LogActivity("Alert resolved", map[string]any{
			"rule":   rule.Name,
			"metric": rule.MetricName,
		})
	}
}

// Acknowledge records the actor on an active alert.
func (m *Manager) Acknowledge(alertID, actor string) error {
	m.mu.Lock()
	var found *Alert
	for _, alert := range m.alerts {
		if alert.ID == alertID {
			found = alert
			break
		}
	}
	if found == nil {
		m.mu.Unlock()
		return ErrAlertNotFound
	}
	now := time.Now()
	found.Acknowledged = true
	found.AcknowledgedBy = actor
	found.AcknowledgedAt = &now
	cp := *found
	m.mu.Unlock()

	m.mirrorAlert(&cp)
	return nil
}

// ActiveAlerts returns copies of every unresolved alert.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		out = append(out, *alert)
	}
	return out
}

// mirrorAlert writes the alert to the alerts:active hash, best effort.
func (m *Manager) mirrorAlert(alert *Alert) {
	if m.redisClient == nil {
		return
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.redisClient.HSet(ctx, "alerts:active", alert.ID, data).Err(); err != nil && m.logger != nil {
		m.logger.Warn().LogActivity("Failed to mirror alert", map[string]any{
			"alertId": alert.ID,
			"error":   fmt.Sprint(err),
		})
	}
}
