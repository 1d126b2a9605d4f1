package health

import (
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/metrics"
	"github.com/vietddude/bootwatch/internal/recovery"
)

// Snapshot is what a trigger condition is evaluated against. For triggers
// without a component, Component aggregates every record: the worst status,
// the summed error count and the slowest response.
type Snapshot struct {
	Component      ComponentHealth
	CriticalErrors int
}

// Condition is a predicate over a Snapshot.
type Condition func(s Snapshot) bool

// StatusIs holds when the component status is one of statuses.
func StatusIs(statuses ...domain.HealthStatus) Condition {
	return func(s Snapshot) bool {
		for _, st := range statuses {
			if s.Component.Status == st {
				return true
			}
		}
		return false
	}
}

// ErrorCountAtLeast holds when the component has at least n probe errors.
func ErrorCountAtLeast(n int) Condition {
	return func(s Snapshot) bool { return s.Component.ErrorCount >= n }
}

// CriticalErrorsAtLeast holds when the global critical tally is at least n.
func CriticalErrorsAtLeast(n int) Condition {
	return func(s Snapshot) bool { return s.CriticalErrors >= n }
}

// ResponseTimeAbove holds when the last response took longer than d.
func ResponseTimeAbove(d time.Duration) Condition {
	return func(s Snapshot) bool { return s.Component.ResponseTime > d }
}

// All holds when every condition holds.
func All(conds ...Condition) Condition {
	return func(s Snapshot) bool {
		for _, c := range conds {
			if !c(s) {
				return false
			}
		}
		return true
	}
}

// Any holds when at least one condition holds.
func Any(conds ...Condition) Condition {
	return func(s Snapshot) bool {
		for _, c := range conds {
			if c(s) {
				return true
			}
		}
		return false
	}
}

// Trigger fires Action once, the first time Condition holds.
type Trigger struct {
	ID string
	// Component selects the record to evaluate; empty means all components.
	Component string
	Condition Condition
	Action    domain.RecoveryAction

	triggered bool
}

// TriggerState reports a trigger and whether it has fired.
type TriggerState struct {
	ID        string                `json:"id"`
	Component string                `json:"component,omitempty"`
	Action    domain.RecoveryAction `json:"action"`
	Triggered bool                  `json:"triggered"`
}

// Triggers returns the state of every trigger.
func (m *Monitor) Triggers() []TriggerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TriggerState, len(m.triggers))
	for i, t := range m.triggers {
		out[i] = TriggerState{ID: t.ID, Component: t.Component, Action: t.Action, Triggered: t.triggered}
	}
	return out
}

// ResetTrigger re-arms a fired trigger.
func (m *Monitor) ResetTrigger(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.triggers {
		if t.ID == id {
			t.triggered = false
			return true
		}
	}
	return false
}

// evaluateTriggers marks every trigger whose condition holds as triggered and
// publishes its action. Publishing happens outside the lock.
func (m *Monitor) evaluateTriggers() {
	var fired []recovery.Signal

	m.mu.Lock()
	for _, t := range m.triggers {
		if t.triggered {
			continue
		}
		snap, ok := m.snapshotLocked(t.Component)
		if !ok || !t.Condition(snap) {
			continue
		}
		t.triggered = true
		fired = append(fired, recovery.Signal{
			Action:    t.Action,
			Component: t.Component,
			Source:    t.ID,
			Reason:    string(snap.Component.Status),
			At:        m.now(),
		})
	}
	m.mu.Unlock()

	for _, sig := range fired {
		m.logger.Warn("Recovery trigger fired",
			"trigger", sig.Source,
			"component", sig.Component,
			"action", sig.Action,
		)
		metrics.TriggersFired.WithLabelValues(sig.Source, string(sig.Action)).Inc()
		if m.publisher != nil {
			m.publisher.Publish(sig)
		}
	}
}

func (m *Monitor) snapshotLocked(component string) (Snapshot, bool) {
	snap := Snapshot{CriticalErrors: m.criticalErrors}
	if component != "" {
		h, ok := m.components[component]
		if !ok {
			return snap, false
		}
		snap.Component = *h
		return snap, true
	}

	agg := ComponentHealth{Status: m.overallLocked()}
	for _, h := range m.components {
		agg.ErrorCount += h.ErrorCount
		agg.ResponseTime = max(agg.ResponseTime, h.ResponseTime)
	}
	snap.Component = agg
	return snap, true
}
