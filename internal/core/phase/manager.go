// Package phase owns the lifecycle of startup phases.
//
// A phase moves through a small state machine:
//
//	pending -> running -> completed | failed | skipped | rolled_back
//
// with two post-terminal moves: failed -> skipped (a fallback gave up on the
// phase) and completed -> rolled_back (an unwind undid it).
//
// The Manager enforces the start invariant (every required phase completed,
// no blocking phase running), keeps a LIFO rollback stack of started phases,
// dispatches failures to recovery strategies registered per (phase, category)
// in registration order, and falls back to the phase's retry policy when no
// strategy resolves a failure.
package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/metrics"
)

var (
	// ErrUnknownPhase is returned for a phase id that was never registered.
	ErrUnknownPhase = errors.New("unknown phase")

	// ErrDependenciesUnmet is returned when a required phase has not completed.
	ErrDependenciesUnmet = errors.New("dependencies not met")

	// ErrBlocked is returned when a blocking phase is still running.
	ErrBlocked = errors.New("blocked by running phase")

	// ErrAlreadyRunning is returned when starting a phase that is running.
	ErrAlreadyRunning = errors.New("phase already running")

	// ErrAlreadyCompleted is returned when starting a phase that completed.
	ErrAlreadyCompleted = errors.New("phase already completed")

	// ErrNotRunning is returned when completing a phase that is not running.
	ErrNotRunning = errors.New("phase not running")

	// ErrDuplicatePhase is returned when registering the same id twice.
	ErrDuplicatePhase = errors.New("duplicate phase")
)

type strategyKey struct {
	phase    string
	category domain.ErrorCategory
}

// Manager tracks executions, the rollback stack and per-phase metrics.
type Manager struct {
	mu sync.RWMutex

	defs       map[string]Definition
	current    map[string]*Execution
	history    map[string][]*Execution
	attempts   map[string]int
	completed  map[string]bool
	failed     map[string]bool
	stack      []string
	rollbacks  map[string]RollbackHandler
	strategies map[strategyKey][]RecoveryStrategy
	metrics    map[string]*Metrics

	onTransition func(phaseID string, t Transition)
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		defs:       make(map[string]Definition),
		current:    make(map[string]*Execution),
		history:    make(map[string][]*Execution),
		attempts:   make(map[string]int),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		rollbacks:  make(map[string]RollbackHandler),
		strategies: make(map[strategyKey][]RecoveryStrategy),
		metrics:    make(map[string]*Metrics),
		logger:     logger,
		now:        time.Now,
	}
}

// Register adds a phase definition.
func (m *Manager) Register(def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePhase, def.ID)
	}
	m.defs[def.ID] = def
	m.metrics[def.ID] = &Metrics{}
	return nil
}

// RegisterRollback sets the rollback handler for a phase.
func (m *Manager) RegisterRollback(phaseID string, h RollbackHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks[phaseID] = h
}

// RegisterStrategy appends a recovery strategy for failures of category within
// phaseID. Strategies are consulted in registration order.
func (m *Manager) RegisterStrategy(phaseID string, category domain.ErrorCategory, s RecoveryStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strategyKey{phase: phaseID, category: category}
	m.strategies[key] = append(m.strategies[key], s)
}

// SetTransitionCallback registers fn for every status change.
func (m *Manager) SetTransitionCallback(fn func(phaseID string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Definition returns the registered definition for id.
func (m *Manager) Definition(id string) (Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[id]
	return def, ok
}

// StartPhase creates a running execution for id. It fails fast without any
// state change if the phase is unknown, already running or completed, a
// required phase is not completed, or a blocking phase is running.
func (m *Manager) StartPhase(id string) (*Execution, error) {
	m.mu.Lock()

	def, ok := m.defs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, id)
	}

	switch m.statusLocked(id) {
	case domain.PhaseStatusRunning:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	case domain.PhaseStatusCompleted:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}

	for _, dep := range def.Required {
		if m.statusLocked(dep) != domain.PhaseStatusCompleted {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s requires %s", ErrDependenciesUnmet, id, dep)
		}
	}
	for _, b := range def.Blocking {
		if m.statusLocked(b) == domain.PhaseStatusRunning {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is blocked by %s", ErrBlocked, id, b)
		}
	}

	m.attempts[id]++
	exec := &Execution{
		ID:        uuid.NewString(),
		PhaseID:   id,
		Status:    domain.PhaseStatusPending,
		StartedAt: m.now(),
		Attempt:   m.attempts[id],
		Metadata:  make(map[string]any),
	}
	t, _ := m.setStatusLocked(exec, domain.PhaseStatusRunning, "started")

	m.current[id] = exec
	m.history[id] = append(m.history[id], exec)
	delete(m.failed, id)
	m.stack = append(m.stack, id)
	snapshot := exec.clone()
	cb := m.onTransition
	m.mu.Unlock()

	metrics.PhaseAttempts.WithLabelValues(id).Inc()
	m.emit(cb, id, t)
	m.logger.Debug("Phase started", "phase", id, "attempt", snapshot.Attempt)
	return snapshot, nil
}

// CompletePhase finishes the running execution of id.
//
// On success the phase is marked completed. On failure each error is offered
// to the strategies registered for (id, category), invoking the first whose
// predicate matches; a successful strategy decides the outcome. If none
// succeeds the retry policy decides whether the driver should restart the
// phase. Otherwise the failure is terminal and Outcome.Continue is false.
func (m *Manager) CompletePhase(ctx context.Context, id string, res Result) (Outcome, error) {
	m.mu.Lock()
	exec := m.current[id]
	if exec == nil || exec.Status != domain.PhaseStatusRunning {
		m.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	exec.EndedAt = m.now()
	exec.Duration = exec.EndedAt.Sub(exec.StartedAt)
	exec.Errors = append(exec.Errors, res.Errors...)
	maps.Copy(exec.Metadata, res.Metadata)

	var t Transition
	if res.Success {
		t, _ = m.setStatusLocked(exec, domain.PhaseStatusCompleted, "completed")
		m.completed[id] = true
	} else {
		t, _ = m.setStatusLocked(exec, domain.PhaseStatusFailed, "failed")
		m.failed[id] = true
		m.removeFromStackLocked(id)
	}
	m.metrics[id].Record(res.Success, exec.Duration)

	def := m.defs[id]
	snapshot := exec.clone()
	consecutive := m.consecutiveFailuresLocked(id)
	cb := m.onTransition
	m.mu.Unlock()

	m.emit(cb, id, t)
	metrics.PhaseDuration.WithLabelValues(id, string(snapshot.Status)).Observe(snapshot.Duration.Seconds())

	if res.Success {
		metrics.PhaseOutcomes.WithLabelValues(id, string(domain.PhaseStatusCompleted)).Inc()
		return Outcome{Execution: snapshot, Status: domain.PhaseStatusCompleted, Continue: true}, nil
	}

	if out, ok := m.applyStrategies(ctx, id, def, snapshot, res.Errors); ok {
		return out, nil
	}

	if def.Retry.ShouldRetry(snapshot.Attempt, res.Errors, consecutive) {
		delay := def.Retry.Delay(snapshot.Attempt)
		m.logger.Info("Phase failed, retrying",
			"phase", id,
			"attempt", snapshot.Attempt,
			"max_retries", def.Retry.MaxRetries,
			"delay", delay,
		)
		return Outcome{
			Execution:  snapshot,
			Status:     domain.PhaseStatusFailed,
			Retry:      true,
			RetryDelay: delay,
			Continue:   true,
		}, nil
	}

	metrics.PhaseOutcomes.WithLabelValues(id, string(domain.PhaseStatusFailed)).Inc()
	m.logger.Warn("Phase failed", "phase", id, "attempt", snapshot.Attempt, "errors", len(res.Errors))
	return Outcome{Execution: snapshot, Status: domain.PhaseStatusFailed}, nil
}

func (m *Manager) applyStrategies(
	ctx context.Context,
	id string,
	def Definition,
	exec *Execution,
	errs []*classifier.StartupError,
) (Outcome, bool) {
	for _, se := range errs {
		m.mu.RLock()
		candidates := slices.Clone(m.strategies[strategyKey{phase: id, category: se.Category}])
		m.mu.RUnlock()

		for _, s := range candidates {
			if s.Matches != nil && !s.Matches(se, exec) {
				continue
			}

			r := s.Run(ctx, se, exec)
			if !r.Success {
				m.logger.Debug("Recovery strategy did not resolve failure",
					"phase", id,
					"strategy", s.Name,
					"category", se.Category,
				)
				break
			}
			// a strategy may force one restart but never exceeds the retry budget
			if r.Retry && exec.Attempt >= max(def.Retry.MaxRetries, 1) {
				m.logger.Warn("Recovery strategy retry denied",
					"phase", id,
					"strategy", s.Name,
					"attempt", exec.Attempt,
					"max_retries", def.Retry.MaxRetries,
				)
				break
			}

			out := Outcome{
				Execution: exec,
				Status:    domain.PhaseStatusFailed,
				Recovered: true,
				Action:    s.Action,
				Strategy:  s.Name,
				Continue:  r.Continue,
			}
			if r.Retry {
				out.Retry = true
				out.RetryDelay = def.Retry.Delay(exec.Attempt)
				out.Continue = true
			} else if r.Status != "" && r.Status != domain.PhaseStatusFailed {
				if err := m.setStatus(id, r.Status, "recovery strategy "+s.Name); err != nil {
					m.logger.Warn("Recovery strategy requested invalid status",
						"phase", id,
						"strategy", s.Name,
						"status", r.Status,
						"error", err,
					)
				} else {
					out.Status = r.Status
				}
			}

			m.logger.Info("Recovery strategy resolved failure",
				"phase", id,
				"strategy", s.Name,
				"action", s.Action,
				"continue", out.Continue,
			)
			metrics.PhaseOutcomes.WithLabelValues(id, string(out.Status)).Inc()
			return out, true
		}
	}
	return Outcome{}, false
}

// SkipPhase marks id skipped. A failed phase moves failed -> skipped; a phase
// that never started gets a skipped execution of its own.
func (m *Manager) SkipPhase(id, reason string) error {
	m.mu.Lock()
	if _, ok := m.defs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPhase, id)
	}

	exec := m.current[id]
	if exec == nil || (exec.Status.IsTerminal() && exec.Status != domain.PhaseStatusFailed) {
		exec = m.newExecutionLocked(id)
	}
	t, err := m.setStatusLocked(exec, domain.PhaseStatusSkipped, reason)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	exec.Metadata["reason"] = reason
	if exec.EndedAt.IsZero() {
		exec.EndedAt = m.now()
	}
	delete(m.failed, id)
	m.removeFromStackLocked(id)
	cb := m.onTransition
	m.mu.Unlock()

	metrics.PhaseOutcomes.WithLabelValues(id, string(domain.PhaseStatusSkipped)).Inc()
	m.emit(cb, id, t)
	return nil
}

// FailWithoutExecution records id as failed without ever running it, used when
// a phase is refused at start.
func (m *Manager) FailWithoutExecution(id, reason string) error {
	m.mu.Lock()
	if _, ok := m.defs[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPhase, id)
	}
	if cur := m.current[id]; cur != nil && cur.Status == domain.PhaseStatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	exec := m.newExecutionLocked(id)
	t, err := m.setStatusLocked(exec, domain.PhaseStatusFailed, reason)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	exec.Metadata["reason"] = reason
	exec.EndedAt = m.now()
	m.failed[id] = true
	cb := m.onTransition
	m.mu.Unlock()

	metrics.PhaseOutcomes.WithLabelValues(id, string(domain.PhaseStatusFailed)).Inc()
	m.emit(cb, id, t)
	return nil
}

// Status returns the status of the latest execution of id, or pending.
func (m *Manager) Status(id string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked(id)
}

// Execution returns a snapshot of the latest execution of id.
func (m *Manager) Execution(id string) (*Execution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.current[id]
	if !ok {
		return nil, false
	}
	return exec.clone(), true
}

// History returns snapshots of every execution of id in start order.
func (m *Manager) History(id string) []*Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Execution, 0, len(m.history[id]))
	for _, e := range m.history[id] {
		out = append(out, e.clone())
	}
	return out
}

// Completed returns the ids of completed phases, sorted.
func (m *Manager) Completed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.completed))
}

// Failed returns the ids of failed phases, sorted.
func (m *Manager) Failed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.failed))
}

// Stack returns a copy of the rollback stack, bottom first.
func (m *Manager) Stack() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.stack)
}

// Metrics returns a copy of the metrics for id.
func (m *Manager) Metrics(id string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pm, ok := m.metrics[id]; ok {
		return *pm
	}
	return Metrics{}
}

func (m *Manager) statusLocked(id string) Status {
	if exec, ok := m.current[id]; ok {
		return exec.Status
	}
	return domain.PhaseStatusPending
}

func (m *Manager) newExecutionLocked(id string) *Execution {
	exec := &Execution{
		ID:        uuid.NewString(),
		PhaseID:   id,
		Status:    domain.PhaseStatusPending,
		StartedAt: m.now(),
		Attempt:   m.attempts[id],
		Metadata:  make(map[string]any),
	}
	m.current[id] = exec
	m.history[id] = append(m.history[id], exec)
	return exec
}

func (m *Manager) setStatus(id string, to Status, reason string) error {
	m.mu.Lock()
	exec := m.current[id]
	if exec == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPhase, id)
	}
	t, err := m.setStatusLocked(exec, to, reason)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch to {
	case domain.PhaseStatusSkipped, domain.PhaseStatusRolledBack:
		delete(m.failed, id)
		delete(m.completed, id)
		m.removeFromStackLocked(id)
	case domain.PhaseStatusCompleted:
		delete(m.failed, id)
		m.completed[id] = true
	}
	cb := m.onTransition
	m.mu.Unlock()

	m.emit(cb, id, t)
	return nil
}

func (m *Manager) setStatusLocked(exec *Execution, to Status, reason string) (Transition, error) {
	if !CanTransition(exec.Status, to) {
		return Transition{}, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, exec.PhaseID, exec.Status, to)
	}
	t := NewTransition(exec.Status, to, exec.Attempt, reason)
	t.Timestamp = m.now()
	exec.Status = to
	return t, nil
}

func (m *Manager) removeFromStackLocked(id string) {
	m.stack = slices.DeleteFunc(m.stack, func(s string) bool { return s == id })
}

// consecutiveFailuresLocked counts trailing failed executions of id.
func (m *Manager) consecutiveFailuresLocked(id string) int {
	n := 0
	hist := m.history[id]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Status != domain.PhaseStatusFailed {
			break
		}
		n++
	}
	return n
}

func (m *Manager) emit(cb func(string, Transition), id string, t Transition) {
	if cb == nil || t.To == "" {
		return
	}
	cb(id, t)
}
