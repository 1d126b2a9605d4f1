package phase

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/metrics"
)

var (
	// ErrNoRollbackHandler is returned when a phase has no rollback handler.
	ErrNoRollbackHandler = errors.New("no rollback handler registered")

	// ErrRollbackRefused is returned when CanRollback returns false.
	ErrRollbackRefused = errors.New("rollback refused by handler")

	// ErrRollbackFailed wraps errors from Rollback or Cleanup.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrNotOnStack is returned when the rollback target is not on the stack.
	ErrNotOnStack = errors.New("phase not on rollback stack")
)

// RollbackPhase undoes a single phase: the handler must exist and accept the
// execution, then Rollback and Cleanup run in that order. On success the phase
// is marked rolled_back and leaves the completed/failed sets and the stack.
func (m *Manager) RollbackPhase(ctx context.Context, id string) error {
	m.mu.RLock()
	exec := m.current[id]
	handler := m.rollbacks[id]
	var snapshot *Execution
	if exec != nil {
		snapshot = exec.clone()
	}
	m.mu.RUnlock()

	if snapshot == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, id)
	}
	if !CanTransition(snapshot.Status, domain.PhaseStatusRolledBack) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, snapshot.Status, domain.PhaseStatusRolledBack)
	}
	if handler == nil {
		metrics.Rollbacks.WithLabelValues(id, "missing").Inc()
		return fmt.Errorf("%w: %s", ErrNoRollbackHandler, id)
	}
	if !handler.CanRollback(snapshot) {
		metrics.Rollbacks.WithLabelValues(id, "refused").Inc()
		return fmt.Errorf("%w: %s", ErrRollbackRefused, id)
	}

	if err := handler.Rollback(ctx, snapshot); err != nil {
		metrics.Rollbacks.WithLabelValues(id, "failed").Inc()
		return fmt.Errorf("%w: %s: %w", ErrRollbackFailed, id, err)
	}
	if err := handler.Cleanup(ctx, snapshot); err != nil {
		metrics.Rollbacks.WithLabelValues(id, "failed").Inc()
		return fmt.Errorf("%w: %s cleanup: %w", ErrRollbackFailed, id, err)
	}

	if err := m.setStatus(id, domain.PhaseStatusRolledBack, "rolled back"); err != nil {
		return err
	}

	metrics.Rollbacks.WithLabelValues(id, "ok").Inc()
	m.logger.Info("Phase rolled back", "phase", id, "attempt", snapshot.Attempt)
	return nil
}

// RollbackToPhase unwinds every phase above target on the stack, most recent
// first. An empty target unwinds the whole stack. The first failure aborts the
// unwind; phases already rolled back stay rolled back and phases below the
// failing one are left untouched. It returns the ids rolled back.
func (m *Manager) RollbackToPhase(ctx context.Context, target string) ([]string, error) {
	stack := m.Stack()
	floor := -1
	if target != "" {
		floor = slices.Index(stack, target)
		if floor < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotOnStack, target)
		}
	}
	return m.unwind(ctx, stack, floor+1)
}

// RollbackThrough unwinds id and every phase above it, most recent first.
func (m *Manager) RollbackThrough(ctx context.Context, id string) ([]string, error) {
	stack := m.Stack()
	idx := slices.Index(stack, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotOnStack, id)
	}
	return m.unwind(ctx, stack, idx)
}

// unwind rolls back stack[from:] in reverse order.
func (m *Manager) unwind(ctx context.Context, stack []string, from int) ([]string, error) {
	var rolled []string
	for i := len(stack) - 1; i >= from; i-- {
		id := stack[i]
		if err := m.RollbackPhase(ctx, id); err != nil {
			m.logger.Error("Rollback aborted",
				"phase", id,
				"rolled_back", rolled,
				"remaining", stack[from:i+1],
				"error", err,
			)
			return rolled, fmt.Errorf("unwind aborted at %s: %w", id, err)
		}
		rolled = append(rolled, id)
	}
	return rolled, nil
}
