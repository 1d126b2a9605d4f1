package phase

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
)

// Definition is the immutable description of a phase.
type Definition struct {
	ID       string
	Critical bool
	Required []string
	Optional []string
	Blocking []string
	Timeout  time.Duration
	Retry    RetryPolicy
}

// Execution is one attempt at running a phase.
type Execution struct {
	ID        string
	PhaseID   string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Attempt   int
	Errors    []*classifier.StartupError
	Metadata  map[string]any
}

func (e *Execution) clone() *Execution {
	c := *e
	c.Errors = slices.Clone(e.Errors)
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// Result is what a finished phase body reports to CompletePhase.
type Result struct {
	Success  bool
	Errors   []*classifier.StartupError
	Metadata map[string]any
}

// Outcome tells the driver what happens next after CompletePhase.
type Outcome struct {
	Execution *Execution
	Status    Status

	// Retry asks the driver to restart the phase after RetryDelay.
	Retry      bool
	RetryDelay time.Duration

	// Recovered is set when a recovery strategy handled the failure.
	Recovered bool
	Action    domain.StrategyAction
	Strategy  string

	// Continue reports whether the boot sequence may proceed.
	Continue bool
}

// RollbackHandler undoes the effects of a phase during unwind.
type RollbackHandler interface {
	CanRollback(exec *Execution) bool
	Rollback(ctx context.Context, exec *Execution) error
	Cleanup(ctx context.Context, exec *Execution) error
}

// RollbackFuncs adapts plain functions to RollbackHandler. A nil CanRollbackFn
// allows every rollback; a nil CleanupFn is a no-op.
type RollbackFuncs struct {
	CanRollbackFn func(exec *Execution) bool
	RollbackFn    func(ctx context.Context, exec *Execution) error
	CleanupFn     func(ctx context.Context, exec *Execution) error
}

func (f RollbackFuncs) CanRollback(exec *Execution) bool {
	if f.CanRollbackFn == nil {
		return true
	}
	return f.CanRollbackFn(exec)
}

func (f RollbackFuncs) Rollback(ctx context.Context, exec *Execution) error {
	if f.RollbackFn == nil {
		return nil
	}
	return f.RollbackFn(ctx, exec)
}

func (f RollbackFuncs) Cleanup(ctx context.Context, exec *Execution) error {
	if f.CleanupFn == nil {
		return nil
	}
	return f.CleanupFn(ctx, exec)
}

// StrategyResult is returned by a recovery strategy.
type StrategyResult struct {
	Success bool
	// Status optionally replaces the failed status (e.g. skipped).
	Status Status
	// Continue reports whether the boot sequence may proceed.
	Continue bool
	// Retry asks for the phase to be restarted.
	Retry bool
}

// RecoveryStrategy handles failures of one category within one phase.
type RecoveryStrategy struct {
	Name    string
	Action  domain.StrategyAction
	Matches func(err *classifier.StartupError, exec *Execution) bool
	Run     func(ctx context.Context, err *classifier.StartupError, exec *Execution) StrategyResult
}
