package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/metrics"
	"github.com/vietddude/bootwatch/internal/platform"
)

var (
	// ErrUnknownAction is returned for actions outside domain.RecoveryAction.
	ErrUnknownAction = errors.New("unknown recovery action")

	// ErrUnavailable is returned when the collaborator an action needs is not wired.
	ErrUnavailable = errors.New("recovery action unavailable")
)

// CacheClearer drops cached state.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

// ComponentRestarter re-initializes one monitored component.
type ComponentRestarter interface {
	RestartComponent(ctx context.Context, component string) error
}

// ErrorResetter forgets recorded errors.
type ErrorResetter interface {
	Clear()
}

// Deps are the collaborators a Remediator acts on. Any of them may be nil;
// actions needing a missing one fail with ErrUnavailable.
type Deps struct {
	Flags     *flagstore.Safe
	Worker    platform.WorkerHandle
	Caches    []CacheClearer
	Restarter ComponentRestarter
	Errors    ErrorResetter
	// Reload restarts the boot sequence from the beginning.
	Reload func(ctx context.Context) error
	Logger *slog.Logger
}

// Remediator executes recovery actions.
type Remediator struct {
	deps   Deps
	logger *slog.Logger
}

// NewRemediator creates a Remediator.
func NewRemediator(deps Deps) *Remediator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Flags == nil {
		deps.Flags = flagstore.NewSafe(nil, logger)
	}
	return &Remediator{deps: deps, logger: logger}
}

// Offered returns the actions a user may request.
func (r *Remediator) Offered() []domain.RecoveryAction {
	return append([]domain.RecoveryAction(nil), domain.UserRecoveryActions...)
}

// Handle executes a dispatched signal. It is meant to be subscribed to a Dispatcher.
func (r *Remediator) Handle(ctx context.Context, sig Signal) {
	if err := r.Execute(ctx, sig.Action, sig.Component); err != nil {
		r.logger.Error("Recovery action failed",
			"action", sig.Action,
			"component", sig.Component,
			"source", sig.Source,
			"error", err,
		)
	}
}

// Execute performs action. component is only used by restart-component.
func (r *Remediator) Execute(ctx context.Context, action domain.RecoveryAction, component string) error {
	var err error
	switch action {
	case domain.ActionClearCache:
		err = r.clearCaches(ctx)
	case domain.ActionReRegister:
		err = r.reRegister(ctx)
	case domain.ActionSafeMode:
		r.deps.Flags.Enable(ctx, flagstore.KeySafeMode)
	case domain.ActionEmergencyMode:
		r.deps.Flags.Enable(ctx, flagstore.KeyEmergencyMode)
	case domain.ActionFullReset:
		err = r.fullReset(ctx)
	case domain.ActionReloadPage:
		err = r.reload(ctx)
	case domain.ActionRestartComponent:
		err = r.restart(ctx, component)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecoveryActions.WithLabelValues(string(action), result).Inc()

	if err == nil {
		r.logger.Info("Recovery action executed", "action", action, "component", component)
	}
	return err
}

func (r *Remediator) clearCaches(ctx context.Context) error {
	var errs []error
	for _, c := range r.deps.Caches {
		if err := c.ClearCache(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Remediator) reRegister(ctx context.Context) error {
	if r.deps.Worker == nil {
		return fmt.Errorf("%w: no background worker", ErrUnavailable)
	}
	if err := r.unregisterWorker(ctx); err != nil {
		r.logger.Warn("Unregistering stale worker failed", "error", err)
	}

	h, err := r.deps.Worker.Register(ctx)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	_ = r.deps.Flags.Set(ctx, flagstore.KeyWorkerHandle, string(h))
	return nil
}

func (r *Remediator) unregisterWorker(ctx context.Context) error {
	h := r.deps.Flags.Value(ctx, flagstore.KeyWorkerHandle)
	if h == "" || r.deps.Worker == nil {
		return nil
	}
	if err := r.deps.Worker.Unregister(ctx, platform.Handle(h)); err != nil {
		return err
	}
	r.deps.Flags.Disable(ctx, flagstore.KeyWorkerHandle)
	return nil
}

// fullReset clears caches, drops the worker registration, removes every flag
// and forgets recorded errors. It keeps going past individual failures.
func (r *Remediator) fullReset(ctx context.Context) error {
	var errs []error
	if err := r.clearCaches(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.unregisterWorker(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to unregister worker: %w", err))
	}
	for _, key := range flagstore.AllKeys {
		r.deps.Flags.Disable(ctx, key)
	}
	if r.deps.Errors != nil {
		r.deps.Errors.Clear()
	}
	return errors.Join(errs...)
}

func (r *Remediator) reload(ctx context.Context) error {
	if r.deps.Reload == nil {
		return fmt.Errorf("%w: no reload hook", ErrUnavailable)
	}
	return r.deps.Reload(ctx)
}

func (r *Remediator) restart(ctx context.Context, component string) error {
	if r.deps.Restarter == nil {
		return fmt.Errorf("%w: no component restarter", ErrUnavailable)
	}
	if component == "" {
		return fmt.Errorf("%w: restart-component needs a component", ErrUnavailable)
	}
	return r.deps.Restarter.RestartComponent(ctx, component)
}
