// Package bodies builds the phase bodies a config file can name. Each kind
// drives one collaborator (resource loader, health probe, background worker,
// mount target, health monitor) and reports the outcome as a BodyResult.
package bodies

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/config"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/phase"
	"github.com/vietddude/bootwatch/internal/health"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/orchestrator"
	"github.com/vietddude/bootwatch/internal/platform"
	"github.com/vietddude/bootwatch/internal/resource"
)

// Body kinds.
const (
	KindFetch          = "fetch"
	KindHTTPCheck      = "http-check"
	KindGRPCHealth     = "grpc-health"
	KindWorkerRegister = "worker-register"
	KindMountCheck     = "mount-check"
	KindReady          = "ready"
)

var (
	// ErrUnknownKind is returned for a body kind Build does not know.
	ErrUnknownKind = errors.New("unknown body kind")

	// ErrMissingDependency is returned when a kind needs a collaborator the
	// builder was not given.
	ErrMissingDependency = errors.New("missing body dependency")

	// ErrNotMounted is reported when the mount target has nothing rendered.
	ErrNotMounted = errors.New("ui mount: target has no rendered content")

	// ErrUnhealthy is reported by probe and ready bodies.
	ErrUnhealthy = errors.New("unhealthy")
)

// Deps are the collaborators bodies run against. Only the ones a configured
// kind needs must be set.
type Deps struct {
	Loader  *resource.Loader
	Monitor *health.Monitor
	Worker  platform.WorkerHandle
	Mount   platform.MountTarget
	Flags   *flagstore.Safe
	Logger  *slog.Logger
}

// Builder turns body configs into orchestrator bodies. Close releases the
// connections the built bodies hold.
type Builder struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	closers []io.Closer
}

// NewBuilder creates a Builder.
func NewBuilder(deps Deps) *Builder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{deps: deps, logger: logger.With("component", "bodies")}
}

// Build returns the body for cfg and, for kinds with side effects, the
// rollback handler that undoes them. The handler is nil otherwise.
func (b *Builder) Build(cfg config.BodyConfig) (orchestrator.Body, phase.RollbackHandler, error) {
	switch cfg.Kind {
	case KindFetch:
		if b.deps.Loader == nil {
			return nil, nil, fmt.Errorf("%w: %s needs a resource loader", ErrMissingDependency, cfg.Kind)
		}
		return b.fetch(cfg), nil, nil
	case KindHTTPCheck:
		return probeBody(health.HTTPProbe{URL: cfg.URL, DegradedAbove: cfg.DegradedAbove}), nil, nil
	case KindGRPCHealth:
		p := health.NewGRPCProbe(cfg.Target, cfg.Service)
		b.track(p)
		return probeBody(p), nil, nil
	case KindWorkerRegister:
		if b.deps.Worker == nil || b.deps.Flags == nil {
			return nil, nil, fmt.Errorf("%w: %s needs a worker handle and flag store", ErrMissingDependency, cfg.Kind)
		}
		return b.registerWorker, b.workerRollback(), nil
	case KindMountCheck:
		if b.deps.Mount == nil {
			return nil, nil, fmt.Errorf("%w: %s needs a mount target", ErrMissingDependency, cfg.Kind)
		}
		return b.mountCheck, nil, nil
	case KindReady:
		if b.deps.Monitor == nil {
			return nil, nil, fmt.Errorf("%w: %s needs a health monitor", ErrMissingDependency, cfg.Kind)
		}
		return b.ready, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Strategy is a recovery strategy a body kind contributes for its phase.
type Strategy struct {
	Category domain.ErrorCategory
	Strategy phase.RecoveryStrategy
}

// Strategies returns the recovery strategies for cfg's kind. Both fetch
// strategies fire on the first attempt only, so they cannot loop.
func (b *Builder) Strategies(cfg config.BodyConfig) []Strategy {
	if cfg.Kind != KindFetch || b.deps.Loader == nil {
		return nil
	}
	firstAttempt := func(_ *classifier.StartupError, exec *phase.Execution) bool {
		return exec.Attempt == 1
	}
	return []Strategy{
		{
			Category: domain.CategoryCache,
			Strategy: phase.RecoveryStrategy{
				Name:    "clear-resource-cache",
				Action:  domain.StrategyRetry,
				Matches: firstAttempt,
				Run: func(ctx context.Context, _ *classifier.StartupError, _ *phase.Execution) phase.StrategyResult {
					if err := b.deps.Loader.ClearCache(ctx); err != nil {
						b.logger.Warn("Failed to clear resource cache", "error", err)
						return phase.StrategyResult{}
					}
					return phase.StrategyResult{Success: true, Retry: true}
				},
			},
		},
		{
			Category: domain.CategoryNetwork,
			Strategy: phase.RecoveryStrategy{
				Name:    "reprobe-network",
				Action:  domain.StrategyRetry,
				Matches: firstAttempt,
				Run: func(ctx context.Context, _ *classifier.StartupError, _ *phase.Execution) phase.StrategyResult {
					before := b.deps.Loader.Quality()
					after := b.deps.Loader.Refresh(ctx)
					if after == before || after == domain.NetworkOffline {
						return phase.StrategyResult{}
					}
					b.logger.Info("Network quality changed, retrying fetch", "from", before, "to", after)
					return phase.StrategyResult{Success: true, Retry: true}
				},
			},
		},
	}
}

// Close releases every connection opened by built bodies.
func (b *Builder) Close() error {
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns the number of connections held by built bodies.
func (b *Builder) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.closers)
}

func (b *Builder) track(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, c)
}

// fetch loads the configured resources with progressive degradation. The
// phase fails when fewer than resource.DegradationThreshold of the required
// resources load; any shortfall above that narrows the run to limited.
func (b *Builder) fetch(cfg config.BodyConfig) orchestrator.Body {
	all := append(requests(cfg.Resources, domain.PriorityCritical), requests(cfg.Optional, domain.PriorityLow)...)

	return func(ctx context.Context) orchestrator.BodyResult {
		out := b.deps.Loader.LoadWithProgressiveDegradation(ctx, all)

		var errs []error
		loaded := 0
		for _, r := range append(out.Critical, out.Optional...) {
			if r.OK() {
				loaded++
				continue
			}
			errs = append(errs, fmt.Errorf("resource %s: %w", r.ID, r.Err))
		}

		res := orchestrator.BodyResult{
			Success: !out.Degraded,
			Errors:  errs,
			Metadata: map[string]any{
				"success_ratio": out.SuccessRatio,
				"degraded":      out.Degraded,
				"loaded":        loaded,
				"quality":       string(b.deps.Loader.Quality()),
			},
		}
		if res.Success && len(errs) > 0 {
			res.Mode = domain.ModeLimited
		}
		return res
	}
}

func requests(rcs []config.ResourceConfig, defaultPriority domain.Priority) []resource.Request {
	out := make([]resource.Request, 0, len(rcs))
	for _, rc := range rcs {
		req := resource.Request{
			ID:          rc.ID,
			URL:         rc.URL,
			Priority:    domain.Priority(rc.Priority),
			Timeout:     rc.Timeout,
			FallbackURL: rc.FallbackURL,
			Cache:       rc.Cache,
		}
		if req.ID == "" {
			req.ID = rc.URL
		}
		if req.Priority == "" {
			req.Priority = defaultPriority
		}

		var validators []resource.Validator
		if len(rc.JSONFields) > 0 {
			validators = append(validators, resource.JSONHasFields(rc.JSONFields...))
		}
		if rc.MinBytes > 0 {
			validators = append(validators, resource.MinBytes(rc.MinBytes))
		}
		if len(validators) > 0 {
			req.Validator = resource.All(validators...)
		}
		out = append(out, req)
	}
	return out
}

// probeBody maps a probe result onto a body result. Degraded succeeds in
// limited mode.
func probeBody(p health.Probe) orchestrator.Body {
	return func(ctx context.Context) orchestrator.BodyResult {
		pr := p.Check(ctx)
		meta := map[string]any{
			"status":        string(pr.Status),
			"response_time": pr.ResponseTime.String(),
		}
		for k, v := range pr.Details {
			meta[k] = v
		}

		switch pr.Status {
		case domain.HealthHealthy:
			return orchestrator.BodyResult{Success: true, Metadata: meta}
		case domain.HealthDegraded:
			return orchestrator.BodyResult{Success: true, Mode: domain.ModeLimited, Metadata: meta}
		default:
			err := pr.Err
			if err == nil {
				err = fmt.Errorf("%w: %s", ErrUnhealthy, pr.Status)
			}
			return orchestrator.BodyResult{Errors: []error{err}, Metadata: meta}
		}
	}
}

// registerWorker reuses a stored registration when the worker reports it
// registered, otherwise registers and stores the new handle.
func (b *Builder) registerWorker(ctx context.Context) orchestrator.BodyResult {
	if h := b.deps.Flags.Value(ctx, flagstore.KeyWorkerHandle); h != "" {
		if st := b.deps.Worker.Status(ctx); st.Registered {
			return orchestrator.BodyResult{
				Success:  true,
				Metadata: map[string]any{"handle": h, "reused": true, "active": st.Active},
			}
		}
	}

	h, err := b.deps.Worker.Register(ctx)
	if err != nil {
		return orchestrator.BodyResult{Errors: []error{fmt.Errorf("worker registration failed: %w", err)}}
	}
	if err := b.deps.Flags.Set(ctx, flagstore.KeyWorkerHandle, string(h)); err != nil {
		b.logger.Warn("Failed to persist worker handle", "handle", h, "error", err)
	}

	st := b.deps.Worker.Status(ctx)
	res := orchestrator.BodyResult{
		Success:  true,
		Metadata: map[string]any{"handle": string(h), "reused": false, "active": st.Active},
	}
	if st.Updating {
		res.Mode = domain.ModeLimited
	}
	return res
}

func (b *Builder) workerRollback() phase.RollbackHandler {
	return phase.RollbackFuncs{
		CanRollbackFn: func(exec *phase.Execution) bool {
			reused, _ := exec.Metadata["reused"].(bool)
			return !reused
		},
		RollbackFn: func(ctx context.Context, exec *phase.Execution) error {
			h := b.deps.Flags.Value(ctx, flagstore.KeyWorkerHandle)
			if h == "" {
				return nil
			}
			if err := b.deps.Worker.Unregister(ctx, platform.Handle(h)); err != nil {
				return fmt.Errorf("unregister worker %s: %w", h, err)
			}
			b.deps.Flags.Disable(ctx, flagstore.KeyWorkerHandle)
			return nil
		},
	}
}

func (b *Builder) mountCheck(ctx context.Context) orchestrator.BodyResult {
	if !b.deps.Mount.HasRenderedContent(ctx) {
		return orchestrator.BodyResult{Errors: []error{ErrNotMounted}}
	}
	return orchestrator.BodyResult{Success: true}
}

// ready checks every monitored component. Unhealthy fails the phase and
// degraded narrows the run to limited.
func (b *Builder) ready(ctx context.Context) orchestrator.BodyResult {
	components := b.deps.Monitor.CheckAll(ctx)
	overall := b.deps.Monitor.Overall()

	meta := map[string]any{"overall": string(overall), "components": len(components)}
	switch overall {
	case domain.HealthUnhealthy:
		var errs []error
		for id, c := range components {
			if c.Status == domain.HealthUnhealthy {
				errs = append(errs, fmt.Errorf("%w: component %s: %s", ErrUnhealthy, id, c.LastError))
			}
		}
		return orchestrator.BodyResult{Errors: errs, Metadata: meta}
	case domain.HealthDegraded:
		return orchestrator.BodyResult{Success: true, Mode: domain.ModeLimited, Metadata: meta}
	default:
		return orchestrator.BodyResult{Success: true, Metadata: meta}
	}
}
