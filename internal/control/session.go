// Package control wires one boot session: the flag store, run history,
// classifier, health monitor, recovery, resource loader and orchestrator all
// hang off a Session instead of package globals.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/vietddude/bootwatch/internal/bodies"
	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/config"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/worker"
	"github.com/vietddude/bootwatch/internal/health"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/infra/storage"
	"github.com/vietddude/bootwatch/internal/infra/storage/memory"
	"github.com/vietddude/bootwatch/internal/infra/storage/postgres"
	"github.com/vietddude/bootwatch/internal/orchestrator"
	"github.com/vietddude/bootwatch/internal/platform"
	"github.com/vietddude/bootwatch/internal/recovery"
	"github.com/vietddude/bootwatch/internal/resource"
)

// ErrNoHistory is returned by History when no run has been recorded.
var ErrNoHistory = errors.New("no run history")

// Session owns every long-lived collaborator of a boot session.
type Session struct {
	cfg *config.AppConfig
	log *slog.Logger

	flags      *flagstore.Safe
	flagCloser io.Closer
	db         *postgres.DB
	history    storage.RunRepository
	env        platform.Environment

	classifier *classifier.Classifier
	dispatcher *recovery.Dispatcher
	remediator *recovery.Remediator
	monitor    *health.Monitor
	loader     *resource.Loader
	bodies     *bodies.Builder
	steps      []orchestrator.Step
	server     *health.Server
	pruner     *worker.Pruner
	closers    []io.Closer

	bootMu sync.Mutex
	last   *orchestrator.Result
}

// NewSession opens the stores named in cfg and builds the session.
func NewSession(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{cfg: cfg, log: logger}

	// 1. Flag store
	store, closer, err := flagstore.Open(cfg.Flags)
	if err != nil {
		return nil, fmt.Errorf("failed to open flag store: %w", err)
	}
	s.flags = flagstore.NewSafe(store, logger.With("component", "flagstore"))
	s.flagCloser = closer
	logger.Info("Using flag store", "backend", cfg.Flags.Backend)

	// 2. Run history
	if err := s.openHistory(ctx); err != nil {
		s.closeStores()
		return nil, err
	}

	// 3. Host environment
	s.env = s.environment(ctx)

	// 4. Health and recovery
	s.dispatcher = recovery.NewDispatcher(0, logger.With("component", "dispatcher"))
	s.monitor = health.NewMonitor(health.Config{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
		Publisher:    s.dispatcher,
		Logger:       logger.With("component", "health"),
	})
	s.classifier = classifier.New(
		classifier.WithSink(s.monitor),
		classifier.WithPhaseNames(cfg.RolePhase(config.RoleAuth), cfg.RolePhase(config.RoleUIMount)),
		classifier.WithLogger(logger.With("component", "classifier")),
	)
	s.classifier.OnEscalation(func(e classifier.StartupError) {
		logger.Warn("Error escalated", "key", e.Key, "category", e.Category, "frequency", e.Frequency)
	})

	// 5. Resource loader
	var prober *resource.Prober
	if cfg.Network.ProbeURL != "" {
		prober = resource.NewProber(cfg.Network.ProbeURL, cfg.Network.ProbePerMinute)
	}
	s.loader = resource.NewLoader(resource.Config{
		BatchTimeout: cfg.Network.BatchTimeout,
		Prober:       prober,
		Env:          s.env,
		Logger:       logger.With("component", "loader"),
	})
	s.loader.OnConnectivity(func(ev resource.ConnectivityEvent) {
		logger.Info("Connectivity changed", "event", ev.Type, "from", ev.Previous, "to", ev.Current)
	})

	// 6. Platform collaborators
	var workerHandle platform.WorkerHandle
	if cfg.Platform.WorkerURL != "" {
		workerHandle = platform.NewHTTPWorker(cfg.Platform.WorkerURL)
	}
	var mount platform.MountTarget
	if cfg.Platform.MountURL != "" {
		mount = platform.NewHTTPMountTarget(cfg.Platform.MountURL, cfg.Platform.MountMarker)
	}

	s.remediator = recovery.NewRemediator(recovery.Deps{
		Flags:     s.flags,
		Worker:    workerHandle,
		Caches:    []recovery.CacheClearer{s.loader},
		Restarter: s.monitor,
		Errors:    s.classifier,
		Reload: func(ctx context.Context) error {
			_, err := s.Boot(ctx)
			return err
		},
		Logger: logger.With("component", "recovery"),
	})
	s.dispatcher.Subscribe(s.remediator.Handle)

	if err := s.registerComponents(); err != nil {
		s.closeStores()
		return nil, err
	}

	s.bodies = bodies.NewBuilder(bodies.Deps{
		Loader:  s.loader,
		Monitor: s.monitor,
		Worker:  workerHandle,
		Mount:   mount,
		Flags:   s.flags,
		Logger:  logger,
	})

	// Bodies hold connections, so the steps are built once per session.
	steps, err := s.buildSteps()
	if err != nil {
		_ = s.bodies.Close()
		s.closeStores()
		return nil, err
	}
	s.steps = steps

	if cfg.Server.Port >= 0 {
		s.server = health.NewServer(s.monitor, s.remediator, cfg.Server.Port, logger.With("component", "server"))
	}
	s.pruner = worker.NewPruner(cfg.History, s.history, logger)

	return s, nil
}

func (s *Session) openHistory(ctx context.Context) error {
	if s.cfg.History.Backend != "postgres" {
		s.history = memory.NewRunRepo()
		s.log.Info("Using Memory run history")
		return nil
	}

	db, err := postgres.NewDB(ctx, s.cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	s.db = db
	s.history = postgres.NewRunRepo(db.DB)
	s.log.Info("Using PostgreSQL run history")
	return nil
}

// environment derives first launch from the launched flag, which the
// orchestrator sets after the first run.
func (s *Session) environment(ctx context.Context) platform.Environment {
	env := platform.Static{
		ContainerHost: s.cfg.Platform.ContainerHost,
		FirstLaunch:   !s.flags.IsSet(ctx, flagstore.KeyLaunched),
	}
	if c := s.cfg.Platform.Connection; c != nil {
		env.Hint = &platform.ConnectionHint{Type: c.Type, DownlinkMbps: c.DownlinkMbps}
	}
	return env
}

func (s *Session) registerComponents() error {
	for _, c := range s.cfg.Health.Components {
		switch c.Kind {
		case "http":
			s.monitor.Register(c.ID, health.HTTPProbe{URL: c.URL, DegradedAbove: c.DegradedAbove})
		case "grpc":
			p := health.NewGRPCProbe(c.Target, c.Service)
			s.closers = append(s.closers, p)
			s.monitor.Register(c.ID, p)
		case "memory":
			s.monitor.Register(c.ID, health.NewMemoryProbe(c.DegradedPercent, c.UnhealthyPercent))
		case "flags":
			s.monitor.Register(c.ID, health.PingProbe(s.flags))
		case "history":
			s.monitor.Register(c.ID, health.PingProbe(s.history))
		default:
			return fmt.Errorf("unknown health component kind %q", c.Kind)
		}
	}

	for _, t := range s.cfg.Health.Triggers {
		err := s.monitor.AddTrigger(health.Trigger{
			ID:        t.ID,
			Component: t.Component,
			Condition: condition(t.When),
			Action:    domain.RecoveryAction(t.Action),
		})
		if err != nil {
			return fmt.Errorf("failed to add trigger %s: %w", t.ID, err)
		}
	}
	return nil
}

func condition(c config.ConditionConfig) health.Condition {
	var conds []health.Condition
	if len(c.Status) > 0 {
		statuses := make([]domain.HealthStatus, len(c.Status))
		for i, st := range c.Status {
			statuses[i] = domain.HealthStatus(st)
		}
		conds = append(conds, health.StatusIs(statuses...))
	}
	if c.ErrorCountAtLeast > 0 {
		conds = append(conds, health.ErrorCountAtLeast(c.ErrorCountAtLeast))
	}
	if c.CriticalErrorsAtLeast > 0 {
		conds = append(conds, health.CriticalErrorsAtLeast(c.CriticalErrorsAtLeast))
	}
	if c.ResponseTimeAbove > 0 {
		conds = append(conds, health.ResponseTimeAbove(c.ResponseTimeAbove))
	}
	if c.Any {
		return health.Any(conds...)
	}
	return health.All(conds...)
}

// Plan returns the configured steps in execution order.
func (s *Session) Plan() []orchestrator.Step {
	return slices.Clone(s.steps)
}

func (s *Session) buildSteps() ([]orchestrator.Step, error) {
	steps := make([]orchestrator.Step, 0, len(s.cfg.Phases))
	for _, p := range s.cfg.Phases {
		def, err := p.Definition()
		if err != nil {
			return nil, err
		}
		fallback, err := orchestrator.ParseFallback(p.Fallback)
		if err != nil {
			return nil, fmt.Errorf("phase %s: %w", p.ID, err)
		}
		body, rollback, err := s.bodies.Build(p.Body)
		if err != nil {
			return nil, fmt.Errorf("phase %s: %w", p.ID, err)
		}
		steps = append(steps, orchestrator.Step{
			Definition: def,
			Body:       body,
			Fallback:   fallback,
			Rollback:   rollback,
		})
	}
	return orchestrator.Order(steps)
}

// Boot runs the configured phases once. Boots never overlap; a reload
// requested during a boot waits for it to finish.
func (s *Session) Boot(ctx context.Context) (*orchestrator.Result, error) {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()

	orch, err := orchestrator.New(s.Plan(), orchestrator.Deps{
		Classifier: s.classifier,
		Flags:      s.flags,
		Env:        s.env,
		History:    s.history,
		Logger:     s.log.With("component", "orchestrator"),
	}, orchestrator.Options{
		ContainerTimeoutMultiplier:   s.cfg.Platform.ContainerTimeoutMultiplier,
		FirstLaunchTimeoutMultiplier: s.cfg.Platform.FirstLaunchTimeoutMultiplier,
	})
	if err != nil {
		return nil, err
	}

	for _, p := range s.cfg.Phases {
		for _, st := range s.bodies.Strategies(p.Body) {
			orch.Manager().RegisterStrategy(p.ID, st.Category, st.Strategy)
		}
	}
	orch.OnModeChange(func(from, to domain.Mode) {
		s.log.Warn("Run mode narrowed", "from", from, "to", to)
	})

	res, err := orch.Run(ctx)
	if res != nil {
		s.last = res
		// Later boots derive first launch from the launched flag again.
		s.env = s.environment(ctx)
	}
	return res, err
}

// Last returns the result of the most recent boot, or nil.
func (s *Session) Last() *orchestrator.Result {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()
	return s.last
}

// Start runs the background workers until ctx is done: recovery dispatch,
// health checks, network quality watch, history pruning and the HTTP server.
func (s *Session) Start(ctx context.Context) {
	go s.dispatcher.Run(ctx)
	go s.monitor.Start(ctx)
	go s.loader.Watch(ctx, s.cfg.Network.WatchInterval)

	go func() {
		if err := s.pruner.Start(ctx); err != nil {
			s.log.Error("Pruner failed", "error", err)
		}
	}()

	if s.server != nil {
		go func() {
			if err := s.server.Start(); err != nil {
				s.log.Error("Health server failed", "error", err)
			}
		}()
	}

	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
}

// Stop shuts the server down, delivers queued recovery signals and closes
// every store.
func (s *Session) Stop(ctx context.Context) error {
	s.log.Info("Stopping session...")

	var errs []error
	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop health server: %w", err))
		}
	}
	s.dispatcher.Drain(ctx)

	s.log.Debug("Closing body connections", "count", s.bodies.Open())
	if err := s.bodies.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) closeStores() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
		s.db = nil
	}
	if s.flagCloser != nil {
		if err := s.flagCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close flag store: %w", err))
		}
		s.flagCloser = nil
	}
	return errors.Join(errs...)
}

// Execute runs a recovery action by hand.
func (s *Session) Execute(ctx context.Context, action domain.RecoveryAction, component string) error {
	return s.remediator.Execute(ctx, action, component)
}

// Offered lists the recovery actions a user may request.
func (s *Session) Offered() []domain.RecoveryAction {
	return s.remediator.Offered()
}

// History returns up to limit recorded runs, newest first.
func (s *Session) History(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	runs, err := s.history.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoHistory
	}
	return runs, nil
}

// Health returns the latest component records.
func (s *Session) Health() map[string]health.ComponentHealth {
	return s.monitor.Components()
}

// Flags exposes the session flag store.
func (s *Session) Flags() *flagstore.Safe {
	return s.flags
}

// Errors returns every error recorded this session.
func (s *Session) Errors() []classifier.StartupError {
	return s.classifier.Snapshot()
}
