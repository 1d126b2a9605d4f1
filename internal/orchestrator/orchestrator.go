// Package orchestrator drives a boot sequence through the phase manager.
//
// Phases run strictly one at a time in dependency order. Each body runs under
// its own timeout; its errors go through the classifier, then the manager's
// recovery strategies and retry policy, and only then the step's fallback
// strategy. The run mode starts at full and only narrows.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/phase"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/infra/storage"
	"github.com/vietddude/bootwatch/internal/metrics"
	"github.com/vietddude/bootwatch/internal/platform"
)

const defaultPhaseTimeout = 30 * time.Second

var (
	// ErrPhaseTimeout is reported when a body outlives its timeout.
	ErrPhaseTimeout = errors.New("phase timed out")

	// ErrPhasePanic is reported when a body panics.
	ErrPhasePanic = errors.New("phase panic")

	// ErrPhaseFailed is reported when a body fails without giving a reason.
	ErrPhaseFailed = errors.New("phase reported failure")

	// ErrAlreadyRan is returned by a second call to Run.
	ErrAlreadyRan = errors.New("orchestrator already ran")
)

// Options tune timeouts.
type Options struct {
	// DefaultTimeout applies to phases without a timeout.
	DefaultTimeout time.Duration
	// ContainerTimeoutMultiplier scales timeouts on container hosts.
	ContainerTimeoutMultiplier float64
	// FirstLaunchTimeoutMultiplier scales timeouts on the first launch.
	FirstLaunchTimeoutMultiplier float64
}

// Deps are the collaborators of a run. Only Classifier is required.
type Deps struct {
	Classifier *classifier.Classifier
	Flags      *flagstore.Safe
	Env        platform.Environment
	History    storage.RunRepository
	Logger     *slog.Logger
}

// PhaseEvent reports a phase status change.
type PhaseEvent struct {
	RunID   string
	Phase   string
	From    domain.PhaseStatus
	To      domain.PhaseStatus
	Attempt int
	Reason  string
	At      time.Time
}

// Orchestrator runs one boot sequence. Create a new one per run.
type Orchestrator struct {
	steps      []Step
	manager    *phase.Manager
	classifier *classifier.Classifier
	flags      *flagstore.Safe
	env        platform.Environment
	history    storage.RunRepository
	opts       Options
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	ran     bool
	runID   string
	mode    domain.Mode
	onPhase []func(PhaseEvent)
	onMode  []func(from, to domain.Mode)
}

// New orders steps and registers them with a fresh phase manager.
func New(steps []Step, deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Classifier == nil {
		return nil, errors.New("orchestrator: classifier is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Flags == nil {
		deps.Flags = flagstore.NewSafe(nil, deps.Logger)
	}
	if deps.Env == nil {
		deps.Env = platform.Static{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultPhaseTimeout
	}

	ordered, err := Order(steps)
	if err != nil {
		return nil, err
	}

	manager := phase.NewManager(deps.Logger)
	for _, s := range ordered {
		if s.Body == nil {
			return nil, fmt.Errorf("phase %s has no body", s.ID())
		}
		if err := manager.Register(s.Definition); err != nil {
			return nil, err
		}
		if s.Rollback != nil {
			manager.RegisterRollback(s.ID(), s.Rollback)
		}
	}

	o := &Orchestrator{
		steps:      ordered,
		manager:    manager,
		classifier: deps.Classifier,
		flags:      deps.Flags,
		env:        deps.Env,
		history:    deps.History,
		opts:       opts,
		logger:     deps.Logger,
		sleep:      sleepCtx,
		mode:       domain.ModeFull,
	}
	manager.SetTransitionCallback(o.onTransition)
	return o, nil
}

// Manager exposes the phase manager, e.g. to register recovery strategies.
func (o *Orchestrator) Manager() *phase.Manager {
	return o.manager
}

// Plan returns the phase ids in execution order.
func (o *Orchestrator) Plan() []string {
	ids := make([]string, len(o.steps))
	for i, s := range o.steps {
		ids[i] = s.ID()
	}
	return ids
}

// OnPhase registers fn for every phase status change.
func (o *Orchestrator) OnPhase(fn func(PhaseEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPhase = append(o.onPhase, fn)
}

// OnModeChange registers fn for every narrowing of the run mode.
func (o *Orchestrator) OnModeChange(fn func(from, to domain.Mode)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onMode = append(o.onMode, fn)
}

// Mode returns the current run mode.
func (o *Orchestrator) Mode() domain.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Run executes the sequence once. The returned error is non-nil only when the
// orchestrator already ran or ctx ended the run early; the Result is always
// filled in the latter case.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	o.ran = true
	o.runID = uuid.NewString()
	o.mu.Unlock()

	res := &Result{
		RunID:     o.runID,
		StartedAt: time.Now(),
		Timings:   make(map[string]time.Duration),
	}

	safeMode := o.flags.IsSet(ctx, flagstore.KeySafeMode)
	emergency := o.flags.IsSet(ctx, flagstore.KeyEmergencyMode)
	o.logger.Info("Boot sequence started",
		"run_id", o.runID,
		"phases", len(o.steps),
		"safe_mode", safeMode,
		"emergency", emergency,
	)
	if safeMode {
		o.narrow(domain.ModeLimited, "safe mode")
	}
	// a run after an emergency starts limited; a successful one clears the flag
	if emergency {
		o.narrow(domain.ModeLimited, "previous run needed emergency recovery")
	}

	var runErr error
	for i, step := range o.steps {
		id := step.ID()

		if err := ctx.Err(); err != nil {
			runErr = err
			res.Aborted = true
			res.NotRun = append(res.NotRun, o.Plan()[i:]...)
			break
		}

		if safeMode && !step.Definition.Critical {
			_ = o.manager.SkipPhase(id, "safe mode")
			res.Skipped = append(res.Skipped, id)
			continue
		}

		abort := o.runStep(ctx, step, res)
		if abort {
			res.Aborted = true
			res.NotRun = append(res.NotRun, o.Plan()[i+1:]...)
			break
		}
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	o.finish(ctx, res)
	return res, runErr
}

// runStep drives one phase to its final outcome. It reports whether the rest
// of the sequence must be aborted.
func (o *Orchestrator) runStep(ctx context.Context, step Step, res *Result) bool {
	id := step.ID()
	timeout := o.timeout(step.Definition)

	for {
		exec, err := o.manager.StartPhase(id)
		if err != nil {
			o.logger.Warn("Phase refused", "phase", id, "reason", err)
			_ = o.manager.FailWithoutExecution(id, err.Error())
			res.Errors = append(res.Errors, o.classifier.Observe(err.Error(), err, classifier.Context{Phase: id}))
			// refusal never runs the body, so the step fallback does not apply
			res.Failed = append(res.Failed, id)
			o.narrow(domain.ModeLimited, "phase "+id+" refused")
			return false
		}

		body := o.execute(ctx, step, exec, timeout)
		if body.Mode != "" {
			o.narrow(body.Mode, "phase "+id+" reported "+string(body.Mode))
		}

		errs := o.classify(id, body)
		res.Errors = append(res.Errors, errs...)

		out, err := o.manager.CompletePhase(ctx, id, phase.Result{
			Success:  body.Success,
			Errors:   errs,
			Metadata: body.Metadata,
		})
		if err != nil {
			o.logger.Error("Completing phase failed", "phase", id, "error", err)
			return o.fallback(ctx, step, res)
		}

		if out.Retry {
			delay := max(out.RetryDelay, retryAfter(body.Errors))
			if err := o.sleep(ctx, delay); err != nil {
				o.logger.Warn("Retry wait cancelled", "phase", id, "error", err)
				return o.fallback(ctx, step, res)
			}
			continue
		}

		switch {
		case out.Status == domain.PhaseStatusCompleted:
			res.Completed = append(res.Completed, id)
			return false
		case out.Recovered && out.Continue:
			o.narrow(domain.ModeLimited, fmt.Sprintf("phase %s recovered by %s", id, out.Strategy))
			res.Failed = append(res.Failed, id)
			if out.Status == domain.PhaseStatusSkipped {
				res.Skipped = append(res.Skipped, id)
			}
			return false
		default:
			return o.fallback(ctx, step, res)
		}
	}
}

// execute runs the body under timeout. The body gets a context that is
// cancelled on timeout so it can abort its I/O.
func (o *Orchestrator) execute(ctx context.Context, step Step, exec *phase.Execution, timeout time.Duration) BodyResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan BodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- BodyResult{Errors: []error{fmt.Errorf("%w: %v", ErrPhasePanic, r)}}
			}
		}()
		done <- step.Body(ctx)
	}()

	select {
	case r := <-done:
		// a body that gave up because of the deadline still counts as timed out
		if r.Success || ctx.Err() == nil {
			return r
		}
	case <-ctx.Done():
	}

	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrPhaseTimeout, timeout, err)
	}
	o.logger.Warn("Phase body abandoned", "phase", exec.PhaseID, "attempt", exec.Attempt, "error", err)
	return BodyResult{Errors: []error{err}}
}

// classify records every body error. A failure without errors gets a
// synthetic one so that no failure goes unrecorded.
func (o *Orchestrator) classify(id string, body BodyResult) []*classifier.StartupError {
	errs := body.Errors
	if !body.Success && len(errs) == 0 {
		errs = []error{ErrPhaseFailed}
	}

	out := make([]*classifier.StartupError, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		out = append(out, o.classifier.Observe(err.Error(), err, classifier.Context{Phase: id}))
	}
	return out
}

// fallback applies the step's fallback strategy to a phase that failed for
// good. It reports whether the sequence must be aborted.
func (o *Orchestrator) fallback(ctx context.Context, step Step, res *Result) bool {
	id := step.ID()
	res.Failed = append(res.Failed, id)
	strategy := step.EffectiveFallback()

	o.logger.Warn("Applying fallback", "phase", id, "strategy", strategy, "critical", step.Definition.Critical)

	switch strategy {
	case FallbackSkip:
		if err := o.manager.SkipPhase(id, "fallback "+string(strategy)); err != nil {
			o.logger.Warn("Skipping failed phase", "phase", id, "error", err)
		} else {
			res.Skipped = append(res.Skipped, id)
		}
		o.narrow(domain.ModeLimited, "phase "+id+" skipped")
		return false

	case FallbackEmergency:
		o.narrow(domain.ModeRecovery, "phase "+id+" failed")
		o.flags.Enable(ctx, flagstore.KeyEmergencyMode)
		o.emergencyRollback(ctx, res)
		return true

	default:
		o.narrow(domain.ModeLimited, "phase "+id+" degraded")
		return false
	}
}

// emergencyRollback unwinds the last completed phase. Failures are logged and
// surfaced in the result, never returned.
func (o *Orchestrator) emergencyRollback(ctx context.Context, res *Result) {
	stack := o.manager.Stack()
	if len(stack) == 0 {
		return
	}
	last := stack[len(stack)-1]

	rolled, err := o.manager.RollbackThrough(ctx, last)
	res.RolledBack = append(res.RolledBack, rolled...)
	if err != nil {
		res.RollbackErr = err
		o.logger.Error("Emergency rollback failed",
			"run_id", o.runID,
			"phase", last,
			"error", err,
		)
		return
	}
	o.logger.Info("Emergency rollback complete", "rolled_back", rolled)
}

// timeout scales the phase timeout for slow hosts.
func (o *Orchestrator) timeout(def phase.Definition) time.Duration {
	t := def.Timeout
	if t <= 0 {
		t = o.opts.DefaultTimeout
	}
	f := 1.0
	if o.env.IsContainerHost() && o.opts.ContainerTimeoutMultiplier > 0 {
		f *= o.opts.ContainerTimeoutMultiplier
	}
	if o.env.IsFirstLaunch() && o.opts.FirstLaunchTimeoutMultiplier > 0 {
		f *= o.opts.FirstLaunchTimeoutMultiplier
	}
	return time.Duration(float64(t) * f)
}

func (o *Orchestrator) narrow(to domain.Mode, reason string) {
	o.mu.Lock()
	from := o.mode
	o.mode = from.Narrow(to)
	changed := o.mode != from
	current := o.mode
	observers := slices.Clone(o.onMode)
	o.mu.Unlock()

	if !changed {
		return
	}
	o.logger.Warn("Run mode narrowed", "from", from, "to", current, "reason", reason)
	for _, fn := range observers {
		fn(from, current)
	}
}

func (o *Orchestrator) onTransition(phaseID string, t phase.Transition) {
	o.mu.Lock()
	ev := PhaseEvent{
		RunID:   o.runID,
		Phase:   phaseID,
		From:    t.From,
		To:      t.To,
		Attempt: t.Attempt,
		Reason:  t.Reason,
		At:      t.Timestamp,
	}
	observers := slices.Clone(o.onPhase)
	o.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// finish fills the summary fields, updates the flags and persists the run.
func (o *Orchestrator) finish(ctx context.Context, res *Result) {
	res.FinishedAt = time.Now()
	res.Mode = o.Mode()
	res.Success = res.Mode != domain.ModeRecovery

	critical := false
	for _, e := range res.Errors {
		if e.Severity == domain.SeverityCritical {
			critical = true
			break
		}
	}
	if res.Mode == domain.ModeRecovery || critical {
		res.RecoveryOptions = slices.Clone(domain.UserRecoveryActions)
	}

	for _, s := range o.steps {
		id := s.ID()
		var d time.Duration
		for _, exec := range o.manager.History(id) {
			d += exec.Duration
		}
		res.Timings[id] = d
		res.Phases = append(res.Phases, PhaseReport{
			ID:       id,
			Status:   o.manager.Status(id),
			Attempts: o.manager.Metrics(id).Attempts,
			Duration: d,
			Error:    lastError(o.manager, id),
		})
	}

	metrics.RunMode.Set(float64(modeRank(res.Mode)))
	metrics.RunsTotal.WithLabelValues(string(res.Mode)).Inc()

	// a clean run clears a previous emergency
	if res.Success {
		o.flags.Disable(ctx, flagstore.KeyEmergencyMode)
	}
	o.flags.Enable(ctx, flagstore.KeyLaunched)
	_ = o.flags.Set(ctx, flagstore.KeyLastRun, res.RunID)

	if o.history != nil {
		// persist even when ctx is already done
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.history.SaveRun(saveCtx, res.Record()); err != nil {
			o.logger.Warn("Failed to save run history", "run_id", res.RunID, "error", err)
		}
	}

	o.logger.Info("Boot sequence finished",
		"run_id", res.RunID,
		"mode", res.Mode,
		"success", res.Success,
		"completed", len(res.Completed),
		"failed", len(res.Failed),
		"skipped", len(res.Skipped),
		"errors", len(res.Errors),
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
}

func lastError(m *phase.Manager, id string) string {
	exec, ok := m.Execution(id)
	if !ok {
		return ""
	}
	if len(exec.Errors) > 0 {
		return exec.Errors[len(exec.Errors)-1].Message
	}
	if r, ok := exec.Metadata["reason"].(string); ok && exec.Status != domain.PhaseStatusCompleted {
		return r
	}
	return ""
}

// retryAfter returns the largest server-provided retry hint among errs.
func retryAfter(errs []error) time.Duration {
	var d time.Duration
	for _, err := range errs {
		if hint, ok := classifier.RetryAfter(err); ok {
			d = max(d, hint)
		}
	}
	return d
}

func modeRank(m domain.Mode) int {
	switch m {
	case domain.ModeLimited:
		return 1
	case domain.ModeRecovery:
		return 2
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
