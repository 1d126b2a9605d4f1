// Package health polls boot components, keeps a rolling health record per
// component, and fires one-shot recovery triggers when a condition holds.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/metrics"
	"github.com/vietddude/bootwatch/internal/recovery"
)

const (
	defaultInterval     = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

var (
	ErrUnknownComponent = errors.New("unknown component")
	ErrDuplicateTrigger = errors.New("duplicate trigger")
)

// ProbeResult is what a probe reports for one check.
type ProbeResult struct {
	Status       domain.HealthStatus
	ResponseTime time.Duration
	Details      map[string]any
	Err          error
}

// Probe checks one component.
type Probe interface {
	Check(ctx context.Context) ProbeResult
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) ProbeResult

func (f ProbeFunc) Check(ctx context.Context) ProbeResult { return f(ctx) }

// ComponentHealth is the rolling health record of a component.
type ComponentHealth struct {
	ID           string              `json:"id"`
	Status       domain.HealthStatus `json:"status"`
	LastCheck    time.Time           `json:"last_check"`
	ErrorCount   int                 `json:"error_count"`
	Uptime       time.Duration       `json:"uptime"`
	ResponseTime time.Duration       `json:"response_time"`
	LastError    string              `json:"last_error,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
}

// Publisher receives fired trigger actions.
type Publisher interface {
	Publish(sig recovery.Signal) bool
}

// Config holds Monitor settings.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Publisher    Publisher
	Logger       *slog.Logger
}

// Monitor aggregates component health.
type Monitor struct {
	interval     time.Duration
	probeTimeout time.Duration
	publisher    Publisher
	logger       *slog.Logger
	now          func() time.Time

	mu             sync.RWMutex
	probes         map[string]Probe
	order          []string
	components     map[string]*ComponentHealth
	triggers       []*Trigger
	criticalErrors int
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		publisher:    cfg.Publisher,
		logger:       cfg.Logger,
		now:          time.Now,
		probes:       make(map[string]Probe),
		components:   make(map[string]*ComponentHealth),
	}
}

// Register adds a component. Re-registering replaces the probe and keeps the record.
func (m *Monitor) Register(id string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.probes[id]; !ok {
		m.order = append(m.order, id)
		m.components[id] = &ComponentHealth{ID: id, Status: domain.HealthUnknown}
	}
	m.probes[id] = probe
}

// AddTrigger registers a one-shot recovery trigger.
func (m *Monitor) AddTrigger(t Trigger) error {
	if t.Condition == nil {
		return fmt.Errorf("trigger %s: nil condition", t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.triggers {
		if existing.ID == t.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateTrigger, t.ID)
		}
	}
	t.triggered = false
	m.triggers = append(m.triggers, &t)
	return nil
}

// Start checks every component immediately and then once per interval until
// ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Health monitor started", "interval", m.interval, "components", len(m.order))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs every probe concurrently, updates the records, evaluates the
// triggers and returns the new records.
func (m *Monitor) CheckAll(ctx context.Context) map[string]ComponentHealth {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	probes := make([]Probe, len(ids))
	for i, id := range ids {
		probes[i] = m.probes[id]
	}
	m.mu.RUnlock()

	results := make([]ProbeResult, len(ids))
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			results[i] = m.runProbe(ctx, probes[i])
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	for i, id := range ids {
		m.applyLocked(id, results[i])
	}
	m.mu.Unlock()

	m.evaluateTriggers()
	return m.Components()
}

// Check runs a single component's probe.
func (m *Monitor) Check(ctx context.Context, id string) (ComponentHealth, error) {
	m.mu.RLock()
	probe, ok := m.probes[id]
	m.mu.RUnlock()
	if !ok {
		return ComponentHealth{}, fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}

	res := m.runProbe(ctx, probe)

	m.mu.Lock()
	m.applyLocked(id, res)
	h := m.components[id].clone()
	m.mu.Unlock()

	m.evaluateTriggers()
	return h, nil
}

// RestartComponent clears a component's record and probes it again.
func (m *Monitor) RestartComponent(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.components[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	m.components[id] = &ComponentHealth{ID: id, Status: domain.HealthUnknown}
	m.mu.Unlock()

	m.logger.Info("Restarting component", "component", id)
	_, err := m.Check(ctx, id)
	return err
}

func (m *Monitor) runProbe(ctx context.Context, p Probe) (res ProbeResult) {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = ProbeResult{Status: domain.HealthUnhealthy, Err: fmt.Errorf("probe panic: %v", r)}
		}
	}()

	start := m.now()
	res = p.Check(ctx)
	if res.ResponseTime == 0 {
		res.ResponseTime = m.now().Sub(start)
	}
	if res.Err != nil && res.Status == "" {
		res.Status = domain.HealthUnhealthy
	}
	if res.Status == "" {
		res.Status = domain.HealthHealthy
	}
	return res
}

// applyLocked folds a probe result into the component record. Error count
// grows only on probe errors; uptime accumulates from the previous check
// while the component is up and resets when it is unhealthy.
func (m *Monitor) applyLocked(id string, res ProbeResult) {
	h, ok := m.components[id]
	if !ok {
		return
	}
	now := m.now()

	if res.Err != nil {
		h.ErrorCount++
		h.LastError = res.Err.Error()
	}
	switch {
	case res.Status == domain.HealthUnhealthy:
		h.Uptime = 0
	case !h.LastCheck.IsZero():
		h.Uptime += now.Sub(h.LastCheck)
	}

	if h.Status != res.Status && h.Status != domain.HealthUnknown {
		m.logger.Warn("Component health changed",
			"component", id,
			"from", h.Status,
			"to", res.Status,
			"error", res.Err,
		)
	}

	h.Status = res.Status
	h.ResponseTime = res.ResponseTime
	h.LastCheck = now
	h.Metadata = res.Details

	metrics.ComponentHealth.WithLabelValues(id).Set(float64(res.Status.Rank()))
}

// RecordError implements classifier.ErrorSink. Critical errors add to the
// global tally the triggers see.
func (m *Monitor) RecordError(e *classifier.StartupError) {
	if e == nil || e.Severity != domain.SeverityCritical {
		return
	}
	m.mu.Lock()
	m.criticalErrors++
	m.mu.Unlock()

	m.evaluateTriggers()
}

// CriticalErrors returns the global critical error tally.
func (m *Monitor) CriticalErrors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.criticalErrors
}

// Overall returns the worst component status, or unknown when no component
// has reported.
func (m *Monitor) Overall() domain.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() domain.HealthStatus {
	worst := domain.HealthUnknown
	for _, h := range m.components {
		if h.Status.Rank() > worst.Rank() {
			worst = h.Status
		}
	}
	return worst
}

// Components returns a copy of every record.
func (m *Monitor) Components() map[string]ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ComponentHealth, len(m.components))
	for id, h := range m.components {
		out[id] = h.clone()
	}
	return out
}

// Component returns one record.
func (m *Monitor) Component(id string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.components[id]
	if !ok {
		return ComponentHealth{}, false
	}
	return h.clone(), true
}

func (h *ComponentHealth) clone() ComponentHealth {
	c := *h
	if h.Metadata != nil {
		c.Metadata = make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
