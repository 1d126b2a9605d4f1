// Package resource fetches boot resources under network-quality-aware limits.
//
// The Loader keeps a current NetworkQuality, derived from the host connection
// hint when present or measured with a timed probe otherwise. The quality
// selects a LoadingStrategy: per-priority timeouts and concurrency ceilings
// plus a retry policy. Each priority has its own weighted semaphore; switching
// quality rebuilds them, and a downgrade to slow or offline cancels in-flight
// low and medium priority requests.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/metrics"
	"github.com/vietddude/bootwatch/internal/platform"
)

var (
	// ErrOffline is returned without any network activity while offline.
	ErrOffline = errors.New("network offline")

	// ErrQualityDowngrade is the cancellation cause for requests dropped by a
	// downgrade to slow or offline.
	ErrQualityDowngrade = errors.New("cancelled by network quality downgrade")

	// ErrBadStatus is returned for non-2xx responses.
	ErrBadStatus = errors.New("unexpected status")

	// ErrValidation is returned when a custom validator rejects a response.
	ErrValidation = errors.New("validation failed")

	// ErrBatchTimeout marks requests never dispatched before the batch timed out.
	ErrBatchTimeout = errors.New("batch timed out before dispatch")
)

// Request describes one resource to load.
type Request struct {
	ID       string
	URL      string
	Priority domain.Priority
	// Timeout overrides the strategy timeout when positive.
	Timeout time.Duration
	// Retry overrides the strategy retry policy when set.
	Retry       *RetryPolicy
	FallbackURL string
	Validator   Validator
	// Cache keeps a successful body for later loads of the same URL.
	Cache bool
}

// Result is the settled outcome of one Request.
type Result struct {
	ID           string
	URL          string
	Priority     domain.Priority
	Body         []byte
	StatusCode   int
	Attempts     int
	UsedFallback bool
	Cached       bool
	Duration     time.Duration
	Err          error
}

// OK reports whether the load succeeded.
func (r Result) OK() bool { return r.Err == nil }

// EventType names a connectivity change.
type EventType string

const (
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
	EventChange  EventType = "change"
)

// ConnectivityEvent is delivered to connectivity observers.
type ConnectivityEvent struct {
	Type     EventType
	Previous domain.NetworkQuality
	Current  domain.NetworkQuality
}

type inflight struct {
	priority domain.Priority
	cancel   context.CancelCauseFunc
}

// Config holds Loader settings.
type Config struct {
	Strategies   map[domain.NetworkQuality]LoadingStrategy
	BatchTimeout time.Duration
	Client       *http.Client
	Prober       *Prober
	Env          platform.Environment
	Logger       *slog.Logger
}

// Loader fetches resources.
type Loader struct {
	client       *http.Client
	env          platform.Environment
	prober       *Prober
	strategies   map[domain.NetworkQuality]LoadingStrategy
	batchTimeout time.Duration
	logger       *slog.Logger

	mu        sync.RWMutex
	quality   domain.NetworkQuality
	strategy  LoadingStrategy
	sems      map[domain.Priority]*semaphore.Weighted
	inflight  map[uint64]inflight
	nextID    uint64
	observers []func(ConnectivityEvent)

	cacheMu sync.RWMutex
	cache   map[string][]byte

	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoader creates a Loader starting at moderate quality.
func NewLoader(cfg Config) *Loader {
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Loader{
		client:       cfg.Client,
		env:          cfg.Env,
		prober:       cfg.Prober,
		strategies:   cfg.Strategies,
		batchTimeout: cfg.BatchTimeout,
		logger:       cfg.Logger,
		inflight:     make(map[uint64]inflight),
		cache:        make(map[string][]byte),
		sleep:        sleepCtx,
	}
	l.applyQualityLocked(domain.NetworkModerate)
	return l
}

// Quality returns the current network quality.
func (l *Loader) Quality() domain.NetworkQuality {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.quality
}

// Strategy returns the active loading strategy.
func (l *Loader) Strategy() LoadingStrategy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.strategy
}

// OnConnectivity registers fn for online, offline and change events.
func (l *Loader) OnConnectivity(fn func(ConnectivityEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Refresh re-derives the quality from the connection hint, or from a probe
// when the host gives no hint.
func (l *Loader) Refresh(ctx context.Context) domain.NetworkQuality {
	var q domain.NetworkQuality
	switch {
	case l.env != nil && l.env.ConnectionHint() != nil:
		q = QualityFromHint(l.env.ConnectionHint())
	case l.prober != nil:
		q = l.prober.Measure(ctx)
	default:
		return l.Quality()
	}
	l.SetQuality(q)
	return q
}

// SetOnline handles host online/offline signals.
func (l *Loader) SetOnline(ctx context.Context, online bool) {
	if !online {
		l.SetQuality(domain.NetworkOffline)
		return
	}
	if l.Refresh(ctx) == domain.NetworkOffline {
		l.SetQuality(domain.NetworkModerate)
	}
}

// Watch refreshes the quality every interval until ctx is done.
func (l *Loader) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Refresh(ctx)
		}
	}
}

// SetQuality switches the loading strategy. A downgrade to slow or offline
// cancels outstanding low and medium priority requests.
func (l *Loader) SetQuality(q domain.NetworkQuality) {
	l.mu.Lock()
	prev := l.quality
	if prev == q {
		l.mu.Unlock()
		return
	}
	l.applyQualityLocked(q)

	var cancels []context.CancelCauseFunc
	if q.Rank() > prev.Rank() && (q == domain.NetworkSlow || q == domain.NetworkOffline) {
		for _, f := range l.inflight {
			if f.priority == domain.PriorityLow || f.priority == domain.PriorityMedium {
				cancels = append(cancels, f.cancel)
			}
		}
	}
	observers := append([]func(ConnectivityEvent){}, l.observers...)
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel(ErrQualityDowngrade)
	}

	l.logger.Info("Network quality changed",
		"from", prev,
		"to", q,
		"cancelled", len(cancels),
	)

	events := []ConnectivityEvent{{Type: EventChange, Previous: prev, Current: q}}
	if q == domain.NetworkOffline {
		events = append(events, ConnectivityEvent{Type: EventOffline, Previous: prev, Current: q})
	} else if prev == domain.NetworkOffline {
		events = append(events, ConnectivityEvent{Type: EventOnline, Previous: prev, Current: q})
	}
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

func (l *Loader) applyQualityLocked(q domain.NetworkQuality) {
	strat, ok := l.strategies[q]
	if !ok {
		strat = DefaultStrategies()[q]
	}
	l.quality = q
	l.strategy = strat
	l.sems = make(map[domain.Priority]*semaphore.Weighted, len(domain.Priorities))
	for _, p := range domain.Priorities {
		l.sems[p] = semaphore.NewWeighted(int64(strat.Concurrency[p]))
	}
	metrics.NetworkQuality.Set(float64(q.Rank()))
}

// ClearCache drops every cached body.
func (l *Loader) ClearCache(ctx context.Context) error {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.cache = make(map[string][]byte)
	return nil
}

// LoadResource loads one resource. It makes up to MaxRetries+1 attempts, each
// bounded by the priority timeout, waiting Backoff(attempt) in between. When
// every attempt fails and a FallbackURL is set, the fallback is tried once
// with the attempt count reset.
func (l *Loader) LoadResource(ctx context.Context, req Request) Result {
	start := time.Now()
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	res := l.load(ctx, req)
	res.ID = req.ID
	res.Priority = req.Priority
	res.Duration = time.Since(start)

	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
		l.logger.Debug("Resource load failed", "id", req.ID, "url", res.URL, "attempts", res.Attempts, "error", res.Err)
	}
	metrics.ResourceLoads.WithLabelValues(string(req.Priority), outcome).Inc()
	metrics.ResourceLatency.WithLabelValues(string(req.Priority)).Observe(res.Duration.Seconds())
	return res
}

func (l *Loader) load(ctx context.Context, req Request) Result {
	if req.Cache {
		l.cacheMu.RLock()
		body, ok := l.cache[req.URL]
		l.cacheMu.RUnlock()
		if ok {
			return Result{URL: req.URL, Body: body, StatusCode: http.StatusOK, Cached: true}
		}
	}

	l.mu.RLock()
	quality := l.quality
	strat := l.strategy
	sem := l.sems[req.Priority]
	l.mu.RUnlock()

	if quality == domain.NetworkOffline {
		return Result{URL: req.URL, Err: ErrOffline}
	}
	if sem == nil {
		return Result{URL: req.URL, Err: fmt.Errorf("unknown priority %q", req.Priority)}
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return Result{URL: req.URL, Err: err}
	}
	defer sem.Release(1)

	reqCtx, cancel := context.WithCancelCause(ctx)
	id := l.track(req.Priority, cancel)
	defer func() {
		l.untrack(id)
		cancel(nil)
	}()

	policy := strat.Retry
	if req.Retry != nil {
		policy = *req.Retry
	}
	timeout := strat.Timeouts[req.Priority]
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	res := l.attempt(reqCtx, req.URL, policy, timeout, req.Validator)
	if res.Err != nil && req.FallbackURL != "" && reqCtx.Err() == nil && l.Quality() != domain.NetworkOffline {
		l.logger.Debug("Trying fallback URL", "id", req.ID, "url", req.FallbackURL)
		res = l.attempt(reqCtx, req.FallbackURL, RetryPolicy{}, timeout, req.Validator)
		res.UsedFallback = true
	}

	if res.Err == nil && req.Cache {
		l.cacheMu.Lock()
		l.cache[req.URL] = res.Body
		l.cacheMu.Unlock()
	}
	return res
}

// attempt runs up to policy.MaxRetries+1 fetches of url.
func (l *Loader) attempt(
	ctx context.Context,
	url string,
	policy RetryPolicy,
	timeout time.Duration,
	validator Validator,
) Result {
	res := Result{URL: url}
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		body, code, err := l.fetch(ctx, url, timeout, validator)
		res.StatusCode = code
		if err == nil {
			res.Body = body
			res.Err = nil
			return res
		}
		res.Err = err

		if ctx.Err() != nil {
			res.Err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
			return res
		}
		if attempt == policy.MaxRetries || l.Quality() == domain.NetworkOffline {
			return res
		}
		if err := l.sleep(ctx, policy.Backoff(attempt)); err != nil {
			res.Err = fmt.Errorf("%w: %w", context.Cause(ctx), res.Err)
			return res
		}
	}
	return res
}

func (l *Loader) fetch(
	ctx context.Context,
	url string,
	timeout time.Duration,
	validator Validator,
) ([]byte, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s returned %d", ErrBadStatus, url, resp.StatusCode)
	}
	if validator != nil {
		if err := validator(body); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("%w: %s: %w", ErrValidation, url, err)
		}
	}
	return body, resp.StatusCode, nil
}

func (l *Loader) track(p domain.Priority, cancel context.CancelCauseFunc) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.inflight[l.nextID] = inflight{priority: p, cancel: cancel}
	return l.nextID
}

func (l *Loader) untrack(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
