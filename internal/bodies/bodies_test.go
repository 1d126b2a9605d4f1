package bodies

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bootwatch/internal/core/config"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/phase"
	"github.com/vietddude/bootwatch/internal/health"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/platform"
	"github.com/vietddude/bootwatch/internal/resource"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newLoader() *resource.Loader {
	strategies := resource.DefaultStrategies()
	for q, s := range strategies {
		s.Retry = resource.RetryPolicy{}
		strategies[q] = s
	}
	return resource.NewLoader(resource.Config{Strategies: strategies, Logger: discard})
}

func newFlags() *flagstore.Safe {
	return flagstore.NewSafe(flagstore.NewMemory(), discard)
}

func TestBuild_UnknownKind(t *testing.T) {
	_, _, err := NewBuilder(Deps{Logger: discard}).Build(config.BodyConfig{Kind: "teleport"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestBuild_MissingDependencies(t *testing.T) {
	b := NewBuilder(Deps{Logger: discard})
	for _, kind := range []string{KindFetch, KindWorkerRegister, KindMountCheck, KindReady} {
		_, _, err := b.Build(config.BodyConfig{Kind: kind})
		assert.ErrorIs(t, err, ErrMissingDependency, kind)
	}
}

func TestFetch_AllLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"app","version":"1.0"}`))
	}))
	defer srv.Close()

	b := NewBuilder(Deps{Loader: newLoader(), Logger: discard})
	body, rb, err := b.Build(config.BodyConfig{
		Kind: KindFetch,
		Resources: []config.ResourceConfig{
			{ID: "manifest", URL: srv.URL + "/manifest.json", Priority: "critical", JSONFields: []string{"name", "version"}},
			{URL: srv.URL + "/app.js", MinBytes: 4},
		},
		Optional: []config.ResourceConfig{{ID: "font", URL: srv.URL + "/font"}},
	})
	require.NoError(t, err)
	assert.Nil(t, rb)

	res := body(context.Background())
	assert.True(t, res.Success)
	assert.Empty(t, res.Mode)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 3, res.Metadata["loaded"])
	assert.Equal(t, 1.0, res.Metadata["success_ratio"])
}

func TestFetch_ValidationFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"app"}`))
	}))
	defer srv.Close()

	b := NewBuilder(Deps{Loader: newLoader(), Logger: discard})
	body, _, err := b.Build(config.BodyConfig{
		Kind: KindFetch,
		Resources: []config.ResourceConfig{
			{ID: "manifest", URL: srv.URL, JSONFields: []string{"version"}},
		},
	})
	require.NoError(t, err)

	res := body(context.Background())
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], resource.ErrValidation)
	assert.Equal(t, true, res.Metadata["degraded"])
}

func TestFetch_PartialFailureNarrowsMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var resources []config.ResourceConfig
	for range 9 {
		resources = append(resources, config.ResourceConfig{URL: srv.URL + "/ok"})
	}
	resources = append(resources, config.ResourceConfig{ID: "missing", URL: srv.URL + "/missing"})

	b := NewBuilder(Deps{Loader: newLoader(), Logger: discard})
	body, _, err := b.Build(config.BodyConfig{Kind: KindFetch, Resources: resources})
	require.NoError(t, err)

	res := body(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, domain.ModeLimited, res.Mode)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], resource.ErrBadStatus)
}

func TestFetch_RequiredResourcesLoadAsCritical(t *testing.T) {
	var highHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/high":
			highHits.Add(1)
			_, _ = w.Write([]byte("ok"))
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	b := NewBuilder(Deps{Loader: newLoader(), Logger: discard})
	body, _, err := b.Build(config.BodyConfig{
		Kind: KindFetch,
		Resources: []config.ResourceConfig{
			{ID: "shell", URL: srv.URL + "/shell"},
			{ID: "broken", URL: srv.URL + "/broken"},
			{ID: "styles", URL: srv.URL + "/high", Priority: "high"},
		},
	})
	require.NoError(t, err)

	res := body(context.Background())
	assert.False(t, res.Success)
	assert.Equal(t, 0.5, res.Metadata["success_ratio"])
	assert.Zero(t, highHits.Load(), "high-priority resource requested after critical loading failed")
}

func TestHTTPCheck(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	body, _, err := NewBuilder(Deps{Logger: discard}).Build(config.BodyConfig{Kind: KindHTTPCheck, URL: srv.URL})
	require.NoError(t, err)

	status.Store(http.StatusOK)
	res := body(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, "healthy", res.Metadata["status"])

	status.Store(http.StatusServiceUnavailable)
	res = body(context.Background())
	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 1)
}

func TestGRPCHealth_UnreachableAndClose(t *testing.T) {
	b := NewBuilder(Deps{Logger: discard})
	body, _, err := b.Build(config.BodyConfig{Kind: KindGRPCHealth, Target: "127.0.0.1:1", Service: "auth"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res := body(ctx)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)

	assert.NoError(t, b.Close())
}

func TestProbeBody_Degraded(t *testing.T) {
	body := probeBody(health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{Status: domain.HealthDegraded, Details: map[string]any{"lag": 3}}
	}))

	res := body(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, domain.ModeLimited, res.Mode)
	assert.Equal(t, 3, res.Metadata["lag"])
}

func TestProbeBody_UnhealthyWithoutError(t *testing.T) {
	body := probeBody(health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		return health.ProbeResult{Status: domain.HealthUnhealthy}
	}))

	res := body(context.Background())
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], ErrUnhealthy)
}

func TestWorkerRegister_RegistersAndRollsBack(t *testing.T) {
	ctx := context.Background()
	worker := &fakeWorker{handle: "w-1"}
	flags := newFlags()

	body, rb, err := NewBuilder(Deps{Worker: worker, Flags: flags, Logger: discard}).
		Build(config.BodyConfig{Kind: KindWorkerRegister})
	require.NoError(t, err)
	require.NotNil(t, rb)

	res := body(ctx)
	require.True(t, res.Success)
	assert.Equal(t, "w-1", flags.Value(ctx, flagstore.KeyWorkerHandle))
	assert.Equal(t, false, res.Metadata["reused"])

	exec := &phase.Execution{Metadata: res.Metadata}
	require.True(t, rb.CanRollback(exec))
	require.NoError(t, rb.Rollback(ctx, exec))

	assert.Equal(t, []platform.Handle{"w-1"}, worker.unregistered)
	assert.False(t, flags.IsSet(ctx, flagstore.KeyWorkerHandle))
}

func TestWorkerRegister_ReusesRegistration(t *testing.T) {
	ctx := context.Background()
	worker := &fakeWorker{status: platform.WorkerStatus{Registered: true, Active: true}}
	flags := newFlags()
	require.NoError(t, flags.Set(ctx, flagstore.KeyWorkerHandle, "existing"))

	body, rb, err := NewBuilder(Deps{Worker: worker, Flags: flags, Logger: discard}).
		Build(config.BodyConfig{Kind: KindWorkerRegister})
	require.NoError(t, err)

	res := body(ctx)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Metadata["reused"])
	assert.Zero(t, worker.registerCalls)

	// A reused registration belongs to an earlier session.
	assert.False(t, rb.CanRollback(&phase.Execution{Metadata: res.Metadata}))
}

func TestWorkerRegister_FailureCarriesMarker(t *testing.T) {
	worker := &fakeWorker{registerErr: errors.New("scope rejected")}

	body, _, err := NewBuilder(Deps{Worker: worker, Flags: newFlags(), Logger: discard}).
		Build(config.BodyConfig{Kind: KindWorkerRegister})
	require.NoError(t, err)

	res := body(context.Background())
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "worker registration")
}

func TestWorkerRegister_UpdatingNarrowsMode(t *testing.T) {
	worker := &fakeWorker{handle: "w-2", status: platform.WorkerStatus{Updating: true}}

	body, _, err := NewBuilder(Deps{Worker: worker, Flags: newFlags(), Logger: discard}).
		Build(config.BodyConfig{Kind: KindWorkerRegister})
	require.NoError(t, err)

	res := body(context.Background())
	assert.True(t, res.Success)
	assert.Equal(t, domain.ModeLimited, res.Mode)
}

func TestMountCheck(t *testing.T) {
	mount := &fakeMount{}
	body, _, err := NewBuilder(Deps{Mount: mount, Logger: discard}).Build(config.BodyConfig{Kind: KindMountCheck})
	require.NoError(t, err)

	res := body(context.Background())
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Errors[0], ErrNotMounted)

	mount.rendered = true
	assert.True(t, body(context.Background()).Success)
}

func TestReady(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]domain.HealthStatus
		success  bool
		mode     domain.Mode
		errs     int
	}{
		{"no components", nil, true, "", 0},
		{"all healthy", map[string]domain.HealthStatus{"api": domain.HealthHealthy, "cache": domain.HealthHealthy}, true, "", 0},
		{"degraded", map[string]domain.HealthStatus{"api": domain.HealthHealthy, "cache": domain.HealthDegraded}, true, domain.ModeLimited, 0},
		{"unhealthy", map[string]domain.HealthStatus{"api": domain.HealthUnhealthy, "cache": domain.HealthDegraded}, false, "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := health.NewMonitor(health.Config{Logger: discard})
			for id, st := range tt.statuses {
				mon.Register(id, health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
					if st == domain.HealthUnhealthy {
						return health.ProbeResult{Status: st, Err: errors.New("down")}
					}
					return health.ProbeResult{Status: st}
				}))
			}

			body, _, err := NewBuilder(Deps{Monitor: mon, Logger: discard}).Build(config.BodyConfig{Kind: KindReady})
			require.NoError(t, err)

			res := body(context.Background())
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.mode, res.Mode)
			assert.Len(t, res.Errors, tt.errs)
		})
	}
}

// ===== Mocks =====

type fakeWorker struct {
	mu            sync.Mutex
	handle        platform.Handle
	registerErr   error
	status        platform.WorkerStatus
	registerCalls int
	unregistered  []platform.Handle
}

func (w *fakeWorker) Register(ctx context.Context) (platform.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registerCalls++
	if w.registerErr != nil {
		return "", w.registerErr
	}
	return w.handle, nil
}

func (w *fakeWorker) Status(ctx context.Context) platform.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *fakeWorker) Unregister(ctx context.Context, h platform.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unregistered = append(w.unregistered, h)
	return nil
}

type fakeMount struct {
	rendered bool
}

func (m *fakeMount) HasRenderedContent(ctx context.Context) bool { return m.rendered }

func TestStrategies_OnlyForFetch(t *testing.T) {
	b := NewBuilder(Deps{Loader: newLoader(), Logger: discard})
	assert.Empty(t, b.Strategies(config.BodyConfig{Kind: KindReady}))

	strategies := b.Strategies(config.BodyConfig{Kind: KindFetch})
	require.Len(t, strategies, 2)
	assert.Equal(t, domain.CategoryCache, strategies[0].Category)
	assert.Equal(t, domain.CategoryNetwork, strategies[1].Category)

	first := &phase.Execution{Attempt: 1}
	second := &phase.Execution{Attempt: 2}
	for _, s := range strategies {
		assert.True(t, s.Strategy.Matches(nil, first), s.Strategy.Name)
		assert.False(t, s.Strategy.Matches(nil, second), s.Strategy.Name)
	}
}

func TestStrategies_ClearCacheRetries(t *testing.T) {
	b := NewBuilder(Deps{Loader: newLoader(), Logger: discard})
	s := b.Strategies(config.BodyConfig{Kind: KindFetch})[0].Strategy

	r := s.Run(context.Background(), nil, &phase.Execution{Attempt: 1})
	assert.True(t, r.Success)
	assert.True(t, r.Retry)
}

func TestStrategies_ReprobeRetriesOnlyWhenQualityChanges(t *testing.T) {
	env := platform.Static{Hint: &platform.ConnectionHint{Type: "2g"}}
	loader := resource.NewLoader(resource.Config{Env: env, Logger: discard})
	b := NewBuilder(Deps{Loader: loader, Logger: discard})
	s := b.Strategies(config.BodyConfig{Kind: KindFetch})[1].Strategy

	r := s.Run(context.Background(), nil, &phase.Execution{Attempt: 1})
	assert.True(t, r.Success)
	assert.True(t, r.Retry)
	assert.Equal(t, domain.NetworkSlow, loader.Quality())

	// Same hint again: nothing changed, so the retry policy decides.
	r = s.Run(context.Background(), nil, &phase.Execution{Attempt: 1})
	assert.False(t, r.Success)
}
