package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/config"
	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/health"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/orchestrator"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newAssetServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"app","version":"1.0"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, assetURL string) *config.AppConfig {
	t.Helper()
	content := fmt.Sprintf(`
server:
  port: -1
health:
  components:
    - id: flags
      kind: flags
    - id: history
      kind: history
phases:
  - id: config
    critical: true
    body:
      kind: fetch
      resources:
        - id: manifest
          url: %s/manifest.json
          priority: critical
          json_fields: [name]
  - id: assets
    requires: [config]
    body:
      kind: fetch
      resources:
        - url: %s/app.js
  - id: ready
    critical: true
    requires: [config]
    body:
      kind: ready
`, assetURL, assetURL)

	cfg, err := config.Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cfg
}

func newTestSession(t *testing.T, cfg *config.AppConfig) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), cfg, discard)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestSession_Lifecycle(t *testing.T) {
	srv := newAssetServer(t)
	s := newTestSession(t, testConfig(t, srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	res, err := s.Boot(ctx)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if !res.Success || res.Mode != domain.ModeFull {
		t.Fatalf("expected successful full boot, got success=%v mode=%s errors=%v", res.Success, res.Mode, res.Errors)
	}
	if len(res.Completed) != 3 {
		t.Errorf("expected 3 completed phases, got %v", res.Completed)
	}

	runs, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != res.RunID {
		t.Errorf("expected the run to be recorded, got %+v", runs)
	}
	if s.Last() != res {
		t.Error("Last should return the most recent result")
	}

	components := s.Health()
	if components["flags"].Status != domain.HealthHealthy {
		t.Errorf("expected flags component healthy, got %s", components["flags"].Status)
	}

	if !s.Flags().IsSet(ctx, flagstore.KeyLaunched) {
		t.Error("expected launched flag after first boot")
	}
	if s.env.IsFirstLaunch() {
		t.Error("expected later boots not to be first launches")
	}
}

func TestSession_PlanOrdersPhases(t *testing.T) {
	srv := newAssetServer(t)
	s := newTestSession(t, testConfig(t, srv.URL))

	steps := s.Plan()

	var ids []string
	for _, st := range steps {
		ids = append(ids, st.ID())
	}
	if fmt.Sprint(ids) != "[config assets ready]" {
		t.Errorf("unexpected order: %v", ids)
	}
}

func TestSession_BootsReuseBodyConnections(t *testing.T) {
	srv := newAssetServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Phases = append(cfg.Phases, config.PhaseConfig{
		ID:       "backend",
		Timeout:  200 * time.Millisecond,
		Fallback: "skip-phase",
		Body:     config.BodyConfig{Kind: "grpc-health", Target: "127.0.0.1:1"},
	})
	s := newTestSession(t, cfg)

	for i := range 3 {
		if _, err := s.Boot(context.Background()); err != nil {
			t.Fatalf("boot %d failed: %v", i, err)
		}
	}
	if n := s.bodies.Open(); n != 1 {
		t.Errorf("open body connections = %d after three boots, want 1", n)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n := s.bodies.Open(); n != 0 {
		t.Errorf("open body connections = %d after stop, want 0", n)
	}
}

func TestSession_RejectsCycle(t *testing.T) {
	srv := newAssetServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Phases[0].Requires = []string{"ready"}

	_, err := NewSession(context.Background(), cfg, discard)
	if !errors.Is(err, orchestrator.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestSession_SafeModeSkipsOptionalPhases(t *testing.T) {
	srv := newAssetServer(t)
	s := newTestSession(t, testConfig(t, srv.URL))
	ctx := context.Background()

	if err := s.Execute(ctx, domain.ActionSafeMode, ""); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	res, err := s.Boot(ctx)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	if res.Mode != domain.ModeLimited {
		t.Errorf("expected limited mode, got %s", res.Mode)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "assets" {
		t.Errorf("expected assets skipped, got %v", res.Skipped)
	}
}

func TestSession_SeverityFollowsPhaseRoles(t *testing.T) {
	srv := newAssetServer(t)
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  port: -1
platform:
  mount_url: %s
phases:
  - id: login
    role: auth
    body: {kind: ready}
  - id: render
    requires: [login]
    body: {kind: mount-check}
`, srv.URL)))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	s := newTestSession(t, cfg)

	tests := []struct {
		message string
		phase   string
		want    domain.Severity
	}{
		{"TypeError: x is not a function", "render", domain.SeverityCritical},
		{"TypeError: x is not a function", "ui-mount", domain.SeverityLow},
		{"401 unauthorized", "login", domain.SeverityHigh},
		{"401 unauthorized", "auth", domain.SeverityLow},
	}
	for _, tt := range tests {
		_, got := s.classifier.Classify(tt.message, nil, classifier.Context{Phase: tt.phase})
		if got != tt.want {
			t.Errorf("Classify(%q, phase %s) severity = %s, want %s", tt.message, tt.phase, got, tt.want)
		}
	}
}

func TestSession_HistoryEmpty(t *testing.T) {
	srv := newAssetServer(t)
	s := newTestSession(t, testConfig(t, srv.URL))

	if _, err := s.History(context.Background(), 10); !errors.Is(err, ErrNoHistory) {
		t.Errorf("expected ErrNoHistory, got %v", err)
	}
}

func TestSession_OfferedActions(t *testing.T) {
	srv := newAssetServer(t)
	s := newTestSession(t, testConfig(t, srv.URL))

	if len(s.Offered()) == 0 {
		t.Error("expected offered recovery actions")
	}
	if err := s.Execute(context.Background(), "self-destruct", ""); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestCondition(t *testing.T) {
	snap := health.Snapshot{
		Component:      health.ComponentHealth{Status: domain.HealthDegraded, ErrorCount: 2},
		CriticalErrors: 0,
	}

	tests := []struct {
		name string
		cfg  config.ConditionConfig
		want bool
	}{
		{"status matches", config.ConditionConfig{Status: []string{"degraded"}}, true},
		{"all clauses must hold", config.ConditionConfig{Status: []string{"degraded"}, ErrorCountAtLeast: 3}, false},
		{"any clause suffices", config.ConditionConfig{Status: []string{"degraded"}, ErrorCountAtLeast: 3, Any: true}, true},
		{"critical errors", config.ConditionConfig{CriticalErrorsAtLeast: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := condition(tt.cfg)(snap); got != tt.want {
				t.Errorf("condition() = %v, want %v", got, tt.want)
			}
		})
	}
}
