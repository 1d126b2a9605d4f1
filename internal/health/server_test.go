package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/recovery"
)

type mockRecovery struct {
	executed []domain.RecoveryAction
	err      error
}

func (m *mockRecovery) Offered() []domain.RecoveryAction { return domain.UserRecoveryActions }

func (m *mockRecovery) Execute(ctx context.Context, action domain.RecoveryAction, component string) error {
	m.executed = append(m.executed, action)
	return m.err
}

func TestServer_Health(t *testing.T) {
	m, _ := newTestMonitor(nil)
	probe := &stubProbe{res: healthy()}
	m.Register("auth", probe)
	m.CheckAll(context.Background())

	srv := httptest.NewServer(NewServer(m, nil, 0, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	probe.Set(ProbeResult{Status: domain.HealthUnhealthy})
	m.CheckAll(context.Background())

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Detailed(t *testing.T) {
	m, _ := newTestMonitor(nil)
	m.Register("auth", &stubProbe{res: ProbeResult{Status: domain.HealthDegraded}})
	m.CheckAll(context.Background())

	srv := httptest.NewServer(NewServer(m, nil, 0, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()

	var report detailedReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, domain.HealthDegraded, report.Status)
	assert.Equal(t, domain.HealthDegraded, report.Components["auth"].Status)
}

func TestServer_RecoveryDisabledWithoutHandler(t *testing.T) {
	m, _ := newTestMonitor(nil)
	srv := httptest.NewServer(NewServer(m, nil, 0, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/recovery")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Recovery(t *testing.T) {
	m, _ := newTestMonitor(nil)
	rec := &mockRecovery{}
	srv := httptest.NewServer(NewServer(m, rec, 0, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/recovery")
	require.NoError(t, err)
	var offered struct {
		Actions []domain.RecoveryAction `json:"actions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&offered))
	resp.Body.Close()
	assert.Equal(t, domain.UserRecoveryActions, offered.Actions)

	resp, err = http.Post(srv.URL+"/recovery/safe-mode", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []domain.RecoveryAction{domain.ActionSafeMode}, rec.executed)

	resp, err = http.Post(srv.URL+"/recovery/format-disk", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rec.err = fmt.Errorf("%w: no background worker", recovery.ErrUnavailable)
	resp, err = http.Post(srv.URL+"/recovery/re-register", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
