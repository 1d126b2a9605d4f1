package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

func TestHTTPProbe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	res := HTTPProbe{URL: srv.URL + "/ok"}.Check(ctx)
	assert.Equal(t, domain.HealthHealthy, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.Details["status_code"])

	res = HTTPProbe{URL: srv.URL + "/slow", DegradedAbove: time.Millisecond}.Check(ctx)
	assert.Equal(t, domain.HealthDegraded, res.Status)

	res = HTTPProbe{URL: srv.URL + "/down"}.Check(ctx)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Error(t, res.Err)
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := HTTPProbe{URL: url}.Check(context.Background())
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Error(t, res.Err)
}

func TestGRPCProbe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("auth", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("worker", healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auth := NewGRPCProbe(lis.Addr().String(), "auth")
	defer auth.Close()
	res := auth.Check(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, domain.HealthHealthy, res.Status)
	assert.Equal(t, "SERVING", res.Details["serving_status"])

	worker := NewGRPCProbe(lis.Addr().String(), "worker")
	defer worker.Close()
	assert.Equal(t, domain.HealthUnhealthy, worker.Check(ctx).Status)

	unknown := NewGRPCProbe(lis.Addr().String(), "nope")
	defer unknown.Close()
	res = unknown.Check(ctx)
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.Error(t, res.Err)
}

func TestMemoryProbe(t *testing.T) {
	tests := []struct {
		used float64
		want domain.HealthStatus
	}{
		{40, domain.HealthHealthy},
		{85, domain.HealthDegraded},
		{97, domain.HealthUnhealthy},
	}

	for _, tt := range tests {
		p := NewMemoryProbe(80, 95)
		p.read = func(context.Context) (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{UsedPercent: tt.used}, nil
		}
		res := p.Check(context.Background())
		assert.Equal(t, tt.want, res.Status, "used %.0f%%", tt.used)
		assert.Equal(t, tt.used, res.Details["used_percent"])
	}
}

func TestMemoryProbe_ReadError(t *testing.T) {
	p := NewMemoryProbe(80, 95)
	p.read = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return nil, errors.New("no /proc")
	}
	res := p.Check(context.Background())
	assert.Equal(t, domain.HealthUnknown, res.Status)
	assert.Error(t, res.Err)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingProbe(t *testing.T) {
	ok := PingProbe(pingFunc(func(context.Context) error { return nil }))
	assert.Equal(t, domain.HealthHealthy, ok.Check(context.Background()).Status)

	down := PingProbe(pingFunc(func(context.Context) error { return errors.New("closed") }))
	res := down.Check(context.Background())
	assert.Equal(t, domain.HealthUnhealthy, res.Status)
	assert.EqualError(t, res.Err, "closed")
}
