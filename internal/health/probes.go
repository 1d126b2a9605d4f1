package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// HTTPProbe GETs a URL. Non-2xx or transport errors are unhealthy; a response
// slower than DegradedAbove is degraded.
type HTTPProbe struct {
	URL           string
	DegradedAbove time.Duration
	Client        *http.Client
}

func (p HTTPProbe) Check(ctx context.Context) ProbeResult {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return ProbeResult{Status: domain.HealthUnhealthy, Err: err}
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return ProbeResult{Status: domain.HealthUnhealthy, ResponseTime: elapsed, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	details := map[string]any{"status_code": resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{
			Status:       domain.HealthUnhealthy,
			ResponseTime: elapsed,
			Details:      details,
			Err:          fmt.Errorf("%s returned %d", p.URL, resp.StatusCode),
		}
	}

	status := domain.HealthHealthy
	if p.DegradedAbove > 0 && elapsed > p.DegradedAbove {
		status = domain.HealthDegraded
	}
	return ProbeResult{Status: status, ResponseTime: elapsed, Details: details}
}

// GRPCProbe calls the standard gRPC health service.
type GRPCProbe struct {
	target  string
	service string
	opts    []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client healthpb.HealthClient
}

// NewGRPCProbe creates a probe for service at target. Without options the
// connection is plaintext.
func NewGRPCProbe(target, service string, opts ...grpc.DialOption) *GRPCProbe {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCProbe{target: target, service: service, opts: opts}
}

func (p *GRPCProbe) Check(ctx context.Context) ProbeResult {
	client, err := p.healthClient()
	if err != nil {
		return ProbeResult{Status: domain.HealthUnhealthy, Err: err}
	}

	start := time.Now()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	elapsed := time.Since(start)
	if err != nil {
		return ProbeResult{Status: domain.HealthUnhealthy, ResponseTime: elapsed, Err: err}
	}

	details := map[string]any{"serving_status": resp.GetStatus().String()}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return ProbeResult{Status: domain.HealthHealthy, ResponseTime: elapsed, Details: details}
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return ProbeResult{Status: domain.HealthUnhealthy, ResponseTime: elapsed, Details: details}
	default:
		return ProbeResult{Status: domain.HealthDegraded, ResponseTime: elapsed, Details: details}
	}
}

func (p *GRPCProbe) healthClient() (healthpb.HealthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	conn, err := grpc.NewClient(p.target, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", p.target, err)
	}
	p.conn = conn
	p.client = healthpb.NewHealthClient(conn)
	return p.client, nil
}

// Close releases the connection.
func (p *GRPCProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.client = nil, nil
	return err
}

// MemoryProbe reports host memory pressure.
type MemoryProbe struct {
	DegradedPercent  float64
	UnhealthyPercent float64

	read func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewMemoryProbe creates a probe with the given used-memory thresholds.
func NewMemoryProbe(degradedPercent, unhealthyPercent float64) *MemoryProbe {
	return &MemoryProbe{
		DegradedPercent:  degradedPercent,
		UnhealthyPercent: unhealthyPercent,
		read:             mem.VirtualMemoryWithContext,
	}
}

func (p *MemoryProbe) Check(ctx context.Context) ProbeResult {
	vm, err := p.read(ctx)
	if err != nil {
		return ProbeResult{Status: domain.HealthUnknown, Err: fmt.Errorf("failed to read memory stats: %w", err)}
	}

	details := map[string]any{
		"used_percent": vm.UsedPercent,
		"available":    vm.Available,
	}
	status := domain.HealthHealthy
	switch {
	case p.UnhealthyPercent > 0 && vm.UsedPercent >= p.UnhealthyPercent:
		status = domain.HealthUnhealthy
	case p.DegradedPercent > 0 && vm.UsedPercent >= p.DegradedPercent:
		status = domain.HealthDegraded
	}
	return ProbeResult{Status: status, Details: details}
}

// Pinger is implemented by the flag store and the history repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe is healthy while p.Ping succeeds.
func PingProbe(p Pinger) Probe {
	return ProbeFunc(func(ctx context.Context) ProbeResult {
		if err := p.Ping(ctx); err != nil {
			return ProbeResult{Status: domain.HealthUnhealthy, Err: err}
		}
		return ProbeResult{Status: domain.HealthHealthy}
	})
}
