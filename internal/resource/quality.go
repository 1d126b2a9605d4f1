package resource

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/platform"
)

// Probe latency bands.
const (
	fastProbeLatency     = 300 * time.Millisecond
	moderateProbeLatency = time.Second
	probeTimeout         = 5 * time.Second
)

// QualityFromHint maps a host connection hint onto a quality tier.
func QualityFromHint(h *platform.ConnectionHint) domain.NetworkQuality {
	switch t := strings.ToLower(h.Type); {
	case t == "offline" || t == "none":
		return domain.NetworkOffline
	case t == "4g" || t == "wifi" || t == "ethernet" || h.DownlinkMbps >= 5:
		return domain.NetworkFast
	case t == "3g" || h.DownlinkMbps >= 1.5:
		return domain.NetworkModerate
	default:
		return domain.NetworkSlow
	}
}

// QualityFromLatency maps a probe round trip onto a quality tier.
func QualityFromLatency(d time.Duration) domain.NetworkQuality {
	switch {
	case d < fastProbeLatency:
		return domain.NetworkFast
	case d < moderateProbeLatency:
		return domain.NetworkModerate
	default:
		return domain.NetworkSlow
	}
}

// Prober measures network quality with a timed HEAD request. Probes are paced
// by a token bucket; when throttled the previous measurement is returned.
type Prober struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter

	mu   sync.Mutex
	last domain.NetworkQuality
}

// NewProber creates a Prober allowing perMinute probes (burst 1).
func NewProber(url string, perMinute int) *Prober {
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Prober{
		url:     url,
		client:  &http.Client{Timeout: probeTimeout},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		last:    domain.NetworkModerate,
	}
}

// Measure probes the network, or returns the last result when throttled.
func (p *Prober) Measure(ctx context.Context) domain.NetworkQuality {
	if !p.limiter.Allow() {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.last
	}

	q := p.probe(ctx)
	p.mu.Lock()
	p.last = q
	p.mu.Unlock()
	return q
}

func (p *Prober) probe(ctx context.Context) domain.NetworkQuality {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return domain.NetworkOffline
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.NetworkOffline
	}
	_ = resp.Body.Close()
	return QualityFromLatency(time.Since(start))
}
