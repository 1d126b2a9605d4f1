package resource

import (
	"math"
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// RetryPolicy controls per-resource retries.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxBackoffDelay   time.Duration
}

// Backoff returns min(MaxBackoffDelay, BaseDelay * BackoffMultiplier^attempt)
// where attempt is 0-based.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxBackoffDelay > 0 && d > float64(p.MaxBackoffDelay) {
		return p.MaxBackoffDelay
	}
	return time.Duration(d)
}

// LoadingStrategy is the set of limits applied for one network quality tier.
type LoadingStrategy struct {
	Quality     domain.NetworkQuality
	Timeouts    map[domain.Priority]time.Duration
	Concurrency map[domain.Priority]int
	Retry       RetryPolicy
}

// DefaultStrategies returns the built-in strategy per quality tier. Timeouts
// loosen and concurrency shrinks as quality degrades; offline allows nothing.
func DefaultStrategies() map[domain.NetworkQuality]LoadingStrategy {
	return map[domain.NetworkQuality]LoadingStrategy{
		domain.NetworkFast: {
			Quality:     domain.NetworkFast,
			Timeouts:    timeouts(10*time.Second, 8*time.Second, 5*time.Second, 3*time.Second),
			Concurrency: concurrency(6, 4, 3, 2),
			Retry:       RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, BackoffMultiplier: 2, MaxBackoffDelay: 5 * time.Second},
		},
		domain.NetworkModerate: {
			Quality:     domain.NetworkModerate,
			Timeouts:    timeouts(15*time.Second, 12*time.Second, 8*time.Second, 5*time.Second),
			Concurrency: concurrency(4, 3, 2, 1),
			Retry:       RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 2, MaxBackoffDelay: 8 * time.Second},
		},
		domain.NetworkSlow: {
			Quality:     domain.NetworkSlow,
			Timeouts:    timeouts(30*time.Second, 20*time.Second, 15*time.Second, 10*time.Second),
			Concurrency: concurrency(2, 1, 1, 1),
			Retry:       RetryPolicy{MaxRetries: 4, BaseDelay: 2 * time.Second, BackoffMultiplier: 2, MaxBackoffDelay: 15 * time.Second},
		},
		domain.NetworkOffline: {
			Quality:     domain.NetworkOffline,
			Timeouts:    timeouts(5*time.Second, 5*time.Second, 5*time.Second, 5*time.Second),
			Concurrency: concurrency(0, 0, 0, 0),
			Retry:       RetryPolicy{MaxRetries: 0},
		},
	}
}

func timeouts(critical, high, medium, low time.Duration) map[domain.Priority]time.Duration {
	return map[domain.Priority]time.Duration{
		domain.PriorityCritical: critical,
		domain.PriorityHigh:     high,
		domain.PriorityMedium:   medium,
		domain.PriorityLow:      low,
	}
}

func concurrency(critical, high, medium, low int) map[domain.Priority]int {
	return map[domain.Priority]int{
		domain.PriorityCritical: critical,
		domain.PriorityHigh:     high,
		domain.PriorityMedium:   medium,
		domain.PriorityLow:      low,
	}
}
