package domain

// Priority orders resource requests. Each priority has its own concurrency ceiling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from most to least important.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// NetworkQuality is the measured or hinted connection tier.
type NetworkQuality string

const (
	NetworkFast     NetworkQuality = "fast"
	NetworkModerate NetworkQuality = "moderate"
	NetworkSlow     NetworkQuality = "slow"
	NetworkOffline  NetworkQuality = "offline"
)

// Rank returns 0 for fast up to 3 for offline.
func (q NetworkQuality) Rank() int {
	switch q {
	case NetworkFast:
		return 0
	case NetworkModerate:
		return 1
	case NetworkSlow:
		return 2
	case NetworkOffline:
		return 3
	default:
		return 1
	}
}
