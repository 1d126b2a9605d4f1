package domain

// HealthStatus is the state reported by a component probe.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Rank orders statuses so that the worst one compares highest.
func (s HealthStatus) Rank() int {
	switch s {
	case HealthHealthy:
		return 1
	case HealthDegraded:
		return 2
	case HealthUnhealthy:
		return 3
	default:
		return 0
	}
}
