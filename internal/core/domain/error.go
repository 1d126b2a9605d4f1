package domain

import "strings"

// ErrorCategory groups startup failures by the subsystem that produced them.
type ErrorCategory string

const (
	CategoryNetwork          ErrorCategory = "network"
	CategoryAuth             ErrorCategory = "auth"
	CategoryCache            ErrorCategory = "cache"
	CategoryBackgroundWorker ErrorCategory = "background-worker"
	CategoryScript           ErrorCategory = "script"
	CategoryStorage          ErrorCategory = "storage"
	CategoryManifest         ErrorCategory = "manifest"
	CategoryJavaScript       ErrorCategory = "javascript"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Severity is ordered: a higher value is more severe.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a severity name into a Severity. Unknown names map to low.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}
