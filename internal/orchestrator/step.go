package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/phase"
)

// FallbackStrategy is what the orchestrator does once a phase has failed and
// every local recovery (strategies, retry policy) is exhausted.
type FallbackStrategy string

const (
	// FallbackRetry means retries were the plan; once exhausted the run
	// continues in limited mode with the phase left failed.
	FallbackRetry FallbackStrategy = "retry-with-backoff"
	// FallbackSkip marks the phase skipped and continues in limited mode.
	FallbackSkip FallbackStrategy = "skip-phase"
	// FallbackDegraded continues in limited mode with the phase left failed.
	FallbackDegraded FallbackStrategy = "degraded-mode"
	// FallbackEmergency switches to recovery mode, rolls back the last
	// completed phase and aborts the rest of the sequence.
	FallbackEmergency FallbackStrategy = "emergency-recovery"
)

// ErrUnknownFallback is returned by ParseFallback.
var ErrUnknownFallback = errors.New("unknown fallback strategy")

// ParseFallback converts a config value. Empty selects the default for the phase.
func ParseFallback(s string) (FallbackStrategy, error) {
	switch f := FallbackStrategy(s); f {
	case "", FallbackRetry, FallbackSkip, FallbackDegraded, FallbackEmergency:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFallback, s)
	}
}

// BodyResult is what a phase body reports.
type BodyResult struct {
	Success bool
	// Mode optionally narrows the run mode even on success.
	Mode     domain.Mode
	Errors   []error
	Metadata map[string]any
}

// Body is the opaque work of a phase. It must honor ctx cancellation.
type Body func(ctx context.Context) BodyResult

// Step binds a phase definition to its body and failure handling.
type Step struct {
	Definition phase.Definition
	Body       Body
	// Fallback defaults to emergency recovery for critical phases and to
	// skipping for the rest.
	Fallback FallbackStrategy
	// Rollback optionally undoes the phase during an emergency unwind.
	Rollback phase.RollbackHandler
}

// ID returns the phase id.
func (s Step) ID() string { return s.Definition.ID }

// EffectiveFallback returns Fallback or the default for the phase.
func (s Step) EffectiveFallback() FallbackStrategy {
	if s.Fallback != "" {
		return s.Fallback
	}
	if s.Definition.Critical {
		return FallbackEmergency
	}
	return FallbackSkip
}
