package phase

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"time"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// ParseBackoff converts a name into a BackoffStrategy. Empty means exponential.
func ParseBackoff(s string) (BackoffStrategy, error) {
	switch BackoffStrategy(s) {
	case "":
		return BackoffExponential, nil
	case BackoffLinear, BackoffExponential, BackoffFixed:
		return BackoffStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown backoff strategy %q", s)
	}
}

// RetryCondition gates a retry. All declared conditions must hold.
type RetryCondition struct {
	// Categories the failure must belong to. Empty matches any category.
	Categories []domain.ErrorCategory
	// Pattern the failure message must match. Nil matches any message.
	Pattern *regexp.Regexp
	// MaxConsecutiveFailures caps retries after this many failures in a row.
	// Zero means no cap.
	MaxConsecutiveFailures int
}

// Satisfied reports whether one of errs matches the condition and the
// consecutive failure count is below the cap.
func (c RetryCondition) Satisfied(errs []*classifier.StartupError, consecutiveFailures int) bool {
	if c.MaxConsecutiveFailures > 0 && consecutiveFailures >= c.MaxConsecutiveFailures {
		return false
	}
	if len(c.Categories) == 0 && c.Pattern == nil {
		return true
	}
	for _, e := range errs {
		if c.matches(e) {
			return true
		}
	}
	return false
}

func (c RetryCondition) matches(e *classifier.StartupError) bool {
	if len(c.Categories) > 0 && !slices.Contains(c.Categories, e.Category) {
		return false
	}
	if c.Pattern != nil && !c.Pattern.MatchString(e.Message) {
		return false
	}
	return true
}

// RetryPolicy controls transparent phase restarts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    BackoffStrategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Conditions []RetryCondition
}

// DefaultRetryPolicy returns a conservative policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    BackoffExponential,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Delay returns min(MaxDelay, backoff(attempt)) where attempt is 1-based.
//
//	linear:      base * attempt
//	exponential: base * 2^(attempt-1)
//	fixed:       base
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	base := float64(p.BaseDelay)
	switch p.Backoff {
	case BackoffLinear:
		delay = base * float64(attempt)
	case BackoffFixed:
		delay = base
	default:
		delay = base * math.Pow(2, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a failed attempt may be retried: attempt must be
// below MaxRetries and every condition must be satisfied.
func (p RetryPolicy) ShouldRetry(
	attempt int,
	errs []*classifier.StartupError,
	consecutiveFailures int,
) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	for _, c := range p.Conditions {
		if !c.Satisfied(errs, consecutiveFailures) {
			return false
		}
	}
	return true
}
