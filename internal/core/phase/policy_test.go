package phase

import (
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"linear 1", RetryPolicy{Backoff: BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 1, 100 * time.Millisecond},
		{"linear 3", RetryPolicy{Backoff: BackoffLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 3, 300 * time.Millisecond},
		{"linear capped", RetryPolicy{Backoff: BackoffLinear, BaseDelay: 400 * time.Millisecond, MaxDelay: time.Second}, 5, time.Second},
		{"exponential 1", RetryPolicy{Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}, 1, 100 * time.Millisecond},
		{"exponential 4", RetryPolicy{Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}, 4, 800 * time.Millisecond},
		{"exponential capped", RetryPolicy{Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"fixed", RetryPolicy{Backoff: BackoffFixed, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second}, 7, 250 * time.Millisecond},
		{"attempt zero treated as one", RetryPolicy{Backoff: BackoffExponential, BaseDelay: 100 * time.Millisecond}, 0, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_ExponentialMonotonic(t *testing.T) {
	bases := []time.Duration{time.Millisecond, 37 * time.Millisecond, 500 * time.Millisecond, 3 * time.Second}
	maxes := []time.Duration{50 * time.Millisecond, time.Second, time.Minute}

	for _, base := range bases {
		for _, maxDelay := range maxes {
			p := RetryPolicy{Backoff: BackoffExponential, BaseDelay: base, MaxDelay: maxDelay}
			prev := time.Duration(0)
			for attempt := 1; attempt <= 80; attempt++ {
				got := p.Delay(attempt)
				want := maxDelay
				if f := float64(base) * math.Pow(2, float64(attempt-1)); f < float64(maxDelay) {
					want = time.Duration(f)
				}
				if got != want {
					t.Fatalf("base=%v max=%v attempt=%d: got %v, want %v", base, maxDelay, attempt, got, want)
				}
				if got < prev {
					t.Fatalf("base=%v max=%v attempt=%d: delay decreased %v -> %v", base, maxDelay, attempt, prev, got)
				}
				prev = got
			}
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	netErr := []*classifier.StartupError{{Category: domain.CategoryNetwork, Message: "timeout"}}
	authErr := []*classifier.StartupError{{Category: domain.CategoryAuth, Message: "401 unauthorized"}}

	tests := []struct {
		name        string
		policy      RetryPolicy
		attempt     int
		errs        []*classifier.StartupError
		consecutive int
		want        bool
	}{
		{"below max no conditions", RetryPolicy{MaxRetries: 3}, 1, netErr, 1, true},
		{"at max", RetryPolicy{MaxRetries: 3}, 3, netErr, 3, false},
		{"zero retries", RetryPolicy{MaxRetries: 0}, 1, netErr, 1, false},
		{
			"category matches",
			RetryPolicy{MaxRetries: 3, Conditions: []RetryCondition{{Categories: []domain.ErrorCategory{domain.CategoryNetwork}}}},
			1, netErr, 1, true,
		},
		{
			"category mismatch",
			RetryPolicy{MaxRetries: 3, Conditions: []RetryCondition{{Categories: []domain.ErrorCategory{domain.CategoryNetwork}}}},
			1, authErr, 1, false,
		},
		{
			"pattern matches",
			RetryPolicy{MaxRetries: 3, Conditions: []RetryCondition{{Pattern: regexp.MustCompile(`(?i)unauthorized`)}}},
			1, authErr, 1, true,
		},
		{
			"consecutive cap reached",
			RetryPolicy{MaxRetries: 5, Conditions: []RetryCondition{{MaxConsecutiveFailures: 2}}},
			2, netErr, 2, false,
		},
		{
			"all conditions must hold",
			RetryPolicy{MaxRetries: 5, Conditions: []RetryCondition{
				{Categories: []domain.ErrorCategory{domain.CategoryNetwork}},
				{Pattern: regexp.MustCompile(`refused`)},
			}},
			1, netErr, 1, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ShouldRetry(tt.attempt, tt.errs, tt.consecutive); got != tt.want {
				t.Errorf("ShouldRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseBackoff(t *testing.T) {
	if b, err := ParseBackoff(""); err != nil || b != BackoffExponential {
		t.Errorf("ParseBackoff(\"\") = %v, %v", b, err)
	}
	if _, err := ParseBackoff("quadratic"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
