package config

import (
	"fmt"
	"regexp"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/phase"
)

// Definition converts the phase config into a phase definition.
func (p PhaseConfig) Definition() (phase.Definition, error) {
	policy, err := p.Retry.Policy()
	if err != nil {
		return phase.Definition{}, fmt.Errorf("phase %s: %w", p.ID, err)
	}
	return phase.Definition{
		ID:       p.ID,
		Critical: p.Critical,
		Required: p.Requires,
		Optional: p.Optional,
		Blocking: p.Blocking,
		Timeout:  p.Timeout,
		Retry:    policy,
	}, nil
}

// Policy converts the retry config into a retry policy.
func (r RetryConfig) Policy() (phase.RetryPolicy, error) {
	backoff, err := phase.ParseBackoff(r.Backoff)
	if err != nil {
		return phase.RetryPolicy{}, err
	}
	policy := phase.RetryPolicy{
		MaxRetries: r.MaxRetries,
		Backoff:    backoff,
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
	}

	if len(r.Categories) == 0 && r.Pattern == "" && r.MaxConsecutiveFailures == 0 {
		return policy, nil
	}

	cond := phase.RetryCondition{MaxConsecutiveFailures: r.MaxConsecutiveFailures}
	for _, c := range r.Categories {
		cond.Categories = append(cond.Categories, domain.ErrorCategory(c))
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return phase.RetryPolicy{}, fmt.Errorf("invalid retry pattern: %w", err)
		}
		cond.Pattern = re
	}
	policy.Conditions = []phase.RetryCondition{cond}
	return policy, nil
}

// Phase roles.
const (
	RoleAuth    = "auth"
	RoleUIMount = "ui-mount"
)

// RolePhase returns the id of the phase playing role. A phase with an
// explicit role wins; the ui-mount role otherwise falls to the first
// mount-check phase, and either role to a phase whose id equals the role.
// It returns "" when no phase matches.
func (c *AppConfig) RolePhase(role string) string {
	for _, p := range c.Phases {
		if p.Role == role {
			return p.ID
		}
	}
	if role == RoleUIMount {
		for _, p := range c.Phases {
			if p.Role == "" && p.Body.Kind == "mount-check" {
				return p.ID
			}
		}
	}
	for _, p := range c.Phases {
		if p.Role == "" && p.ID == role {
			return p.ID
		}
	}
	return ""
}
