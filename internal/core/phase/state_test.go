package phase

import (
	"testing"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{domain.PhaseStatusPending, domain.PhaseStatusRunning, true},
		{domain.PhaseStatusRunning, domain.PhaseStatusCompleted, true},
		{domain.PhaseStatusRunning, domain.PhaseStatusFailed, true},
		{domain.PhaseStatusFailed, domain.PhaseStatusSkipped, true},
		{domain.PhaseStatusCompleted, domain.PhaseStatusRolledBack, true},
		{domain.PhaseStatusCompleted, domain.PhaseStatusRunning, false},
		{domain.PhaseStatusFailed, domain.PhaseStatusRolledBack, false},
		{domain.PhaseStatusRolledBack, domain.PhaseStatusRunning, false},
		{domain.PhaseStatusSkipped, domain.PhaseStatusCompleted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_IsValid(t *testing.T) {
	tr := NewTransition(domain.PhaseStatusPending, domain.PhaseStatusRunning, 1, "start")
	if !tr.IsValid() {
		t.Error("pending -> running should be valid")
	}
	if StatusDescription(domain.PhaseStatusRolledBack) == "Unknown status" {
		t.Error("rolled_back should have a description")
	}
}
