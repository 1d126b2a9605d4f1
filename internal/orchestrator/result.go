package orchestrator

import (
	"time"

	"github.com/vietddude/bootwatch/internal/core/classifier"
	"github.com/vietddude/bootwatch/internal/core/domain"
)

// PhaseReport is the final state of one phase.
type PhaseReport struct {
	ID       string
	Status   domain.PhaseStatus
	Attempts int
	Duration time.Duration
	Error    string
}

// Result summarizes a run.
type Result struct {
	RunID string
	// Success is false only in recovery mode.
	Success bool
	Mode    domain.Mode
	Errors  []*classifier.StartupError
	// Timings holds the total duration of every attempt per phase.
	Timings map[string]time.Duration
	Phases  []PhaseReport

	Completed []string
	// Failed includes phases that were skipped after failing.
	Failed     []string
	Skipped    []string
	RolledBack []string
	// NotRun lists phases never reached because the run aborted.
	NotRun []string

	// RecoveryOptions is non-empty when the run ended in recovery mode or
	// recorded a critical error.
	RecoveryOptions []domain.RecoveryAction
	Aborted         bool
	RollbackErr     error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Record converts the result into its persisted form.
func (r *Result) Record() *domain.RunRecord {
	rec := &domain.RunRecord{
		ID:         r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Mode:       r.Mode,
		Success:    r.Success,
		Aborted:    r.Aborted,
		ErrorCount: len(r.Errors),
		Phases:     make([]domain.PhaseRecord, len(r.Phases)),
	}
	for i, p := range r.Phases {
		rec.Phases[i] = domain.PhaseRecord{
			RunID:    r.RunID,
			PhaseID:  p.ID,
			Status:   p.Status,
			Attempts: p.Attempts,
			Duration: p.Duration,
			Error:    p.Error,
		}
	}
	return rec
}
