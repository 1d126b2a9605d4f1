package domain

import "time"

// RunRecord is the persisted summary of one boot run.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Mode       Mode
	Success    bool
	Aborted    bool
	ErrorCount int
	Phases     []PhaseRecord
}

// PhaseRecord is the final state of one phase within a run.
type PhaseRecord struct {
	RunID    string
	PhaseID  string
	Status   PhaseStatus
	Attempts int
	Duration time.Duration
	Error    string
}
