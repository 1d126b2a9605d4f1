package domain

// PhaseStatus is the lifecycle state of a single phase execution.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusRunning    PhaseStatus = "running"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusSkipped    PhaseStatus = "skipped"
	PhaseStatusRolledBack PhaseStatus = "rolled_back"
)

// IsTerminal reports whether no further work happens for this execution.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case PhaseStatusCompleted, PhaseStatusFailed, PhaseStatusSkipped, PhaseStatusRolledBack:
		return true
	}
	return false
}

// Mode is the aggregate outcome of a boot run.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeLimited  Mode = "limited"
	ModeRecovery Mode = "recovery"
)

func (m Mode) rank() int {
	switch m {
	case ModeLimited:
		return 1
	case ModeRecovery:
		return 2
	default:
		return 0
	}
}

// Narrow returns whichever of m and other is more restrictive.
// Modes only ever narrow: full -> limited -> recovery.
func (m Mode) Narrow(other Mode) Mode {
	if other.rank() > m.rank() {
		return other
	}
	if m == "" {
		return ModeFull
	}
	return m
}
