package domain

// StrategyAction is what a phase recovery strategy does about a failure.
type StrategyAction string

const (
	StrategyRetry     StrategyAction = "retry"
	StrategySkip      StrategyAction = "skip"
	StrategyRollback  StrategyAction = "rollback"
	StrategyFallback  StrategyAction = "fallback"
	StrategyEmergency StrategyAction = "emergency"
)

// RecoveryAction is a remediation that can be triggered automatically by a
// health trigger or manually by the user.
type RecoveryAction string

const (
	ActionClearCache       RecoveryAction = "clear-cache"
	ActionReRegister       RecoveryAction = "re-register"
	ActionSafeMode         RecoveryAction = "safe-mode"
	ActionEmergencyMode    RecoveryAction = "emergency-mode"
	ActionFullReset        RecoveryAction = "full-reset"
	ActionReloadPage       RecoveryAction = "reload-page"
	ActionRestartComponent RecoveryAction = "restart-component"
)

// UserRecoveryActions are offered whenever a run ends in recovery mode or
// records a critical error.
var UserRecoveryActions = []RecoveryAction{
	ActionClearCache,
	ActionReRegister,
	ActionSafeMode,
	ActionFullReset,
}

// IsValid reports whether a is a known recovery action.
func (a RecoveryAction) IsValid() bool {
	switch a {
	case ActionClearCache, ActionReRegister, ActionSafeMode, ActionEmergencyMode,
		ActionFullReset, ActionReloadPage, ActionRestartComponent:
		return true
	}
	return false
}
