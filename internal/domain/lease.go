package domain

import "time"

// MonitorLockType is the conceptual lock_type this engine's lease rows are
// keyed under; only one lease row exists at a time.
const MonitorLockType = "position_monitor"

// MonitorLease is the singleton row granting one reconciler instance
// exclusive rights to make state-changing calls.
type MonitorLease struct {
	LockType   string
	InstanceID string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// CheckType enumerates the audit-stream categories a MonitoringLog
// entry may belong to.
type CheckType string

const (
	CheckTypeFullVerification CheckType = "full_verification"
	CheckTypeSelectiveResync  CheckType = "selective_resync"
	CheckTypeDeviations       CheckType = "deviations"
	CheckTypeEmergencyClose   CheckType = "emergency_close"
	CheckTypeOrphanRecovered  CheckType = "orphan_recovered"
	CheckTypeSLRepair         CheckType = "sl_repair"
	CheckTypeTPRepair         CheckType = "tp_repair"
)

// LogStatus is the outcome recorded for a MonitoringLog entry.
type LogStatus string

const (
	LogStatusOK             LogStatus = "ok"
	LogStatusIssueDetected  LogStatus = "issue_detected"
	LogStatusRepaired       LogStatus = "repaired"
	LogStatusDeferred       LogStatus = "deferred"
	LogStatusManualReview   LogStatus = "needs_manual_review"
	LogStatusError          LogStatus = "error"
)

// MonitoringLog is one audit entry emitted by the reconciler.
type MonitoringLog struct {
	ID           int64
	UserID       string
	Symbol       string
	PositionID   *int64
	CheckType    CheckType
	Status       LogStatus
	Issues       []string
	ExpectedData map[string]any
	ActualData   map[string]any
	ActionsTaken []string
	CreatedAt    time.Time
}

// BannedSymbol is a per-user symbol ban written after a bracket
// placement cannot be repaired and the position has been emergency-closed.
type BannedSymbol struct {
	UserID    string
	Symbol    string
	Reason    string
	BannedAt  time.Time
}

// Credentials is what the Vault returns for a user's exchange
// account.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}
