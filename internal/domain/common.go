package domain

// LockStatus represents the lifecycle state of an asset lock.
type LockStatus string

const (
	LockStatusLocked   LockStatus = "locked"
	LockStatusReleased LockStatus = "released"
)

// TradeStatus represents the outcome of a trade or a single trade step.
type TradeStatus string

const (
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusFailed    TradeStatus = "failed"
)

// MissReason classifies why a favorable rotation was not executed.
type MissReason string

const (
	MissReasonPriceUnavailable    MissReason = "price_unavailable"
	MissReasonLockContention      MissReason = "lock_contention"
	MissReasonUnitGainRejected    MissReason = "unit_gain_rejected"
	MissReasonProtectionTriggered MissReason = "protection_triggered"
)

// LockReasonSwap is the reason recorded on locks taken for swap execution.
const LockReasonSwap = "swap_execution"
