package domain

import "time"

// BotSwapDecision is the append-only audit record of one evaluation tick.
// The three distinguishable outcomes are: not triggered (DeviationTriggered
// false), triggered but blocked (DeviationTriggered true, SwapPerformed
// false), and approved (SwapPerformed true with TradeID set).
type BotSwapDecision struct {
	ID    int64
	BotID int64

	FromCoin string
	ToCoin   string // best candidate, empty when no candidate considered

	FromPrice         float64
	ToPrice           float64
	FromSnapshotPrice float64
	ToSnapshotPrice   float64

	DeviationPct       float64
	ThresholdPct       float64
	DeviationTriggered bool

	UnitGainPct float64
	RefValue    float64 // post-commission net value in reference units

	PeakValueBefore           float64
	PeakValueAfter            float64
	GlobalProtectionTriggered bool
	TakeProfitTriggered       bool

	SwapPerformed bool
	Reason        string
	TradeID       int64 // 0 unless a swap was performed

	CreatedAt time.Time
}

// MissedTrade records an evaluation where a rotation was favorable but
// blocked. Diagnostic trail only; never read by decision logic.
type MissedTrade struct {
	ID           int64
	BotID        int64
	FromCoin     string
	ToCoin       string
	FromPrice    float64
	ToPrice      float64
	DeviationPct float64
	Reason       MissReason
	Detail       string
	CreatedAt    time.Time
}
