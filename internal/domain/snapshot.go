package domain

import "time"

// CoinSnapshot is the per-(bot, coin) baseline used by deviation math.
// Exactly one row exists per (bot, coin, reset epoch); rows from earlier
// epochs are preserved for audit.
type CoinSnapshot struct {
	ID              int64
	BotID           int64
	Coin            string
	SnapshotPrice   float64 // baseline price vs the bot's reference coin
	UnitsHeld       float64
	RefValue        float64 // reference-coin equivalent of UnitsHeld
	WasEverHeld     bool
	MaxUnitsReached float64 // ratchet, never below UnitsHeld
	ResetEpoch      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CoinUnitTracker is the fast-path cache of units held per (bot, coin).
// It is written by the same writer as CoinSnapshot and equals the active
// snapshot's UnitsHeld at every quiescent point.
type CoinUnitTracker struct {
	ID        int64
	BotID     int64
	Coin      string
	Units     float64
	UpdatedAt time.Time
}
