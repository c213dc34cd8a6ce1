package domain

import (
	"time"
)

// Bot holds the configuration and mutable rotation state for one bot.
// A bot rotates its whole holding between the coins in Coins, valued against
// ReferenceCoin. State fields (CurrentCoin, GlobalPeakValue,
// TotalCommissionsPaid, ResetEpoch) are mutated only through settlement and
// explicit resets.
type Bot struct {
	ID           int64
	Name         string
	AccountScope string   // exchange account shared with other bots
	Coins        []string // eligible rotation set
	CurrentCoin  string   // empty before initialization

	ReferenceCoin      string  // valuation unit (e.g. "USDT")
	ThresholdPct       float64 // minimum deviation percent to rotate
	GlobalThresholdPct float64 // drawdown floor percent below peak
	TakeProfitPct      float64 // unit-gain percent that overrides protection; 0 disables
	CommissionRate     float64 // e.g. 0.0015

	GlobalPeakValue      float64 // reference-coin units, monotonic except reset
	TotalCommissionsPaid float64
	ResetEpoch           int

	TickInterval time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasCoin reports whether coin is in the bot's eligible rotation set.
func (b *Bot) HasCoin(coin string) bool {
	for _, c := range b.Coins {
		if c == coin {
			return true
		}
	}
	return false
}

// Candidates returns the eligible target coins, i.e. every configured coin
// except the one currently held.
func (b *Bot) Candidates() []string {
	out := make([]string, 0, len(b.Coins))
	for _, c := range b.Coins {
		if c != b.CurrentCoin {
			out = append(out, c)
		}
	}
	return out
}
