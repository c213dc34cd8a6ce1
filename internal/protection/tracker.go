package protection

import (
	"math"

	"coinrotator/internal/domain"
)

// Tracker implements the global drawdown guard: it derives a minimum
// acceptable portfolio value from the bot's historical peak and decides
// whether a prospective rotation would realize a value below that floor.
// Net values are always post-commission; the peak ratchet uses the same
// definition so the floor and the ratchet can never disagree.
type Tracker struct{}

// NewTracker creates a new protection tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Check is the result of one protection evaluation.
type Check struct {
	NetValue   float64 // post-commission value in reference units
	Floor      float64 // minimum acceptable value derived from the peak
	PeakBefore float64
	PeakAfter  float64 // ratcheted peak; equals PeakBefore when Triggered
	Triggered  bool
}

// Evaluate computes the post-commission net value of units at priceInRef and
// compares it against the floor. The peak only moves up, and only when the
// floor is not breached; an explicit reset is the sole way down.
func (t *Tracker) Evaluate(bot *domain.Bot, units, priceInRef float64) Check {
	netValue := units * priceInRef * (1 - bot.CommissionRate)
	floor := bot.GlobalPeakValue * (1 - bot.GlobalThresholdPct/100)

	c := Check{
		NetValue:   netValue,
		Floor:      floor,
		PeakBefore: bot.GlobalPeakValue,
		PeakAfter:  bot.GlobalPeakValue,
	}
	if bot.GlobalPeakValue > 0 && netValue < floor {
		c.Triggered = true
		return c
	}
	c.PeakAfter = math.Max(bot.GlobalPeakValue, netValue)
	return c
}

// Apply writes the ratcheted peak back onto the bot.
func (t *Tracker) Apply(bot *domain.Bot, c Check) {
	bot.GlobalPeakValue = c.PeakAfter
}
