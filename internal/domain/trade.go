package domain

import "time"

// Trade is the settlement record for one rotation, executed as one or more
// exchange legs. Its aggregate amounts and commission are composed from its
// ordered steps.
type Trade struct {
	ID         int64
	BotID      int64
	AttemptID  string // locally generated idempotency key for exchange calls
	FromCoin   string
	ToCoin     string
	FromAmount float64
	ToAmount   float64 // equals the last completed step's ToAmount
	Commission float64
	Status     TradeStatus
	ExecutedAt time.Time
	Steps      []*TradeStep
}

// Completed reports whether every step completed and none failed. A trade
// with zero steps is never completed.
func (t *Trade) Completed() bool {
	if len(t.Steps) == 0 {
		return false
	}
	for _, step := range t.Steps {
		if step.Status != TradeStatusCompleted {
			return false
		}
	}
	return true
}

// TradeStep is one ordered exchange-facing leg of a trade.
type TradeStep struct {
	ID              int64
	TradeID         int64
	Seq             int
	FromCoin        string
	ToCoin          string
	FromAmount      float64
	ToAmount        float64
	Price           float64
	Commission      float64
	Status          TradeStatus
	ExternalTradeID string
	RawPayload      string // raw execution payload for reconciliation
	ExecutedAt      time.Time
}

// Settlement bundles everything one settlement commit writes atomically:
// the trade with its steps, plus the bot and snapshot state advances. Bot is
// nil when the bot's coin state must not move (failed or partial execution).
type Settlement struct {
	Trade     *Trade
	Bot       *Bot
	Snapshots []*CoinSnapshot
	Units     []*CoinUnitTracker
}
