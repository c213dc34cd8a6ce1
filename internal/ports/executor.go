package ports

import (
	"context"
	"time"
)

// ExecutionLeg is one exchange-facing leg of a conversion. Commission is
// expressed in the leg's quote (to-coin) units.
type ExecutionLeg struct {
	FromCoin        string
	ToCoin          string
	FromAmount      float64
	ToAmount        float64
	Price           float64
	Commission      float64
	ExternalTradeID string
	RawPayload      string
	ExecutedAt      time.Time
}

// ExchangeExecutor converts one coin into another on the exchange, directly
// or via an intermediary asset. Legs completed before a failure are returned
// alongside the error so callers can persist the actual completion state.
// attemptID is a caller-generated idempotency key; executors must derive
// client order IDs from it so a retried call cannot double-execute.
type ExchangeExecutor interface {
	Execute(ctx context.Context, accountScope, fromCoin, toCoin string, amount float64, attemptID string) ([]ExecutionLeg, error)
}
