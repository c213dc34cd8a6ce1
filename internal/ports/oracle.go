package ports

import "context"

// PriceQuote is one price observation from an oracle.
type PriceQuote struct {
	Price  float64
	Source string
}

// PriceOracle supplies current prices. Implementations must be idempotent
// and side-effect-free from the core's perspective.
type PriceOracle interface {
	// GetPrice retrieves the current price of coin expressed in quoteCoin.
	// Fails with ErrPriceUnavailable when no price can be obtained.
	GetPrice(ctx context.Context, coin, quoteCoin string) (*PriceQuote, error)
}
