package decision

import (
	"context"
	"fmt"

	"coinrotator/internal/ports"
)

// FallbackOracle tries a secondary price source when the primary fails.
type FallbackOracle struct {
	primary   ports.PriceOracle
	secondary ports.PriceOracle
	logger    ports.Logger
}

// NewFallbackOracle composes two oracles. secondary may be nil, in which
// case the primary's errors pass through untouched.
func NewFallbackOracle(primary, secondary ports.PriceOracle, logger ports.Logger) (*FallbackOracle, error) {
	if primary == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for fallback oracle")
	}
	return &FallbackOracle{primary: primary, secondary: secondary, logger: logger}, nil
}

// GetPrice implements ports.PriceOracle.
func (o *FallbackOracle) GetPrice(ctx context.Context, coin, quoteCoin string) (*ports.PriceQuote, error) {
	quote, err := o.primary.GetPrice(ctx, coin, quoteCoin)
	if err == nil {
		return quote, nil
	}
	if o.secondary == nil {
		return nil, err
	}
	o.logger.Warn(ctx, "Primary price source failed, trying secondary", map[string]interface{}{
		"coin": coin, "quote": quoteCoin, "error": err.Error()})
	quote, serr := o.secondary.GetPrice(ctx, coin, quoteCoin)
	if serr != nil {
		return nil, fmt.Errorf("primary: %v; secondary: %w", err, serr)
	}
	return quote, nil
}
