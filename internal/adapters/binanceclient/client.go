package binanceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coinrotator/internal/ports"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements ports.PriceOracle and ports.ExchangeExecutor against the
// Binance spot API using the go-binance library. Conversions between two
// non-bridge coins are executed as two market orders through the bridge coin.
type Client struct {
	spotClient *binance.Client
	logger     ports.Logger
	bridgeCoin string
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
	// BridgeCoin is the intermediary for coin pairs without a direct market,
	// typically the reference stablecoin.
	BridgeCoin string
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.BridgeCoin == "" {
		return nil, fmt.Errorf("bridge coin is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global binance.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	return &Client{
		spotClient: client,
		logger:     cfg.Logger,
		bridgeCoin: cfg.BridgeCoin,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1013, -1100, -1101, -1102, -1103, -1104, -1106, -1111, -1121, -1131: // Filter/parameter/symbol errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrExchangeRejected
		case -2014, -2015: // API-key invalid or lacks permissions
			mappedErr = ports.ErrInvalidAPIKeys
		case -3005, -2019: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		c.logger.Error(ctx, err, "Binance API error", fields)
		return fmt.Errorf("%s: binance API error %d (%s): %w", operation, apiErr.Code, apiErr.Message, mappedErr)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn(ctx, "Binance request canceled or timed out", fields)
		return fmt.Errorf("%s: %w", operation, ports.ErrContextCanceled)
	}

	c.logger.Error(ctx, err, "Unhandled Binance client error", fields)
	return fmt.Errorf("%s: %v: %w", operation, err, ports.ErrExchangeUnavailable)
}

// --- ports.PriceOracle implementation ---

// GetPrice retrieves the current price of coin in quoteCoin units. It tries
// the direct pair first and falls back to the inverted pair.
func (c *Client) GetPrice(ctx context.Context, coin, quoteCoin string) (*ports.PriceQuote, error) {
	op := "GetPrice"
	if coin == quoteCoin {
		return &ports.PriceQuote{Price: 1.0, Source: "identity"}, nil
	}

	price, err := c.symbolPrice(ctx, coin+quoteCoin)
	if err == nil {
		return &ports.PriceQuote{Price: price, Source: "binance:" + coin + quoteCoin}, nil
	}

	inverse, ierr := c.symbolPrice(ctx, quoteCoin+coin)
	if ierr == nil && inverse > 0 {
		return &ports.PriceQuote{Price: 1 / inverse, Source: "binance:" + quoteCoin + coin + ":inverted"}, nil
	}

	herr := c.handleError(ctx, err, op)
	return nil, fmt.Errorf("no price for %s/%s (%v): %w", coin, quoteCoin, herr, ports.ErrPriceUnavailable)
}

func (c *Client) symbolPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("empty price response for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse price %q for %s: %w", prices[0].Price, symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %f for %s", price, symbol)
	}
	return price, nil
}

// --- ports.ExchangeExecutor implementation ---

// Execute converts amount of fromCoin into toCoin. A conversion touching the
// bridge coin is a single market order; anything else sells into the bridge
// and buys out of it. Completed legs are returned even when a later leg fails.
func (c *Client) Execute(ctx context.Context, accountScope, fromCoin, toCoin string, amount float64, attemptID string) ([]ports.ExecutionLeg, error) {
	op := "Execute"
	if amount <= 0 {
		return nil, fmt.Errorf("%s: amount must be positive: %w", op, ports.ErrInvalidRequest)
	}
	if fromCoin == toCoin {
		return nil, fmt.Errorf("%s: conversion from %s to itself: %w", op, fromCoin, ports.ErrInvalidRequest)
	}

	var legs []ports.ExecutionLeg

	if toCoin == c.bridgeCoin {
		leg, err := c.sell(ctx, fromCoin, amount, clientOrderID(attemptID, 1))
		if err != nil {
			return legs, err
		}
		return append(legs, *leg), nil
	}

	if fromCoin == c.bridgeCoin {
		leg, err := c.buy(ctx, toCoin, amount, clientOrderID(attemptID, 1))
		if err != nil {
			return legs, err
		}
		return append(legs, *leg), nil
	}

	sellLeg, err := c.sell(ctx, fromCoin, amount, clientOrderID(attemptID, 1))
	if err != nil {
		return legs, err
	}
	legs = append(legs, *sellLeg)

	buyLeg, err := c.buy(ctx, toCoin, sellLeg.ToAmount, clientOrderID(attemptID, 2))
	if err != nil {
		return legs, err
	}
	return append(legs, *buyLeg), nil
}

// sell places a market sell of amount units of coin against the bridge coin.
func (c *Client) sell(ctx context.Context, coin string, amount float64, orderID string) (*ports.ExecutionLeg, error) {
	symbol := coin + c.bridgeCoin
	resp, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(formatQty(amount)).
		NewClientOrderID(orderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, "sell "+symbol)
	}
	return c.buildLeg(coin, c.bridgeCoin, amount, resp, false)
}

// buy places a market buy of coin spending amount units of the bridge coin.
func (c *Client) buy(ctx context.Context, coin string, spend float64, orderID string) (*ports.ExecutionLeg, error) {
	symbol := coin + c.bridgeCoin
	resp, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(formatQty(spend)).
		NewClientOrderID(orderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, "buy "+symbol)
	}
	return c.buildLeg(c.bridgeCoin, coin, spend, resp, true)
}

// buildLeg converts an order response into an execution leg. For a buy the
// received asset is the base quantity; for a sell it is the quote proceeds.
// Commission is subtracted when the exchange charged it in the received asset.
func (c *Client) buildLeg(fromCoin, toCoin string, fromAmount float64, resp *binance.CreateOrderResponse, isBuy bool) (*ports.ExecutionLeg, error) {
	executedQty, err := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse executed quantity %q: %w", resp.ExecutedQuantity, err)
	}
	quoteQty, err := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse quote quantity %q: %w", resp.CummulativeQuoteQuantity, err)
	}
	if executedQty <= 0 {
		return nil, fmt.Errorf("order %s executed nothing: %w", resp.ClientOrderID, ports.ErrExchangeRejected)
	}

	received := quoteQty
	if isBuy {
		received = executedQty
	}

	var commission float64
	for _, fill := range resp.Fills {
		fee, err := strconv.ParseFloat(fill.Commission, 64)
		if err != nil {
			continue
		}
		if fill.CommissionAsset == toCoin {
			commission += fee
			received -= fee
		} else {
			commission += fee
		}
	}

	payload, _ := json.Marshal(resp)
	return &ports.ExecutionLeg{
		FromCoin:        fromCoin,
		ToCoin:          toCoin,
		FromAmount:      fromAmount,
		ToAmount:        received,
		Price:           quoteQty / executedQty,
		Commission:      commission,
		ExternalTradeID: strconv.FormatInt(resp.OrderID, 10),
		RawPayload:      string(payload),
		ExecutedAt:      time.UnixMilli(resp.TransactTime).UTC(),
	}, nil
}

// clientOrderID derives a per-leg idempotency key within Binance's 36-char
// limit from the settlement attempt ID.
func clientOrderID(attemptID string, seq int) string {
	compact := strings.ReplaceAll(attemptID, "-", "")
	if len(compact) > 33 {
		compact = compact[:33]
	}
	return fmt.Sprintf("%s-%d", compact, seq)
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', 8, 64)
}
