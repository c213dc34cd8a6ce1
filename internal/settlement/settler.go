package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"coinrotator/internal/decision"
	"coinrotator/internal/domain"
	"coinrotator/internal/locks"
	"coinrotator/internal/ports"
	"coinrotator/internal/snapshots"
)

// Settler coordinates one approved rotation: lock acquisition, exchange
// execution, and the single-transaction persistence of the trade with its
// steps and the bot/snapshot advances. The lock is released on every exit
// path; exchange-side execution and local commit are not atomic with each
// other, which is why failed and partial trades are persisted as-is for
// reconciliation.
type Settler struct {
	locks        *locks.Manager
	executor     ports.ExchangeExecutor
	trades       ports.TradeRepository
	decisions    ports.DecisionRepository
	store        *snapshots.Store
	logger       ports.Logger
	lockTTL      time.Duration
	newAttemptID func() string
}

// Config holds configuration for the settler.
type Config struct {
	Locks     *locks.Manager
	Executor  ports.ExchangeExecutor
	Trades    ports.TradeRepository
	Decisions ports.DecisionRepository
	Store     *snapshots.Store
	Logger    ports.Logger
	// LockTTL bounds how long a settlement may hold a coin. It must exceed
	// realistic exchange round-trip latency with margin.
	LockTTL time.Duration
	// NewAttemptID overrides the idempotency key generator, for tests.
	NewAttemptID func() string
}

// NewSettler creates a new trade settler.
func NewSettler(cfg Config) (*Settler, error) {
	if cfg.Locks == nil || cfg.Executor == nil || cfg.Trades == nil || cfg.Decisions == nil ||
		cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for settler")
	}
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("settlement lock TTL must be positive")
	}
	newID := cfg.NewAttemptID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Settler{
		locks:        cfg.Locks,
		executor:     cfg.Executor,
		trades:       cfg.Trades,
		decisions:    cfg.Decisions,
		store:        cfg.Store,
		logger:       cfg.Logger,
		lockTTL:      cfg.LockTTL,
		newAttemptID: newID,
	}, nil
}

// Settle executes an approved rotation for the bot. On success the returned
// trade is completed and the bot's coin state has advanced. On failure the
// trade (if any was persisted) is returned alongside an error wrapping one
// of ports.ErrLockContention, ErrExchangeRejected, ErrPartialExecution or
// ErrPersistenceFailed; the bot's coin state is never advanced past the
// last completed step.
func (s *Settler) Settle(ctx context.Context, bot *domain.Bot, prop *decision.Proposal) (*domain.Trade, error) {
	op := "Settle"

	// 1. Lease the coin for the full holding before touching the exchange.
	lock, err := s.locks.Acquire(ctx, bot.AccountScope, bot.ID, prop.FromCoin, prop.Amount, domain.LockReasonSwap, s.lockTTL)
	if err != nil {
		if errors.Is(err, ports.ErrAlreadyLocked) {
			s.recordMissed(ctx, bot, prop, domain.MissReasonLockContention, err.Error())
			return nil, fmt.Errorf("%s: %s held by concurrent settlement: %w", op, prop.FromCoin, ports.ErrLockContention)
		}
		return nil, fmt.Errorf("%s: lock acquisition failed: %w", op, err)
	}
	// The release path must run even when the tick's context is already
	// canceled, so it uses a fresh context.
	defer func() {
		if rerr := s.locks.Release(context.Background(), lock.ID, bot.AccountScope); rerr != nil {
			s.logger.Error(context.Background(), rerr, op+": failed to release asset lock", map[string]interface{}{
				"lockID": lock.ID, "coin": prop.FromCoin})
		}
	}()

	// 2. Execute on the exchange. The attempt id keys every leg's client
	// order id so a retried settlement cannot double-execute.
	attemptID := s.newAttemptID()
	s.logger.Info(ctx, op+": executing conversion", map[string]interface{}{
		"botID": bot.ID, "from": prop.FromCoin, "to": prop.ToCoin, "amount": prop.Amount, "attemptID": attemptID})
	legs, execErr := s.executor.Execute(ctx, bot.AccountScope, prop.FromCoin, prop.ToCoin, prop.Amount, attemptID)

	trade := s.buildTrade(bot, prop, attemptID, legs, execErr)

	// 3-4. Persist the trade and, on full success only, the bot/snapshot
	// advances, all in one transaction.
	res := &domain.Settlement{Trade: trade}
	var updated domain.Bot
	var advErr error
	if execErr == nil && len(legs) > 0 {
		updated = *bot
		if advErr = s.prepareAdvance(ctx, bot, &updated, prop, trade, res); advErr != nil {
			// The conversion already executed, so the trade must still be
			// committed; the coin state stays frozen for reconciliation.
			s.logger.Error(ctx, advErr, op+": advance preparation failed, committing trade without advance", map[string]interface{}{
				"botID": bot.ID, "attemptID": attemptID})
			res.Bot = nil
			res.Snapshots = nil
			res.Units = nil
		} else {
			res.Bot = &updated
		}
	}

	if _, err := s.trades.CommitSettlement(ctx, res); err != nil {
		// The exchange-side effect may already exist; this state requires
		// reconciliation against exchange history, not a blind retry.
		s.logger.Error(ctx, err, op+": settlement commit failed, reconciliation required", map[string]interface{}{
			"botID": bot.ID, "attemptID": attemptID, "execFailed": execErr != nil})
		return nil, fmt.Errorf("%s: commit for attempt %s: %w", op, attemptID, ports.ErrPersistenceFailed)
	}

	if advErr != nil {
		return trade, fmt.Errorf("%s: advance for attempt %s: %v: %w", op, attemptID, advErr, ports.ErrPersistenceFailed)
	}

	if execErr != nil {
		if len(legs) == 0 {
			s.logger.Warn(ctx, op+": exchange rejected conversion", map[string]interface{}{
				"botID": bot.ID, "tradeID": trade.ID, "error": execErr.Error()})
			return trade, fmt.Errorf("%s: %v: %w", op, execErr, ports.ErrExchangeRejected)
		}
		s.logger.Error(ctx, execErr, op+": multi-step execution failed partway, reconciliation required", map[string]interface{}{
			"botID": bot.ID, "tradeID": trade.ID, "completedSteps": len(legs)})
		return trade, fmt.Errorf("%s: %d steps completed before failure: %w", op, len(legs), ports.ErrPartialExecution)
	}

	// 5. Advance the in-memory bot only after the commit succeeded.
	*bot = updated
	s.logger.Info(ctx, op+": rotation settled", map[string]interface{}{
		"botID": bot.ID, "tradeID": trade.ID, "from": trade.FromCoin, "to": trade.ToCoin,
		"toAmount": trade.ToAmount, "commission": trade.Commission})
	return trade, nil
}

// buildTrade assembles the trade and its ordered steps from the executed
// legs. When execution failed after completing earlier legs, a synthetic
// failed step records the leg that did not complete.
func (s *Settler) buildTrade(bot *domain.Bot, prop *decision.Proposal, attemptID string, legs []ports.ExecutionLeg, execErr error) *domain.Trade {
	now := time.Now().UTC()
	trade := &domain.Trade{
		BotID:      bot.ID,
		AttemptID:  attemptID,
		FromCoin:   prop.FromCoin,
		ToCoin:     prop.ToCoin,
		FromAmount: prop.Amount,
		Status:     domain.TradeStatusCompleted,
		ExecutedAt: now,
	}

	for i, leg := range legs {
		executedAt := leg.ExecutedAt
		if executedAt.IsZero() {
			executedAt = now
		}
		trade.Steps = append(trade.Steps, &domain.TradeStep{
			Seq:             i + 1,
			FromCoin:        leg.FromCoin,
			ToCoin:          leg.ToCoin,
			FromAmount:      leg.FromAmount,
			ToAmount:        leg.ToAmount,
			Price:           leg.Price,
			Commission:      leg.Commission,
			Status:          domain.TradeStatusCompleted,
			ExternalTradeID: leg.ExternalTradeID,
			RawPayload:      leg.RawPayload,
			ExecutedAt:      executedAt,
		})
		trade.Commission += s.commissionInRef(bot, prop, leg)
	}

	if execErr != nil {
		trade.Status = domain.TradeStatusFailed
		failedFrom := prop.FromCoin
		failedAmount := prop.Amount
		if n := len(legs); n > 0 {
			failedFrom = legs[n-1].ToCoin
			failedAmount = legs[n-1].ToAmount
		}
		trade.Steps = append(trade.Steps, &domain.TradeStep{
			Seq:        len(legs) + 1,
			FromCoin:   failedFrom,
			ToCoin:     prop.ToCoin,
			FromAmount: failedAmount,
			Status:     domain.TradeStatusFailed,
			RawPayload: execErr.Error(),
			ExecutedAt: now,
		})
		return trade
	}

	if n := len(legs); n > 0 {
		trade.ToAmount = legs[n-1].ToAmount
	} else {
		// An executor returning no legs and no error is a contract breach.
		trade.Status = domain.TradeStatusFailed
	}
	return trade
}

// commissionInRef converts a leg's commission (quoted in its to-coin) into
// reference-coin units using the proposal's prices.
func (s *Settler) commissionInRef(bot *domain.Bot, prop *decision.Proposal, leg ports.ExecutionLeg) float64 {
	switch leg.ToCoin {
	case bot.ReferenceCoin:
		return leg.Commission
	case prop.ToCoin:
		return leg.Commission * prop.ToPrice
	case prop.FromCoin:
		return leg.Commission * prop.FromPrice
	default:
		return leg.Commission
	}
}

// prepareAdvance builds the bot and snapshot state for a fully completed
// rotation: the from-coin empties and re-baselines, the to-coin becomes the
// holding with a fresh baseline at the executed price, and the peak ratchets
// on the post-commission value of the new holding.
func (s *Settler) prepareAdvance(ctx context.Context, bot, updated *domain.Bot, prop *decision.Proposal, trade *domain.Trade, res *domain.Settlement) error {
	fromSnap, err := s.store.Snapshot(ctx, bot, prop.FromCoin)
	if err != nil {
		return err
	}
	if fromSnap == nil {
		fromSnap = &domain.CoinSnapshot{BotID: bot.ID, Coin: prop.FromCoin, ResetEpoch: bot.ResetEpoch}
	}
	fromSnap.SnapshotPrice = prop.FromPrice
	fromSnap.UnitsHeld = 0
	fromSnap.RefValue = 0

	toSnap, err := s.store.Snapshot(ctx, bot, prop.ToCoin)
	if err != nil {
		return err
	}
	if toSnap == nil {
		toSnap = &domain.CoinSnapshot{BotID: bot.ID, Coin: prop.ToCoin, ResetEpoch: bot.ResetEpoch}
	}
	toSnap.SnapshotPrice = prop.ToPrice
	toSnap.UnitsHeld = trade.ToAmount
	toSnap.RefValue = trade.ToAmount * prop.ToPrice
	toSnap.WasEverHeld = true
	toSnap.MaxUnitsReached = math.Max(toSnap.MaxUnitsReached, trade.ToAmount)

	updated.CurrentCoin = prop.ToCoin
	updated.TotalCommissionsPaid += trade.Commission
	// The peak tracks the same post-commission valuation the protection
	// floor is checked against, so a settled swap at unchanged prices can
	// never sit below its own floor on the next tick.
	updated.GlobalPeakValue = math.Max(updated.GlobalPeakValue, toSnap.RefValue*(1-bot.CommissionRate))

	res.Snapshots = []*domain.CoinSnapshot{fromSnap, toSnap}
	res.Units = []*domain.CoinUnitTracker{
		{BotID: bot.ID, Coin: prop.FromCoin, Units: 0},
		{BotID: bot.ID, Coin: prop.ToCoin, Units: trade.ToAmount},
	}
	return nil
}

func (s *Settler) recordMissed(ctx context.Context, bot *domain.Bot, prop *decision.Proposal, reason domain.MissReason, detail string) {
	missed := &domain.MissedTrade{
		BotID:     bot.ID,
		FromCoin:  prop.FromCoin,
		ToCoin:    prop.ToCoin,
		FromPrice: prop.FromPrice,
		ToPrice:   prop.ToPrice,
		Reason:    reason,
		Detail:    detail,
	}
	if _, err := s.decisions.CreateMissedTrade(ctx, missed); err != nil {
		s.logger.Error(ctx, err, "Failed to record missed trade", map[string]interface{}{"botID": bot.ID, "reason": reason})
	}
}
