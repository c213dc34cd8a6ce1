package decision

import (
	"context"
	"fmt"
	"sort"

	"coinrotator/internal/domain"
	"coinrotator/internal/ports"
	"coinrotator/internal/protection"
	"coinrotator/internal/snapshots"
)

// Proposal is an approved rotation handed to settlement.
type Proposal struct {
	FromCoin  string
	ToCoin    string
	Amount    float64 // full holding of FromCoin
	FromPrice float64 // reference-coin price of FromCoin
	ToPrice   float64 // reference-coin price of ToCoin
	Reason    string
}

// Config holds the engine's tunables.
type Config struct {
	// UnitGainTolerancePct is how far below its historical unit baseline a
	// rotation may land before being rejected despite favorable deviation.
	UnitGainTolerancePct float64
}

// Engine evaluates, once per tick, whether a bot should rotate coins. Each
// evaluation that completes produces exactly one BotSwapDecision (persisted
// by the caller once the settlement outcome is known); blocked-but-favorable
// evaluations additionally leave a MissedTrade.
type Engine struct {
	cfg       Config
	oracle    ports.PriceOracle
	store     *snapshots.Store
	tracker   *protection.Tracker
	botRepo   ports.BotRepository
	decisions ports.DecisionRepository
	logger    ports.Logger
}

// NewEngine creates a new decision engine.
func NewEngine(cfg Config, oracle ports.PriceOracle, store *snapshots.Store, tracker *protection.Tracker,
	botRepo ports.BotRepository, decisions ports.DecisionRepository, logger ports.Logger) (*Engine, error) {
	if oracle == nil || store == nil || tracker == nil || botRepo == nil || decisions == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for decision engine")
	}
	if cfg.UnitGainTolerancePct < 0 {
		return nil, fmt.Errorf("unit gain tolerance cannot be negative")
	}
	return &Engine{
		cfg:       cfg,
		oracle:    oracle,
		store:     store,
		tracker:   tracker,
		botRepo:   botRepo,
		decisions: decisions,
		logger:    logger,
	}, nil
}

// candidate is one scored target coin.
type candidate struct {
	coin          string
	price         float64
	snapshotPrice float64
	deviationPct  float64
}

// Evaluate runs one tick for the bot. It returns the evaluation record
// (nil only when the tick aborted before scoring, e.g. on a price failure)
// and a non-nil Proposal when a swap is approved. The caller persists the
// decision after the settlement outcome is known so the record carries the
// performed flag and trade reference.
func (e *Engine) Evaluate(ctx context.Context, bot *domain.Bot) (*domain.BotSwapDecision, *Proposal, error) {
	dec := &domain.BotSwapDecision{
		BotID:           bot.ID,
		FromCoin:        bot.CurrentCoin,
		ThresholdPct:    bot.ThresholdPct,
		PeakValueBefore: bot.GlobalPeakValue,
		PeakValueAfter:  bot.GlobalPeakValue,
	}

	if bot.CurrentCoin == "" {
		dec.Reason = "bot holds no coin yet"
		return dec, nil, nil
	}

	// Stage 1: price fetch. Any missing price aborts the tick with no state
	// change beyond a MissedTrade.
	fromQuote, err := e.oracle.GetPrice(ctx, bot.CurrentCoin, bot.ReferenceCoin)
	if err != nil {
		return nil, nil, e.abortOnPrice(ctx, bot, bot.CurrentCoin, "", err)
	}
	dec.FromPrice = fromQuote.Price

	fromSnap, err := e.store.EnsureSnapshot(ctx, bot, bot.CurrentCoin, fromQuote.Price)
	if err != nil {
		return nil, nil, err
	}
	dec.FromSnapshotPrice = fromSnap.SnapshotPrice

	units, err := e.store.UnitsHeld(ctx, bot, bot.CurrentCoin)
	if err != nil {
		return nil, nil, err
	}
	if units <= 0 {
		dec.Reason = fmt.Sprintf("no units of %s held", bot.CurrentCoin)
		return dec, nil, nil
	}

	targets := bot.Candidates()
	sort.Strings(targets)
	if len(targets) == 0 {
		dec.Reason = "no candidate coins configured"
		return dec, nil, nil
	}

	// Stage 2: deviation scoring. Every candidate price is fetched before
	// any baseline is written, so a tick aborted on a missing price leaves
	// no new snapshots behind. Strict comparison over the sorted list keeps
	// the lexically-first coin on ties.
	quotes := make([]*ports.PriceQuote, len(targets))
	for i, coin := range targets {
		quote, err := e.oracle.GetPrice(ctx, coin, bot.ReferenceCoin)
		if err != nil {
			return nil, nil, e.abortOnPrice(ctx, bot, bot.CurrentCoin, coin, err)
		}
		quotes[i] = quote
	}

	currentRatio := fromQuote.Price / fromSnap.SnapshotPrice
	var best *candidate
	for i, coin := range targets {
		snap, err := e.store.EnsureSnapshot(ctx, bot, coin, quotes[i].Price)
		if err != nil {
			return nil, nil, err
		}
		targetRatio := quotes[i].Price / snap.SnapshotPrice
		deviationPct := (targetRatio - currentRatio) / currentRatio * 100
		if best == nil || deviationPct > best.deviationPct {
			best = &candidate{coin: coin, price: quotes[i].Price, snapshotPrice: snap.SnapshotPrice, deviationPct: deviationPct}
		}
	}

	dec.ToCoin = best.coin
	dec.ToPrice = best.price
	dec.ToSnapshotPrice = best.snapshotPrice
	dec.DeviationPct = best.deviationPct

	if best.deviationPct <= bot.ThresholdPct {
		dec.Reason = fmt.Sprintf("best deviation %.4f%% (%s) below threshold %.2f%%",
			best.deviationPct, best.coin, bot.ThresholdPct)
		return dec, nil, nil
	}
	dec.DeviationTriggered = true

	// Stage 3: unit-gain check against the target's own historical unit
	// baseline. Guards against rotating into a coin that is only nominally
	// cheaper due to long-term decline.
	toSnap, err := e.store.Snapshot(ctx, bot, best.coin)
	if err != nil {
		return nil, nil, err
	}
	prospectiveUnits := units * fromQuote.Price / best.price * (1 - bot.CommissionRate)
	if toSnap != nil && toSnap.WasEverHeld && toSnap.MaxUnitsReached > 0 {
		dec.UnitGainPct = (prospectiveUnits - toSnap.MaxUnitsReached) / toSnap.MaxUnitsReached * 100
		if dec.UnitGainPct < -e.cfg.UnitGainTolerancePct {
			dec.Reason = fmt.Sprintf("unit gain %.4f%% below tolerance -%.2f%%",
				dec.UnitGainPct, e.cfg.UnitGainTolerancePct)
			e.recordMissed(ctx, bot, dec, domain.MissReasonUnitGainRejected, dec.Reason)
			return dec, nil, nil
		}
	}

	// Stage 4: global protection on the post-commission net value of the
	// current holding. The peak ratchets up here; it never moves down.
	check := e.tracker.Evaluate(bot, units, fromQuote.Price)
	dec.RefValue = check.NetValue
	dec.PeakValueBefore = check.PeakBefore
	dec.PeakValueAfter = check.PeakAfter

	// Stage 5: a sufficiently large realized unit gain is itself the
	// protective action and overrides the floor.
	takeProfit := bot.TakeProfitPct > 0 && dec.UnitGainPct >= bot.TakeProfitPct

	if check.Triggered {
		dec.GlobalProtectionTriggered = true
		if !takeProfit {
			dec.Reason = fmt.Sprintf("net value %.8f below protection floor %.8f (peak %.8f)",
				check.NetValue, check.Floor, check.PeakBefore)
			e.recordMissed(ctx, bot, dec, domain.MissReasonProtectionTriggered, dec.Reason)
			return dec, nil, nil
		}
		dec.TakeProfitTriggered = true
		dec.Reason = fmt.Sprintf("take-profit override: unit gain %.4f%% >= %.2f%%",
			dec.UnitGainPct, bot.TakeProfitPct)
	} else {
		dec.TakeProfitTriggered = takeProfit
		dec.Reason = fmt.Sprintf("deviation %.4f%% above threshold %.2f%%", best.deviationPct, bot.ThresholdPct)
		if check.PeakAfter > check.PeakBefore {
			e.tracker.Apply(bot, check)
			if err := e.botRepo.Update(ctx, bot); err != nil {
				return nil, nil, err
			}
		}
	}

	prop := &Proposal{
		FromCoin:  bot.CurrentCoin,
		ToCoin:    best.coin,
		Amount:    units,
		FromPrice: fromQuote.Price,
		ToPrice:   best.price,
		Reason:    dec.Reason,
	}
	e.logger.Info(ctx, "Swap approved", map[string]interface{}{
		"botID": bot.ID, "from": prop.FromCoin, "to": prop.ToCoin,
		"amount": prop.Amount, "deviationPct": best.deviationPct})
	return dec, prop, nil
}

// abortOnPrice records a MissedTrade for an unavailable price and wraps the
// error so callers can classify the tick abort.
func (e *Engine) abortOnPrice(ctx context.Context, bot *domain.Bot, fromCoin, toCoin string, cause error) error {
	missed := &domain.MissedTrade{
		BotID:    bot.ID,
		FromCoin: fromCoin,
		ToCoin:   toCoin,
		Reason:   domain.MissReasonPriceUnavailable,
		Detail:   cause.Error(),
	}
	if _, err := e.decisions.CreateMissedTrade(ctx, missed); err != nil {
		e.logger.Error(ctx, err, "Failed to record missed trade for price failure", map[string]interface{}{"botID": bot.ID})
	}
	return fmt.Errorf("price fetch failed for bot %d: %w", bot.ID, cause)
}

func (e *Engine) recordMissed(ctx context.Context, bot *domain.Bot, dec *domain.BotSwapDecision, reason domain.MissReason, detail string) {
	missed := &domain.MissedTrade{
		BotID:        bot.ID,
		FromCoin:     dec.FromCoin,
		ToCoin:       dec.ToCoin,
		FromPrice:    dec.FromPrice,
		ToPrice:      dec.ToPrice,
		DeviationPct: dec.DeviationPct,
		Reason:       reason,
		Detail:       detail,
	}
	if _, err := e.decisions.CreateMissedTrade(ctx, missed); err != nil {
		e.logger.Error(ctx, err, "Failed to record missed trade", map[string]interface{}{"botID": bot.ID, "reason": reason})
	}
}
