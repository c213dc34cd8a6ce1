package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coinrotator/config"
	"coinrotator/internal/decision"
	"coinrotator/internal/domain"
	"coinrotator/internal/locks"
	"coinrotator/internal/ports"
	"coinrotator/internal/scheduler"
	"coinrotator/internal/settlement"
	"coinrotator/internal/snapshots"
)

// RotationService orchestrates the coin rotation bot: it loads or creates
// the bot from configuration, seeds the initial holding, and drives the
// evaluate/settle tick loop through the scheduler.
type RotationService struct {
	cfg       *config.Config
	logger    ports.Logger
	botRepo   ports.BotRepository
	decisions ports.DecisionRepository
	store     *snapshots.Store
	oracle    ports.PriceOracle
	engine    *decision.Engine
	settler   *settlement.Settler
	locks     *locks.Manager
}

// NewRotationService creates a new application service instance.
func NewRotationService(
	cfg *config.Config,
	logger ports.Logger,
	botRepo ports.BotRepository,
	decisions ports.DecisionRepository,
	store *snapshots.Store,
	oracle ports.PriceOracle,
	engine *decision.Engine,
	settler *settlement.Settler,
	lockMgr *locks.Manager,
) (*RotationService, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || botRepo == nil || decisions == nil || store == nil ||
		oracle == nil || engine == nil || settler == nil || lockMgr == nil {
		return nil, fmt.Errorf("missing required dependencies for RotationService")
	}

	return &RotationService{
		cfg:       cfg,
		logger:    logger,
		botRepo:   botRepo,
		decisions: decisions,
		store:     store,
		oracle:    oracle,
		engine:    engine,
		settler:   settler,
		locks:     lockMgr,
	}, nil
}

// Start loads the bot, seeds state on first run, and blocks in the tick
// loop until the context is canceled or a shutdown signal arrives.
func (s *RotationService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Rotation Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// 1. Load or create the bot from configuration.
	bot, err := s.loadOrCreateBot(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to initialize bot")
		return fmt.Errorf("failed to initialize bot: %w", err)
	}
	s.logger.Info(ctx, "Bot initialized", map[string]interface{}{
		"botID": bot.ID, "bot": bot.Name, "currentCoin": bot.CurrentCoin,
		"coins": bot.Coins, "resetEpoch": bot.ResetEpoch})

	// 2. Clear any locks left over from an unclean shutdown.
	if released, err := s.locks.CleanupExpired(ctx); err != nil {
		s.logger.Warn(ctx, "Startup lock sweep failed", map[string]interface{}{"error": err.Error()})
	} else if released > 0 {
		s.logger.Info(ctx, "Released stale locks on startup", map[string]interface{}{"count": released})
	}

	// 3. Run the tick loop.
	sched, err := scheduler.New(scheduler.Config{
		Locks:           s.locks,
		Logger:          s.logger,
		Tick:            s.processTick,
		CleanupInterval: s.cfg.LockCleanupInterval,
	})
	if err != nil {
		return err
	}
	sched.Register(bot)
	sched.Run(ctx)

	s.logger.Info(context.Background(), "Rotation Service stopped")
	return nil
}

// loadOrCreateBot resolves the configured bot, creating it and seeding the
// initial holding on first run. Configured thresholds always win over stored
// ones so a restart picks up tuning changes.
func (s *RotationService) loadOrCreateBot(ctx context.Context) (*domain.Bot, error) {
	bot, err := s.botRepo.FindByName(ctx, s.cfg.BotName)
	if err != nil {
		return nil, err
	}

	if bot == nil {
		bot = &domain.Bot{
			Name:               s.cfg.BotName,
			AccountScope:       s.cfg.AccountScope,
			Coins:              s.cfg.Coins,
			CurrentCoin:        s.cfg.InitialCoin,
			ReferenceCoin:      s.cfg.ReferenceCoin,
			ThresholdPct:       s.cfg.ThresholdPct,
			GlobalThresholdPct: s.cfg.GlobalThresholdPct,
			TakeProfitPct:      s.cfg.TakeProfitPct,
			CommissionRate:     s.cfg.CommissionRate,
			TickInterval:       s.cfg.TickInterval,
		}
		if _, err := s.botRepo.Create(ctx, bot); err != nil {
			return nil, err
		}
		if err := s.seedInitialHolding(ctx, bot); err != nil {
			return nil, err
		}
		return bot, nil
	}

	bot.AccountScope = s.cfg.AccountScope
	bot.Coins = s.cfg.Coins
	bot.ReferenceCoin = s.cfg.ReferenceCoin
	bot.ThresholdPct = s.cfg.ThresholdPct
	bot.GlobalThresholdPct = s.cfg.GlobalThresholdPct
	bot.TakeProfitPct = s.cfg.TakeProfitPct
	bot.CommissionRate = s.cfg.CommissionRate
	bot.TickInterval = s.cfg.TickInterval
	if err := s.botRepo.Update(ctx, bot); err != nil {
		return nil, err
	}
	return bot, nil
}

// seedInitialHolding baselines the configured initial coin at the current
// market price so the first evaluation has a snapshot to deviate from.
func (s *RotationService) seedInitialHolding(ctx context.Context, bot *domain.Bot) error {
	if bot.CurrentCoin == "" || s.cfg.InitialUnits <= 0 {
		return nil
	}
	quote, err := s.oracle.GetPrice(ctx, bot.CurrentCoin, bot.ReferenceCoin)
	if err != nil {
		return fmt.Errorf("cannot price initial holding %s: %w", bot.CurrentCoin, err)
	}
	if err := s.store.RecordUnits(ctx, bot, bot.CurrentCoin, s.cfg.InitialUnits, quote.Price); err != nil {
		return err
	}
	bot.GlobalPeakValue = s.cfg.InitialUnits * quote.Price * (1 - bot.CommissionRate)
	if err := s.botRepo.Update(ctx, bot); err != nil {
		return err
	}
	s.logger.Info(ctx, "Seeded initial holding", map[string]interface{}{
		"botID": bot.ID, "coin": bot.CurrentCoin, "units": s.cfg.InitialUnits, "price": quote.Price})
	return nil
}

// processTick runs one full evaluation and, when a swap is approved, its
// settlement. Every completed evaluation persists exactly one decision row
// carrying the final outcome; aborted ticks (price failures) leave only a
// missed-trade record.
func (s *RotationService) processTick(ctx context.Context, bot *domain.Bot) {
	dec, prop, err := s.engine.Evaluate(ctx, bot)
	if err != nil {
		s.logger.Warn(ctx, "Evaluation tick aborted", map[string]interface{}{
			"botID": bot.ID, "error": err.Error()})
		return
	}
	if dec == nil {
		return
	}

	if prop != nil {
		trade, serr := s.settler.Settle(ctx, bot, prop)
		if trade != nil {
			dec.TradeID = trade.ID
		}
		switch {
		case serr == nil:
			dec.SwapPerformed = true
		case errors.Is(serr, ports.ErrLockContention):
			dec.Reason = fmt.Sprintf("%s; blocked: %v", dec.Reason, serr)
		default:
			dec.Reason = fmt.Sprintf("%s; settlement failed: %v", dec.Reason, serr)
			s.logger.Error(ctx, serr, "Settlement failed", map[string]interface{}{
				"botID": bot.ID, "from": prop.FromCoin, "to": prop.ToCoin})
		}
	}

	if _, err := s.decisions.CreateDecision(ctx, dec); err != nil {
		s.logger.Error(ctx, err, "Failed to record swap decision", map[string]interface{}{"botID": bot.ID})
	}
}
