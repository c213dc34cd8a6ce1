package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coinrotator/config"
	"coinrotator/internal/decision"
	"coinrotator/internal/domain"
	"coinrotator/internal/locks"
	"coinrotator/internal/ports"
	"coinrotator/internal/protection"
	"coinrotator/internal/settlement"
	"coinrotator/internal/snapshots"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// memRepo is a combined in-memory implementation of every repository port,
// standing in for the sqlite adapter.
type memRepo struct {
	bots      map[int64]*domain.Bot
	snaps     map[string]*domain.CoinSnapshot
	units     map[string]float64
	lockID    int64
	locks     map[int64]*domain.AssetLock
	trades    []*domain.Trade
	decisions []*domain.BotSwapDecision
	missed    []*domain.MissedTrade
}

func newMemRepo() *memRepo {
	return &memRepo{
		bots:  make(map[int64]*domain.Bot),
		snaps: make(map[string]*domain.CoinSnapshot),
		units: make(map[string]float64),
		locks: make(map[int64]*domain.AssetLock),
	}
}

func skey(botID int64, coin string, epoch int) string {
	return fmt.Sprintf("%d/%s/%d", botID, coin, epoch)
}
func ukey(botID int64, coin string) string { return fmt.Sprintf("%d/%s", botID, coin) }

func (r *memRepo) Create(ctx context.Context, bot *domain.Bot) (int64, error) {
	bot.ID = int64(len(r.bots) + 1)
	cp := *bot
	r.bots[bot.ID] = &cp
	return bot.ID, nil
}

func (r *memRepo) Update(ctx context.Context, bot *domain.Bot) error {
	cp := *bot
	r.bots[bot.ID] = &cp
	return nil
}

func (r *memRepo) FindByName(ctx context.Context, name string) (*domain.Bot, error) {
	for _, b := range r.bots {
		if b.Name == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindByID(ctx context.Context, id int64) (*domain.Bot, error) {
	if b, ok := r.bots[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) FindActive(ctx context.Context, botID int64, coin string, epoch int) (*domain.CoinSnapshot, error) {
	if s, ok := r.snaps[skey(botID, coin, epoch)]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) ListActive(ctx context.Context, botID int64, epoch int) ([]*domain.CoinSnapshot, error) {
	return nil, nil
}

func (r *memRepo) Save(ctx context.Context, snap *domain.CoinSnapshot, units *domain.CoinUnitTracker) error {
	cp := *snap
	r.snaps[skey(snap.BotID, snap.Coin, snap.ResetEpoch)] = &cp
	if units != nil {
		r.units[ukey(units.BotID, units.Coin)] = units.Units
	}
	return nil
}

func (r *memRepo) FindUnits(ctx context.Context, botID int64, coin string) (*domain.CoinUnitTracker, error) {
	if u, ok := r.units[ukey(botID, coin)]; ok {
		return &domain.CoinUnitTracker{BotID: botID, Coin: coin, Units: u}, nil
	}
	return nil, nil
}

func (r *memRepo) ResetUnits(ctx context.Context, botID int64) error {
	for k := range r.units {
		r.units[k] = 0
	}
	return nil
}

func (r *memRepo) AcquireLock(ctx context.Context, lock *domain.AssetLock) (int64, error) {
	now := time.Now()
	for _, l := range r.locks {
		if l.AccountScope == lock.AccountScope && l.Coin == lock.Coin && l.Active(now) {
			return 0, fmt.Errorf("coin %s: %w", lock.Coin, ports.ErrAlreadyLocked)
		}
	}
	r.lockID++
	lock.ID = r.lockID
	lock.Status = domain.LockStatusLocked
	cp := *lock
	r.locks[lock.ID] = &cp
	return lock.ID, nil
}

func (r *memRepo) ReleaseLock(ctx context.Context, lockID int64, scope string) error {
	if l, ok := r.locks[lockID]; ok && l.AccountScope == scope {
		l.Status = domain.LockStatusReleased
	}
	return nil
}

func (r *memRepo) FindActiveLock(ctx context.Context, scope, coin string) (*domain.AssetLock, error) {
	now := time.Now()
	for _, l := range r.locks {
		if l.AccountScope == scope && l.Coin == coin && l.Active(now) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) ReleaseExpired(ctx context.Context, now time.Time) (int, error) { return 0, nil }

func (r *memRepo) CommitSettlement(ctx context.Context, res *domain.Settlement) (int64, error) {
	res.Trade.ID = int64(len(r.trades) + 1)
	r.trades = append(r.trades, res.Trade)
	if res.Bot != nil {
		cp := *res.Bot
		r.bots[res.Bot.ID] = &cp
	}
	for _, s := range res.Snapshots {
		cp := *s
		r.snaps[skey(s.BotID, s.Coin, s.ResetEpoch)] = &cp
	}
	for _, u := range res.Units {
		r.units[ukey(u.BotID, u.Coin)] = u.Units
	}
	return res.Trade.ID, nil
}

func (r *memRepo) FindTradeByID(ctx context.Context, id int64) (*domain.Trade, error) {
	return nil, nil
}

func (r *memRepo) FindRecentByBot(ctx context.Context, botID int64, limit int) ([]*domain.Trade, error) {
	return r.trades, nil
}

func (r *memRepo) CreateDecision(ctx context.Context, d *domain.BotSwapDecision) (int64, error) {
	cp := *d
	r.decisions = append(r.decisions, &cp)
	return int64(len(r.decisions)), nil
}

func (r *memRepo) CreateMissedTrade(ctx context.Context, m *domain.MissedTrade) (int64, error) {
	cp := *m
	r.missed = append(r.missed, &cp)
	return int64(len(r.missed)), nil
}

func (r *memRepo) FindRecentDecisions(ctx context.Context, botID int64, limit int) ([]*domain.BotSwapDecision, error) {
	return r.decisions, nil
}

func (r *memRepo) FindRecentMissedTrades(ctx context.Context, botID int64, limit int) ([]*domain.MissedTrade, error) {
	return r.missed, nil
}

// mapOracle serves fixed prices keyed by coin.
type mapOracle struct {
	prices map[string]float64
}

func (o *mapOracle) GetPrice(ctx context.Context, coin, quoteCoin string) (*ports.PriceQuote, error) {
	if coin == quoteCoin {
		return &ports.PriceQuote{Price: 1, Source: "identity"}, nil
	}
	p, ok := o.prices[coin]
	if !ok {
		return nil, fmt.Errorf("no price for %s: %w", coin, ports.ErrPriceUnavailable)
	}
	return &ports.PriceQuote{Price: p, Source: "test"}, nil
}

// passExecutor converts at the oracle price with no commission.
type passExecutor struct {
	oracle *mapOracle
	err    error
}

func (e *passExecutor) Execute(ctx context.Context, accountScope, fromCoin, toCoin string, amount float64, attemptID string) ([]ports.ExecutionLeg, error) {
	if e.err != nil {
		return nil, e.err
	}
	proceeds := amount * e.oracle.prices[fromCoin]
	bought := proceeds / e.oracle.prices[toCoin]
	return []ports.ExecutionLeg{
		{FromCoin: fromCoin, ToCoin: "USDT", FromAmount: amount, ToAmount: proceeds, Price: e.oracle.prices[fromCoin], ExternalTradeID: "1"},
		{FromCoin: "USDT", ToCoin: toCoin, FromAmount: proceeds, ToAmount: bought, Price: e.oracle.prices[toCoin], ExternalTradeID: "2"},
	}, nil
}

type serviceFixture struct {
	svc      *RotationService
	repo     *memRepo
	oracle   *mapOracle
	executor *passExecutor
	bot      *domain.Bot
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		repo:   newMemRepo(),
		oracle: &mapOracle{prices: map[string]float64{"BTC": 100, "ETH": 115}},
	}
	f.executor = &passExecutor{oracle: f.oracle}
	logger := &mockLogger{}

	store, err := snapshots.NewStore(f.repo, f.repo, logger)
	require.NoError(t, err)
	lockMgr, err := locks.NewManager(locks.Config{Repo: f.repo, Logger: logger, DefaultTTL: time.Minute})
	require.NoError(t, err)
	engine, err := decision.NewEngine(decision.Config{UnitGainTolerancePct: 0.5},
		f.oracle, store, protection.NewTracker(), f.repo, f.repo, logger)
	require.NoError(t, err)
	settler, err := settlement.NewSettler(settlement.Config{
		Locks: lockMgr, Executor: f.executor, Trades: f.repo, Decisions: f.repo,
		Store: store, Logger: logger, LockTTL: time.Minute,
	})
	require.NoError(t, err)

	cfg := &config.Config{BotName: "rotator", AccountScope: "scope-a"}
	svc, err := NewRotationService(cfg, logger, f.repo, f.repo, store, f.oracle, engine, settler, lockMgr)
	require.NoError(t, err)
	f.svc = svc

	f.bot = &domain.Bot{
		Name:          "rotator",
		AccountScope:  "scope-a",
		Coins:         []string{"BTC", "ETH"},
		CurrentCoin:   "BTC",
		ReferenceCoin: "USDT",
		ThresholdPct:  10,
		// floor disabled until a peak exists
		GlobalThresholdPct: 10,
	}
	_, err = f.repo.Create(context.Background(), f.bot)
	require.NoError(t, err)

	// BTC baseline at 100 with one unit held; ETH baseline at 100 so the
	// 115 quote scores a 15% deviation.
	require.NoError(t, f.repo.Save(context.Background(),
		&domain.CoinSnapshot{BotID: f.bot.ID, Coin: "BTC", SnapshotPrice: 100, UnitsHeld: 1, RefValue: 100, WasEverHeld: true, MaxUnitsReached: 1},
		&domain.CoinUnitTracker{BotID: f.bot.ID, Coin: "BTC", Units: 1}))
	require.NoError(t, f.repo.Save(context.Background(),
		&domain.CoinSnapshot{BotID: f.bot.ID, Coin: "ETH", SnapshotPrice: 100},
		&domain.CoinUnitTracker{BotID: f.bot.ID, Coin: "ETH", Units: 0}))
	return f
}

func TestProcessTick_SwapProducesOneDecision(t *testing.T) {
	f := newServiceFixture(t)

	f.svc.processTick(context.Background(), f.bot)

	require.Len(t, f.repo.decisions, 1)
	dec := f.repo.decisions[0]
	assert.True(t, dec.DeviationTriggered)
	assert.True(t, dec.SwapPerformed)
	assert.Equal(t, int64(1), dec.TradeID)
	assert.Equal(t, "ETH", f.bot.CurrentCoin)
	require.Len(t, f.repo.trades, 1)
	assert.Equal(t, domain.TradeStatusCompleted, f.repo.trades[0].Status)
}

func TestProcessTick_NoTriggerStillRecordsDecision(t *testing.T) {
	f := newServiceFixture(t)
	f.oracle.prices["ETH"] = 105 // 5% deviation, below the 10% threshold

	f.svc.processTick(context.Background(), f.bot)

	require.Len(t, f.repo.decisions, 1)
	dec := f.repo.decisions[0]
	assert.False(t, dec.DeviationTriggered)
	assert.False(t, dec.SwapPerformed)
	assert.Equal(t, int64(0), dec.TradeID)
	assert.Empty(t, f.repo.trades)
	assert.Equal(t, "BTC", f.bot.CurrentCoin)
}

func TestProcessTick_SettlementFailureRecordsUnperformedDecision(t *testing.T) {
	f := newServiceFixture(t)
	f.executor.err = fmt.Errorf("order rejected: %w", ports.ErrExchangeRejected)

	f.svc.processTick(context.Background(), f.bot)

	require.Len(t, f.repo.decisions, 1)
	dec := f.repo.decisions[0]
	assert.True(t, dec.DeviationTriggered)
	assert.False(t, dec.SwapPerformed)
	// The failed trade is referenced for the audit trail
	assert.Equal(t, int64(1), dec.TradeID)
	assert.Equal(t, "BTC", f.bot.CurrentCoin)
}

func TestProcessTick_LockContentionRecordsMiss(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.repo.AcquireLock(context.Background(), &domain.AssetLock{
		AccountScope: "scope-a", Coin: "BTC", BotID: 9,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	f.svc.processTick(context.Background(), f.bot)

	require.Len(t, f.repo.decisions, 1)
	assert.False(t, f.repo.decisions[0].SwapPerformed)
	require.Len(t, f.repo.missed, 1)
	assert.Equal(t, domain.MissReasonLockContention, f.repo.missed[0].Reason)
	assert.Equal(t, "BTC", f.bot.CurrentCoin)
}

func TestProcessTick_PriceFailureLeavesNoDecisionRow(t *testing.T) {
	f := newServiceFixture(t)
	delete(f.oracle.prices, "ETH")

	f.svc.processTick(context.Background(), f.bot)

	assert.Empty(t, f.repo.decisions)
	require.Len(t, f.repo.missed, 1)
	assert.Equal(t, domain.MissReasonPriceUnavailable, f.repo.missed[0].Reason)
}

func TestLoadOrCreateBot(t *testing.T) {
	repo := newMemRepo()
	logger := &mockLogger{}
	oracle := &mapOracle{prices: map[string]float64{"BTC": 100, "ETH": 100}}
	store, err := snapshots.NewStore(repo, repo, logger)
	require.NoError(t, err)
	lockMgr, err := locks.NewManager(locks.Config{Repo: repo, Logger: logger, DefaultTTL: time.Minute})
	require.NoError(t, err)
	engine, err := decision.NewEngine(decision.Config{}, oracle, store, protection.NewTracker(), repo, repo, logger)
	require.NoError(t, err)
	settler, err := settlement.NewSettler(settlement.Config{
		Locks: lockMgr, Executor: &passExecutor{oracle: oracle}, Trades: repo, Decisions: repo,
		Store: store, Logger: logger, LockTTL: time.Minute,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		BotName:            "fresh",
		AccountScope:       "scope-a",
		Coins:              []string{"BTC", "ETH"},
		InitialCoin:        "BTC",
		InitialUnits:       2,
		ReferenceCoin:      "USDT",
		ThresholdPct:       3,
		GlobalThresholdPct: 10,
		CommissionRate:     0.001,
		TickInterval:       time.Minute,
	}
	svc, err := NewRotationService(cfg, logger, repo, repo, store, oracle, engine, settler, lockMgr)
	require.NoError(t, err)

	bot, err := svc.loadOrCreateBot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, bot)
	assert.Equal(t, "BTC", bot.CurrentCoin)

	// First run seeds the holding and establishes the peak
	units, err := store.UnitsHeld(context.Background(), bot, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2.0, units)
	assert.InDelta(t, 2*100*(1-0.001), bot.GlobalPeakValue, 1e-9)

	// Second run reuses the stored bot but applies config tuning
	cfg.ThresholdPct = 5
	again, err := svc.loadOrCreateBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bot.ID, again.ID)
	assert.Equal(t, 5.0, again.ThresholdPct)
	require.Len(t, repo.bots, 1)
}
