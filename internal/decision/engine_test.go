package decision

import (
	"context"
	"fmt"
	"testing"

	"coinrotator/internal/domain"
	"coinrotator/internal/ports"
	"coinrotator/internal/protection"
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

// mapOracle serves fixed prices keyed by coin.
type mapOracle struct {
	prices map[string]float64
	fail   map[string]bool
}

func (o *mapOracle) GetPrice(ctx context.Context, coin, quoteCoin string) (*ports.PriceQuote, error) {
	if coin == quoteCoin {
		return &ports.PriceQuote{Price: 1, Source: "identity"}, nil
	}
	if o.fail[coin] {
		return nil, fmt.Errorf("feed down for %s: %w", coin, ports.ErrPriceUnavailable)
	}
	p, ok := o.prices[coin]
	if !ok {
		return nil, fmt.Errorf("no price for %s: %w", coin, ports.ErrPriceUnavailable)
	}
	return &ports.PriceQuote{Price: p, Source: "test"}, nil
}

type snapKey struct {
	botID int64
	coin  string
	epoch int
}

type memSnapshotRepo struct {
	snaps map[snapKey]*domain.CoinSnapshot
	units map[string]*domain.CoinUnitTracker
}

func newMemSnapshotRepo() *memSnapshotRepo {
	return &memSnapshotRepo{
		snaps: make(map[snapKey]*domain.CoinSnapshot),
		units: make(map[string]*domain.CoinUnitTracker),
	}
}

func unitKey(botID int64, coin string) string { return fmt.Sprintf("%d/%s", botID, coin) }

func (r *memSnapshotRepo) FindActive(ctx context.Context, botID int64, coin string, epoch int) (*domain.CoinSnapshot, error) {
	if s, ok := r.snaps[snapKey{botID, coin, epoch}]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *memSnapshotRepo) ListActive(ctx context.Context, botID int64, epoch int) ([]*domain.CoinSnapshot, error) {
	var out []*domain.CoinSnapshot
	for k, s := range r.snaps {
		if k.botID == botID && k.epoch == epoch {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSnapshotRepo) Save(ctx context.Context, snap *domain.CoinSnapshot, units *domain.CoinUnitTracker) error {
	cp := *snap
	r.snaps[snapKey{snap.BotID, snap.Coin, snap.ResetEpoch}] = &cp
	if units != nil {
		ucp := *units
		r.units[unitKey(units.BotID, units.Coin)] = &ucp
	}
	return nil
}

func (r *memSnapshotRepo) FindUnits(ctx context.Context, botID int64, coin string) (*domain.CoinUnitTracker, error) {
	if u, ok := r.units[unitKey(botID, coin)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *memSnapshotRepo) ResetUnits(ctx context.Context, botID int64) error {
	for _, u := range r.units {
		if u.BotID == botID {
			u.Units = 0
		}
	}
	return nil
}

type memBotRepo struct {
	bots    map[int64]*domain.Bot
	updates int
}

func (r *memBotRepo) Create(ctx context.Context, bot *domain.Bot) (int64, error) {
	bot.ID = int64(len(r.bots) + 1)
	cp := *bot
	r.bots[bot.ID] = &cp
	return bot.ID, nil
}

func (r *memBotRepo) Update(ctx context.Context, bot *domain.Bot) error {
	r.updates++
	cp := *bot
	r.bots[bot.ID] = &cp
	return nil
}

func (r *memBotRepo) FindByName(ctx context.Context, name string) (*domain.Bot, error) {
	return nil, nil
}
func (r *memBotRepo) FindByID(ctx context.Context, id int64) (*domain.Bot, error) { return nil, nil }

type memDecisionRepo struct {
	decisions []*domain.BotSwapDecision
	missed    []*domain.MissedTrade
}

func (r *memDecisionRepo) CreateDecision(ctx context.Context, d *domain.BotSwapDecision) (int64, error) {
	cp := *d
	r.decisions = append(r.decisions, &cp)
	return int64(len(r.decisions)), nil
}

func (r *memDecisionRepo) CreateMissedTrade(ctx context.Context, m *domain.MissedTrade) (int64, error) {
	cp := *m
	r.missed = append(r.missed, &cp)
	return int64(len(r.missed)), nil
}

func (r *memDecisionRepo) FindRecentDecisions(ctx context.Context, botID int64, limit int) ([]*domain.BotSwapDecision, error) {
	return r.decisions, nil
}

func (r *memDecisionRepo) FindRecentMissedTrades(ctx context.Context, botID int64, limit int) ([]*domain.MissedTrade, error) {
	return r.missed, nil
}

type engineFixture struct {
	engine    *Engine
	oracle    *mapOracle
	snapRepo  *memSnapshotRepo
	botRepo   *memBotRepo
	decisions *memDecisionRepo
	store     *snapshots.Store
}

func newEngineFixture(t *testing.T, tolerance float64) *engineFixture {
	t.Helper()
	f := &engineFixture{
		oracle:    &mapOracle{prices: map[string]float64{}, fail: map[string]bool{}},
		snapRepo:  newMemSnapshotRepo(),
		botRepo:   &memBotRepo{bots: make(map[int64]*domain.Bot)},
		decisions: &memDecisionRepo{},
	}
	store, err := snapshots.NewStore(f.snapRepo, f.botRepo, &mockLogger{})
	require.NoError(t, err)
	f.store = store

	engine, err := NewEngine(Config{UnitGainTolerancePct: tolerance},
		f.oracle, store, protection.NewTracker(), f.botRepo, f.decisions, &mockLogger{})
	require.NoError(t, err)
	f.engine = engine
	return f
}

// seed installs a snapshot baseline and, when units > 0, a matching tracker.
func (f *engineFixture) seed(botID int64, coin string, snapPrice, units, maxUnits float64, everHeld bool) {
	f.snapRepo.snaps[snapKey{botID, coin, 0}] = &domain.CoinSnapshot{
		BotID:           botID,
		Coin:            coin,
		SnapshotPrice:   snapPrice,
		UnitsHeld:       units,
		RefValue:        units * snapPrice,
		WasEverHeld:     everHeld,
		MaxUnitsReached: maxUnits,
	}
	f.snapRepo.units[unitKey(botID, coin)] = &domain.CoinUnitTracker{BotID: botID, Coin: coin, Units: units}
}

func rotationBot() *domain.Bot {
	return &domain.Bot{
		ID:                 1,
		Name:               "rotator",
		AccountScope:       "scope-a",
		Coins:              []string{"BTC", "ETH"},
		CurrentCoin:        "BTC",
		ReferenceCoin:      "USDT",
		ThresholdPct:       10,
		GlobalThresholdPct: 10,
		CommissionRate:     0,
	}
}

func TestEngine_NotTriggeredBelowThreshold(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 1, 1, true)
	f.seed(1, "ETH", 100, 0, 0, false)
	f.oracle.prices["BTC"] = 100
	f.oracle.prices["ETH"] = 105 // 5% deviation, threshold is 10%

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Nil(t, prop)
	assert.False(t, dec.DeviationTriggered)
	assert.Equal(t, "ETH", dec.ToCoin)
	assert.InDelta(t, 5.0, dec.DeviationPct, 1e-9)
	assert.Empty(t, f.decisions.missed)
}

func TestEngine_ExactlyAtThresholdDoesNotTrigger(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 1, 1, true)
	f.seed(1, "ETH", 100, 0, 0, false)
	f.oracle.prices["BTC"] = 100
	f.oracle.prices["ETH"] = 110 // exactly the 10% threshold

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.Nil(t, prop)
	assert.False(t, dec.DeviationTriggered)
}

func TestEngine_ApprovedSwap(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 1, 1, true)
	f.seed(1, "ETH", 100, 0, 0, false)
	f.oracle.prices["BTC"] = 100
	f.oracle.prices["ETH"] = 115

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.True(t, dec.DeviationTriggered)
	assert.InDelta(t, 15.0, dec.DeviationPct, 1e-9)
	assert.Equal(t, "BTC", prop.FromCoin)
	assert.Equal(t, "ETH", prop.ToCoin)
	assert.Equal(t, 1.0, prop.Amount)
	assert.Equal(t, 100.0, prop.FromPrice)
	assert.Equal(t, 115.0, prop.ToPrice)

	// First evaluation establishes the peak and persists it
	assert.Equal(t, 100.0, bot.GlobalPeakValue)
	assert.Equal(t, 1, f.botRepo.updates)
	assert.False(t, dec.GlobalProtectionTriggered)
	assert.Empty(t, f.decisions.missed)
}

func TestEngine_TieBreaksLexically(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	bot.Coins = []string{"BTC", "ETH", "ADA"}
	f.seed(1, "BTC", 100, 1, 1, true)
	f.seed(1, "ETH", 100, 0, 0, false)
	f.seed(1, "ADA", 100, 0, 0, false)
	f.oracle.prices["BTC"] = 100
	f.oracle.prices["ETH"] = 115
	f.oracle.prices["ADA"] = 115

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "ADA", dec.ToCoin)
	assert.Equal(t, "ADA", prop.ToCoin)
}

func TestEngine_UnitGainRejected(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 10, 10, true)
	// ETH historically peaked at 10 units; this rotation would land at 8.5
	f.seed(1, "ETH", 100, 0, 10, true)
	f.oracle.prices["BTC"] = 85
	f.oracle.prices["ETH"] = 100
	bot.ThresholdPct = 5 // currentRatio 0.85 vs ETH ratio 1.0 -> ~17.6% deviation

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.Nil(t, prop)
	assert.True(t, dec.DeviationTriggered)
	assert.InDelta(t, -15.0, dec.UnitGainPct, 1e-9)

	require.Len(t, f.decisions.missed, 1)
	assert.Equal(t, domain.MissReasonUnitGainRejected, f.decisions.missed[0].Reason)
}

func TestEngine_UnitGainWithinToleranceAllowed(t *testing.T) {
	f := newEngineFixture(t, 20.0)
	bot := rotationBot()
	bot.ThresholdPct = 5
	f.seed(1, "BTC", 100, 10, 10, true)
	f.seed(1, "ETH", 100, 0, 10, true)
	f.oracle.prices["BTC"] = 85
	f.oracle.prices["ETH"] = 100

	// Same -15% shortfall, but within the 20% tolerance
	_, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.NotNil(t, prop)
	assert.Empty(t, f.decisions.missed)
}

func TestEngine_ProtectionBlocks(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	bot.ThresholdPct = 5
	bot.GlobalPeakValue = 1000 // floor at 900
	f.seed(1, "BTC", 100, 10, 10, true)
	f.seed(1, "ETH", 100, 0, 0, false)
	f.oracle.prices["BTC"] = 85 // net value 850, below the floor
	f.oracle.prices["ETH"] = 100

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.Nil(t, prop)
	assert.True(t, dec.DeviationTriggered)
	assert.True(t, dec.GlobalProtectionTriggered)
	assert.False(t, dec.TakeProfitTriggered)
	assert.InDelta(t, 850.0, dec.RefValue, 1e-9)
	assert.Equal(t, 1000.0, dec.PeakValueAfter)
	// The peak did not move
	assert.Equal(t, 1000.0, bot.GlobalPeakValue)
	assert.Equal(t, 0, f.botRepo.updates)

	require.Len(t, f.decisions.missed, 1)
	assert.Equal(t, domain.MissReasonProtectionTriggered, f.decisions.missed[0].Reason)
}

func TestEngine_TakeProfitOverridesProtection(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	bot.ThresholdPct = 5
	bot.TakeProfitPct = 20
	bot.GlobalPeakValue = 1000
	f.seed(1, "BTC", 100, 10, 10, true)
	// Rotation lands at 8.5 ETH units vs a 6-unit baseline: +41.7% gain
	f.seed(1, "ETH", 100, 0, 6, true)
	f.oracle.prices["BTC"] = 85
	f.oracle.prices["ETH"] = 100

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.True(t, dec.GlobalProtectionTriggered)
	assert.True(t, dec.TakeProfitTriggered)
	assert.Empty(t, f.decisions.missed)
}

func TestEngine_PriceUnavailableAborts(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 1, 1, true)
	f.oracle.prices["BTC"] = 100
	f.oracle.fail["ETH"] = true

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.Error(t, err)
	assert.Nil(t, dec)
	assert.Nil(t, prop)

	require.Len(t, f.decisions.missed, 1)
	assert.Equal(t, domain.MissReasonPriceUnavailable, f.decisions.missed[0].Reason)
}

func TestEngine_NoCurrentCoin(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	bot.CurrentCoin = ""

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Nil(t, prop)
	assert.False(t, dec.DeviationTriggered)
}

func TestEngine_NoUnitsHeld(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 0, 1, true)
	f.oracle.prices["BTC"] = 100

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Nil(t, prop)
}

func TestEngine_FreshTargetBaselinesAtCurrentPrice(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	f.seed(1, "BTC", 100, 1, 1, true)
	// No ETH snapshot: the engine creates one at the current price,
	// so the first tick can never see a deviation on it.
	f.oracle.prices["BTC"] = 100
	f.oracle.prices["ETH"] = 9999

	dec, prop, err := f.engine.Evaluate(context.Background(), bot)
	require.NoError(t, err)
	assert.Nil(t, prop)
	assert.False(t, dec.DeviationTriggered)
	assert.InDelta(t, 0.0, dec.DeviationPct, 1e-9)

	snap, err := f.snapRepo.FindActive(context.Background(), 1, "ETH", 0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 9999.0, snap.SnapshotPrice)
}

func TestEngine_AbortedTickWritesNoCandidateBaselines(t *testing.T) {
	f := newEngineFixture(t, 0.5)
	bot := rotationBot()
	bot.Coins = []string{"ADA", "BTC", "ETH"}
	f.seed(1, "BTC", 100, 1, 1, true)
	f.oracle.prices["BTC"] = 100
	f.oracle.prices["ADA"] = 0.5 // fetched before the failing candidate
	f.oracle.fail["ETH"] = true

	_, _, err := f.engine.Evaluate(context.Background(), bot)
	require.Error(t, err)

	// The abort must leave no baseline behind for any candidate, including
	// ones whose prices were already fetched.
	adaSnap, err := f.snapRepo.FindActive(context.Background(), 1, "ADA", 0)
	require.NoError(t, err)
	assert.Nil(t, adaSnap)
	ethSnap, err := f.snapRepo.FindActive(context.Background(), 1, "ETH", 0)
	require.NoError(t, err)
	assert.Nil(t, ethSnap)
}
