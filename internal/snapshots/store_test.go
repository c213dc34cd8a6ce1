package snapshots

import (
	"context"
	"fmt"
	"testing"

	"coinrotator/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type snapKey struct {
	botID int64
	coin  string
	epoch int
}

// memSnapshotRepo is an in-memory ports.SnapshotRepository.
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

// memBotRepo is an in-memory ports.BotRepository.
type memBotRepo struct {
	bots      map[int64]*domain.Bot
	updateErr error
}

func newMemBotRepo(bots ...*domain.Bot) *memBotRepo {
	r := &memBotRepo{bots: make(map[int64]*domain.Bot)}
	for _, b := range bots {
		cp := *b
		r.bots[b.ID] = &cp
	}
	return r
}

func (r *memBotRepo) Create(ctx context.Context, bot *domain.Bot) (int64, error) {
	bot.ID = int64(len(r.bots) + 1)
	cp := *bot
	r.bots[bot.ID] = &cp
	return bot.ID, nil
}

func (r *memBotRepo) Update(ctx context.Context, bot *domain.Bot) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	cp := *bot
	r.bots[bot.ID] = &cp
	return nil
}

func (r *memBotRepo) FindByName(ctx context.Context, name string) (*domain.Bot, error) {
	for _, b := range r.bots {
		if b.Name == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memBotRepo) FindByID(ctx context.Context, id int64) (*domain.Bot, error) {
	if b, ok := r.bots[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func newTestStore(t *testing.T) (*Store, *memSnapshotRepo, *memBotRepo) {
	t.Helper()
	snapRepo := newMemSnapshotRepo()
	botRepo := newMemBotRepo()
	store, err := NewStore(snapRepo, botRepo, &mockLogger{})
	require.NoError(t, err)
	return store, snapRepo, botRepo
}

func TestStore_RecordUnits(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	bot := &domain.Bot{ID: 1}

	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0.5, 50000))

	snap, err := store.Snapshot(ctx, bot, "BTC")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 0.5, snap.UnitsHeld)
	assert.Equal(t, 25000.0, snap.RefValue)
	assert.Equal(t, 50000.0, snap.SnapshotPrice)
	assert.True(t, snap.WasEverHeld)
	assert.Equal(t, 0.5, snap.MaxUnitsReached)

	units, err := store.UnitsHeld(ctx, bot, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0.5, units)
}

func TestStore_MaxUnitsRatchet(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	bot := &domain.Bot{ID: 1}

	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0.5, 50000))
	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0.8, 48000))
	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0.2, 52000))

	snap, err := store.Snapshot(ctx, bot, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0.2, snap.UnitsHeld)
	// The baseline never ratchets down
	assert.Equal(t, 0.8, snap.MaxUnitsReached)
	// And holding history latches on even at zero units
	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0, 52000))
	snap, err = store.Snapshot(ctx, bot, "BTC")
	require.NoError(t, err)
	assert.True(t, snap.WasEverHeld)
}

func TestStore_EnsureSnapshot(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	bot := &domain.Bot{ID: 1}

	snap, err := store.EnsureSnapshot(ctx, bot, "ETH", 3000)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, snap.SnapshotPrice)
	assert.False(t, snap.WasEverHeld)

	// Existing baseline is not overwritten by a new price
	snap, err = store.EnsureSnapshot(ctx, bot, "ETH", 3500)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, snap.SnapshotPrice)
}

func TestStore_Valuation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	bot := &domain.Bot{ID: 1}

	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0.5, 50000))

	value, err := store.Valuation(ctx, bot, "BTC", 52000)
	require.NoError(t, err)
	assert.Equal(t, 26000.0, value)

	// Unknown coin values to zero
	value, err = store.Valuation(ctx, bot, "SOL", 150)
	require.NoError(t, err)
	assert.Equal(t, 0.0, value)
}

func TestStore_ResetAll(t *testing.T) {
	store, snapRepo, botRepo := newTestStore(t)
	ctx := context.Background()
	bot := &domain.Bot{ID: 1, CurrentCoin: "BTC", GlobalPeakValue: 25000}
	botRepo.bots[1] = bot

	require.NoError(t, store.RecordUnits(ctx, bot, "BTC", 0.5, 50000))

	require.NoError(t, store.ResetAll(ctx, bot))
	assert.Equal(t, 1, bot.ResetEpoch)
	assert.Equal(t, 0.0, bot.GlobalPeakValue)
	assert.Equal(t, "", bot.CurrentCoin)

	// Old epoch's snapshot is preserved, the new epoch starts empty
	old, err := snapRepo.FindActive(ctx, 1, "BTC", 0)
	require.NoError(t, err)
	assert.NotNil(t, old)
	fresh, err := store.Snapshot(ctx, bot, "BTC")
	require.NoError(t, err)
	assert.Nil(t, fresh)

	units, err := store.UnitsHeld(ctx, bot, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0.0, units)
}

func TestStore_ResetAll_UpdateFailureRollsBackEpoch(t *testing.T) {
	store, _, botRepo := newTestStore(t)
	ctx := context.Background()
	bot := &domain.Bot{ID: 1, CurrentCoin: "BTC", GlobalPeakValue: 25000}
	botRepo.bots[1] = bot
	botRepo.updateErr = fmt.Errorf("db unavailable")

	err := store.ResetAll(ctx, bot)
	require.Error(t, err)
	assert.Equal(t, 0, bot.ResetEpoch)
}
