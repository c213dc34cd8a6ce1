package snapshots

import (
	"context"
	"fmt"
	"math"

	"coinrotator/internal/domain"
	"coinrotator/internal/ports"
)

// Store manages per-(bot, coin) snapshots and the unit tracker cache. Both
// are written together so the tracker never drifts from the snapshot.
type Store struct {
	snapRepo ports.SnapshotRepository
	botRepo  ports.BotRepository
	logger   ports.Logger
}

// NewStore creates a new snapshot store.
func NewStore(snapRepo ports.SnapshotRepository, botRepo ports.BotRepository, logger ports.Logger) (*Store, error) {
	if snapRepo == nil || botRepo == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for snapshot store")
	}
	return &Store{snapRepo: snapRepo, botRepo: botRepo, logger: logger}, nil
}

// RecordUnits updates the snapshot and unit tracker for a coin. wasEverHeld
// latches on once units are positive; maxUnitsReached only ratchets up.
func (s *Store) RecordUnits(ctx context.Context, bot *domain.Bot, coin string, units, price float64) error {
	snap, err := s.snapRepo.FindActive(ctx, bot.ID, coin, bot.ResetEpoch)
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &domain.CoinSnapshot{
			BotID:         bot.ID,
			Coin:          coin,
			SnapshotPrice: price,
			ResetEpoch:    bot.ResetEpoch,
		}
	}
	snap.UnitsHeld = units
	snap.RefValue = units * price
	if units > 0 {
		snap.WasEverHeld = true
	}
	snap.MaxUnitsReached = math.Max(snap.MaxUnitsReached, units)

	tracker := &domain.CoinUnitTracker{BotID: bot.ID, Coin: coin, Units: units}
	if err := s.snapRepo.Save(ctx, snap, tracker); err != nil {
		return err
	}
	s.logger.Debug(ctx, "Units recorded", map[string]interface{}{
		"botID": bot.ID, "coin": coin, "units": units, "maxUnits": snap.MaxUnitsReached})
	return nil
}

// Snapshot retrieves the active snapshot for (bot, coin). Returns nil, nil
// when none exists in the current epoch.
func (s *Store) Snapshot(ctx context.Context, bot *domain.Bot, coin string) (*domain.CoinSnapshot, error) {
	return s.snapRepo.FindActive(ctx, bot.ID, coin, bot.ResetEpoch)
}

// EnsureSnapshot returns the active snapshot for (bot, coin), creating one
// with the given price as its baseline when the coin has none in the current
// epoch. A freshly entered coin therefore scores zero deviation until the
// market moves off its baseline.
func (s *Store) EnsureSnapshot(ctx context.Context, bot *domain.Bot, coin string, price float64) (*domain.CoinSnapshot, error) {
	snap, err := s.snapRepo.FindActive(ctx, bot.ID, coin, bot.ResetEpoch)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}
	snap = &domain.CoinSnapshot{
		BotID:         bot.ID,
		Coin:          coin,
		SnapshotPrice: price,
		ResetEpoch:    bot.ResetEpoch,
	}
	tracker := &domain.CoinUnitTracker{BotID: bot.ID, Coin: coin, Units: 0}
	if err := s.snapRepo.Save(ctx, snap, tracker); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "Snapshot baseline created", map[string]interface{}{
		"botID": bot.ID, "coin": coin, "price": price, "epoch": bot.ResetEpoch})
	return snap, nil
}

// UnitsHeld returns the units currently held of a coin from the fast-path
// tracker, falling back to the snapshot when no tracker row exists.
func (s *Store) UnitsHeld(ctx context.Context, bot *domain.Bot, coin string) (float64, error) {
	tracker, err := s.snapRepo.FindUnits(ctx, bot.ID, coin)
	if err != nil {
		return 0, err
	}
	if tracker != nil {
		return tracker.Units, nil
	}
	snap, err := s.snapRepo.FindActive(ctx, bot.ID, coin, bot.ResetEpoch)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, nil
	}
	return snap.UnitsHeld, nil
}

// Valuation composes held units with the given price into a reference-unit
// equivalent.
func (s *Store) Valuation(ctx context.Context, bot *domain.Bot, coin string, price float64) (float64, error) {
	units, err := s.UnitsHeld(ctx, bot, coin)
	if err != nil {
		return 0, err
	}
	return units * price, nil
}

// ResetAll starts a fresh reset epoch for the bot: the epoch counter
// increments, peak tracking and unit trackers zero out, and the bot's
// current coin clears. Snapshot rows from earlier epochs are preserved so
// each run stays independently auditable.
func (s *Store) ResetAll(ctx context.Context, bot *domain.Bot) error {
	bot.ResetEpoch++
	bot.GlobalPeakValue = 0
	bot.CurrentCoin = ""
	if err := s.botRepo.Update(ctx, bot); err != nil {
		// keep the in-memory bot consistent with what is persisted
		bot.ResetEpoch--
		return err
	}
	if err := s.snapRepo.ResetUnits(ctx, bot.ID); err != nil {
		return err
	}
	s.logger.Info(ctx, "Bot reset to new epoch", map[string]interface{}{
		"botID": bot.ID, "epoch": bot.ResetEpoch})
	return nil
}
