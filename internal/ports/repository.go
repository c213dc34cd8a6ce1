package ports

import (
	"context"
	"time"

	"coinrotator/internal/domain"
)

// BotRepository defines the interface for storing and retrieving bot state.
type BotRepository interface {
	// Create saves a new bot and returns its assigned ID.
	Create(ctx context.Context, bot *domain.Bot) (int64, error)
	// Update persists the bot's mutable rotation state.
	Update(ctx context.Context, bot *domain.Bot) error
	// FindByName retrieves a bot by its unique name.
	// Returns nil, nil if not found.
	FindByName(ctx context.Context, name string) (*domain.Bot, error)
	// FindByID retrieves a bot by ID. Returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Bot, error)
}

// SnapshotRepository defines the interface for coin snapshots and the unit
// tracker cache. Save writes both together so the tracker can never drift
// from the snapshot outside an in-flight settlement.
type SnapshotRepository interface {
	// FindActive retrieves the snapshot for (bot, coin) in the given reset
	// epoch. Returns nil, nil if none exists yet.
	FindActive(ctx context.Context, botID int64, coin string, epoch int) (*domain.CoinSnapshot, error)
	// ListActive retrieves all snapshots for a bot in the given epoch.
	ListActive(ctx context.Context, botID int64, epoch int) ([]*domain.CoinSnapshot, error)
	// Save upserts a snapshot and its unit tracker in one transaction.
	Save(ctx context.Context, snap *domain.CoinSnapshot, units *domain.CoinUnitTracker) error
	// FindUnits retrieves the unit tracker for (bot, coin).
	// Returns nil, nil if not found.
	FindUnits(ctx context.Context, botID int64, coin string) (*domain.CoinUnitTracker, error)
	// ResetUnits zeroes every unit tracker for the bot.
	ResetUnits(ctx context.Context, botID int64) error
}

// LockRepository defines the persistence contract for asset locks. Acquire
// must be atomic: a race between two concurrent calls for the same
// (scope, coin) resolves with exactly one winner.
type LockRepository interface {
	// AcquireLock atomically inserts a new active lock, returning its ID.
	// Fails with ErrAlreadyLocked if an unexpired active lock exists for
	// the lock's (scope, coin).
	AcquireLock(ctx context.Context, lock *domain.AssetLock) (int64, error)
	// ReleaseLock transitions a lock to released. Idempotent for already
	// released or expired locks; fails with ErrLockNotOwner when scope
	// does not match the lock's owner.
	ReleaseLock(ctx context.Context, lockID int64, scope string) error
	// FindActiveLock retrieves the unexpired active lock for (scope, coin).
	// Returns nil, nil if none.
	FindActiveLock(ctx context.Context, scope, coin string) (*domain.AssetLock, error)
	// ReleaseExpired transitions every active lock past its expiry to
	// released and returns the count. Safe to call concurrently.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// TradeRepository defines the interface for trade settlement records.
type TradeRepository interface {
	// CommitSettlement writes the trade, its steps, and any bot/snapshot
	// advances in a single transaction and returns the trade ID.
	CommitSettlement(ctx context.Context, res *domain.Settlement) (int64, error)
	// FindTradeByID retrieves a trade with its steps. Returns nil, nil if not found.
	FindTradeByID(ctx context.Context, id int64) (*domain.Trade, error)
	// FindRecentByBot retrieves the most recent trades for a bot, up to limit.
	FindRecentByBot(ctx context.Context, botID int64, limit int) ([]*domain.Trade, error)
}

// DecisionRepository defines the interface for the audit trail: swap
// decisions and missed trades. Both are append-only.
type DecisionRepository interface {
	// CreateDecision saves an evaluation record and returns its assigned ID.
	CreateDecision(ctx context.Context, d *domain.BotSwapDecision) (int64, error)
	// CreateMissedTrade saves a missed-trade record and returns its ID.
	CreateMissedTrade(ctx context.Context, m *domain.MissedTrade) (int64, error)
	// FindRecentDecisions retrieves the most recent decisions for a bot.
	FindRecentDecisions(ctx context.Context, botID int64, limit int) ([]*domain.BotSwapDecision, error)
	// FindRecentMissedTrades retrieves the most recent missed trades for a bot.
	FindRecentMissedTrades(ctx context.Context, botID int64, limit int) ([]*domain.MissedTrade, error)
}
