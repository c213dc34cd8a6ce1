package locks

import (
	"context"
	"fmt"
	"time"

	"coinrotator/internal/domain"
	"coinrotator/internal/ports"
)

// Manager is the lease-based mutual-exclusion mechanism over
// (account scope, coin) pairs shared by every bot loop. Acquisition is
// atomic at the persistence layer; the TTL is the recovery path when a
// settlement crashes while holding a lock.
type Manager struct {
	repo       ports.LockRepository
	logger     ports.Logger
	defaultTTL time.Duration
	now        func() time.Time
}

// Config holds configuration for the lock manager.
type Config struct {
	Repo       ports.LockRepository
	Logger     ports.Logger
	DefaultTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewManager creates a new asset lock manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Repo == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for lock manager")
	}
	if cfg.DefaultTTL <= 0 {
		return nil, fmt.Errorf("lock TTL must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{repo: cfg.Repo, logger: cfg.Logger, defaultTTL: cfg.DefaultTTL, now: now}, nil
}

// Acquire atomically takes a lease on (scope, coin). A zero ttl uses the
// manager's default. Fails with ports.ErrAlreadyLocked when an unexpired
// active lock exists.
func (m *Manager) Acquire(ctx context.Context, scope string, botID int64, coin string, amount float64, reason string, ttl time.Duration) (*domain.AssetLock, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	lock := &domain.AssetLock{
		AccountScope: scope,
		BotID:        botID,
		Coin:         coin,
		Amount:       amount,
		Reason:       reason,
		ExpiresAt:    m.now().Add(ttl).UTC(),
	}
	if _, err := m.repo.AcquireLock(ctx, lock); err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "Asset lock acquired", map[string]interface{}{
		"lockID": lock.ID, "scope": scope, "coin": coin, "amount": amount, "reason": reason, "expiresAt": lock.ExpiresAt})
	return lock, nil
}

// Release returns a lease. Idempotent: releasing an already released or
// expired lock is not an error.
func (m *Manager) Release(ctx context.Context, lockID int64, scope string) error {
	if err := m.repo.ReleaseLock(ctx, lockID, scope); err != nil {
		return err
	}
	m.logger.Debug(ctx, "Asset lock released", map[string]interface{}{"lockID": lockID, "scope": scope})
	return nil
}

// CanAcquire is a read-only advisory check. It never mutates state, so a
// positive answer can go stale before Acquire; callers must still handle
// Acquire failing with ErrAlreadyLocked.
func (m *Manager) CanAcquire(ctx context.Context, scope, coin string, amount float64) (bool, string, error) {
	existing, err := m.repo.FindActiveLock(ctx, scope, coin)
	if err != nil {
		return false, "", err
	}
	if existing != nil {
		return false, fmt.Sprintf("coin %s locked by bot %d until %s (%s)",
			coin, existing.BotID, existing.ExpiresAt.Format(time.RFC3339), existing.Reason), nil
	}
	return true, "", nil
}

// CleanupExpired releases every lock past its expiry and returns the count.
// At-least-once semantics: safe to run concurrently from multiple schedulers.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	count, err := m.repo.ReleaseExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Warn(ctx, "Released expired asset locks", map[string]interface{}{"count": count})
	}
	return count, nil
}
