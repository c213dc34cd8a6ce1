package domain

import "time"

// AssetLock is a lease over a coin within an account scope. At most one lock
// with status locked exists per (scope, coin) at any instant; expiry is the
// recovery path for abandoned settlements.
type AssetLock struct {
	ID           int64
	AccountScope string
	BotID        int64
	Coin         string
	Amount       float64
	Status       LockStatus
	Reason       string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	ReleasedAt   time.Time // zero while the lock is held
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l *AssetLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Active reports whether the lock currently excludes other holders.
func (l *AssetLock) Active(now time.Time) bool {
	return l.Status == LockStatusLocked && !l.Expired(now)
}
