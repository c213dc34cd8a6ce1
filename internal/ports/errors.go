package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Locking Errors
	ErrAlreadyLocked = errors.New("an active lock already exists for this coin")
	ErrLockNotOwner  = errors.New("lock is owned by a different account scope")

	// Pricing Errors
	ErrPriceUnavailable = errors.New("price is unavailable from the oracle")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrExchangeRejected     = errors.New("exchange rejected the conversion")

	// Settlement Errors
	ErrLockContention    = errors.New("coin is locked by a concurrent settlement")
	ErrPartialExecution  = errors.New("multi-step execution failed after completing earlier steps")
	ErrPersistenceFailed = errors.New("settlement state could not be persisted")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)
