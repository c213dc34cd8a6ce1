package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coinrotator/internal/domain"
	"coinrotator/internal/ports"

	"github.com/mattn/go-sqlite3"
)

// Repository implements the ports repository interfaces (Bot, Snapshot,
// Lock, Trade, Decision) using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/coinrotator.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between bot loops sharing the file.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Single writer connection: serializes transactions, which the atomic
	// lock acquisition path relies on alongside the unique index backstop.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified", map[string]interface{}{"path": dbPath})

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS bots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		account_scope TEXT NOT NULL,
		coins TEXT NOT NULL,
		current_coin TEXT NOT NULL DEFAULT '',
		reference_coin TEXT NOT NULL,
		threshold_pct REAL NOT NULL,
		global_threshold_pct REAL NOT NULL,
		take_profit_pct REAL NOT NULL DEFAULT 0,
		commission_rate REAL NOT NULL,
		global_peak_value REAL NOT NULL DEFAULT 0,
		total_commissions_paid REAL NOT NULL DEFAULT 0,
		reset_epoch INTEGER NOT NULL DEFAULT 0,
		tick_interval_sec INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS coin_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL,
		coin TEXT NOT NULL,
		snapshot_price REAL NOT NULL,
		units_held REAL NOT NULL DEFAULT 0,
		ref_value REAL NOT NULL DEFAULT 0,
		was_ever_held INTEGER NOT NULL DEFAULT 0,
		max_units_reached REAL NOT NULL DEFAULT 0,
		reset_epoch INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (bot_id, coin, reset_epoch)
	);

	CREATE TABLE IF NOT EXISTS coin_units (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL,
		coin TEXT NOT NULL,
		units REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (bot_id, coin)
	);

	CREATE TABLE IF NOT EXISTS asset_locks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_scope TEXT NOT NULL,
		bot_id INTEGER NOT NULL,
		coin TEXT NOT NULL,
		amount REAL NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		released_at TIMESTAMP DEFAULT NULL
	);
	-- At most one active lock per (scope, coin): the atomic check-and-insert
	-- backstop for concurrent acquire calls.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_asset_locks_active
		ON asset_locks (account_scope, coin) WHERE status = 'locked';

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL,
		attempt_id TEXT NOT NULL UNIQUE,
		from_coin TEXT NOT NULL,
		to_coin TEXT NOT NULL,
		from_amount REAL NOT NULL,
		to_amount REAL NOT NULL,
		commission REAL NOT NULL,
		status TEXT NOT NULL,
		executed_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		from_coin TEXT NOT NULL,
		to_coin TEXT NOT NULL,
		from_amount REAL NOT NULL,
		to_amount REAL NOT NULL,
		price REAL NOT NULL,
		commission REAL NOT NULL,
		status TEXT NOT NULL,
		external_trade_id TEXT NOT NULL DEFAULT '',
		raw_payload TEXT NOT NULL DEFAULT '',
		executed_at TIMESTAMP NOT NULL,
		UNIQUE (trade_id, seq)
	);

	CREATE TABLE IF NOT EXISTS swap_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL,
		from_coin TEXT NOT NULL,
		to_coin TEXT NOT NULL DEFAULT '',
		from_price REAL NOT NULL DEFAULT 0,
		to_price REAL NOT NULL DEFAULT 0,
		from_snapshot_price REAL NOT NULL DEFAULT 0,
		to_snapshot_price REAL NOT NULL DEFAULT 0,
		deviation_pct REAL NOT NULL DEFAULT 0,
		threshold_pct REAL NOT NULL DEFAULT 0,
		deviation_triggered INTEGER NOT NULL DEFAULT 0,
		unit_gain_pct REAL NOT NULL DEFAULT 0,
		ref_value REAL NOT NULL DEFAULT 0,
		peak_value_before REAL NOT NULL DEFAULT 0,
		peak_value_after REAL NOT NULL DEFAULT 0,
		global_protection_triggered INTEGER NOT NULL DEFAULT 0,
		take_profit_triggered INTEGER NOT NULL DEFAULT 0,
		swap_performed INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		trade_id INTEGER DEFAULT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS missed_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL,
		from_coin TEXT NOT NULL,
		to_coin TEXT NOT NULL DEFAULT '',
		from_price REAL NOT NULL DEFAULT 0,
		to_price REAL NOT NULL DEFAULT 0,
		deviation_pct REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_bot_epoch ON coin_snapshots (bot_id, reset_epoch);
	CREATE INDEX IF NOT EXISTS idx_trades_bot_executed ON trades (bot_id, executed_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_bot_created ON swap_decisions (bot_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_missed_bot_created ON missed_trades (bot_id, created_at);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// inTx runs fn inside a transaction, rolling back on error.
func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error(ctx, rbErr, "Transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- BotRepository Implementation ---

// Create saves a new bot and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, bot *domain.Bot) (int64, error) {
	const query = `
	INSERT INTO bots (name, account_scope, coins, current_coin, reference_coin,
	                  threshold_pct, global_threshold_pct, take_profit_pct, commission_rate,
	                  global_peak_value, total_commissions_paid, reset_epoch, tick_interval_sec,
	                  created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		bot.Name, bot.AccountScope, strings.Join(bot.Coins, ","), bot.CurrentCoin, bot.ReferenceCoin,
		bot.ThresholdPct, bot.GlobalThresholdPct, bot.TakeProfitPct, bot.CommissionRate,
		bot.GlobalPeakValue, bot.TotalCommissionsPaid, bot.ResetEpoch, int(bot.TickInterval.Seconds()),
		now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("bot %q already exists: %w", bot.Name, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to insert bot %q: %w", bot.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for bot %q: %w", bot.Name, err)
	}
	bot.ID = id
	bot.CreatedAt = now
	bot.UpdatedAt = now
	r.logger.Debug(ctx, "Bot created", map[string]interface{}{"botID": id, "name": bot.Name})
	return id, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Update persists the bot's mutable rotation state.
func (r *Repository) Update(ctx context.Context, bot *domain.Bot) error {
	return r.updateBot(ctx, r.db, bot)
}

func (r *Repository) updateBot(ctx context.Context, ex execer, bot *domain.Bot) error {
	const query = `
	UPDATE bots
	SET coins = ?, current_coin = ?, threshold_pct = ?, global_threshold_pct = ?,
	    take_profit_pct = ?, commission_rate = ?, global_peak_value = ?,
	    total_commissions_paid = ?, reset_epoch = ?, tick_interval_sec = ?, updated_at = ?
	WHERE id = ?`

	result, err := ex.ExecContext(ctx, query,
		strings.Join(bot.Coins, ","), bot.CurrentCoin, bot.ThresholdPct, bot.GlobalThresholdPct,
		bot.TakeProfitPct, bot.CommissionRate, bot.GlobalPeakValue,
		bot.TotalCommissionsPaid, bot.ResetEpoch, int(bot.TickInterval.Seconds()), time.Now().UTC(),
		bot.ID)
	if err != nil {
		return fmt.Errorf("failed to update bot ID %d: %w", bot.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for bot ID %d: %w", bot.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("bot ID %d not found for update: %w", bot.ID, ports.ErrNotFound)
	}
	return nil
}

// FindByName retrieves a bot by its unique name.
func (r *Repository) FindByName(ctx context.Context, name string) (*domain.Bot, error) {
	return r.findBot(ctx, `WHERE name = ?`, name)
}

// FindByID retrieves a bot by ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Bot, error) {
	return r.findBot(ctx, `WHERE id = ?`, id)
}

func (r *Repository) findBot(ctx context.Context, where string, arg interface{}) (*domain.Bot, error) {
	query := `
	SELECT id, name, account_scope, coins, current_coin, reference_coin,
	       threshold_pct, global_threshold_pct, take_profit_pct, commission_rate,
	       global_peak_value, total_commissions_paid, reset_epoch, tick_interval_sec,
	       created_at, updated_at
	FROM bots ` + where

	bot := &domain.Bot{}
	var coins string
	var tickSec int
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&bot.ID, &bot.Name, &bot.AccountScope, &coins, &bot.CurrentCoin, &bot.ReferenceCoin,
		&bot.ThresholdPct, &bot.GlobalThresholdPct, &bot.TakeProfitPct, &bot.CommissionRate,
		&bot.GlobalPeakValue, &bot.TotalCommissionsPaid, &bot.ResetEpoch, &tickSec,
		&bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query bot: %w", err)
	}
	if coins != "" {
		bot.Coins = strings.Split(coins, ",")
	}
	bot.TickInterval = time.Duration(tickSec) * time.Second
	return bot, nil
}

// --- SnapshotRepository Implementation ---

// FindActive retrieves the snapshot for (bot, coin) in the given reset epoch.
func (r *Repository) FindActive(ctx context.Context, botID int64, coin string, epoch int) (*domain.CoinSnapshot, error) {
	const query = `
	SELECT id, bot_id, coin, snapshot_price, units_held, ref_value, was_ever_held,
	       max_units_reached, reset_epoch, created_at, updated_at
	FROM coin_snapshots
	WHERE bot_id = ? AND coin = ? AND reset_epoch = ?`

	snap, err := scanSnapshot(r.db.QueryRowContext(ctx, query, botID, coin, epoch))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query snapshot for bot %d coin %s: %w", botID, coin, err)
	}
	return snap, nil
}

// ListActive retrieves all snapshots for a bot in the given epoch.
func (r *Repository) ListActive(ctx context.Context, botID int64, epoch int) ([]*domain.CoinSnapshot, error) {
	const query = `
	SELECT id, bot_id, coin, snapshot_price, units_held, ref_value, was_ever_held,
	       max_units_reached, reset_epoch, created_at, updated_at
	FROM coin_snapshots
	WHERE bot_id = ? AND reset_epoch = ?
	ORDER BY coin`

	rows, err := r.db.QueryContext(ctx, query, botID, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for bot %d: %w", botID, err)
	}
	defer rows.Close()

	snaps := make([]*domain.CoinSnapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot during ListActive: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snaps, nil
}

// Save upserts a snapshot and its unit tracker in one transaction.
func (r *Repository) Save(ctx context.Context, snap *domain.CoinSnapshot, units *domain.CoinUnitTracker) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		if units != nil {
			if err := upsertUnits(ctx, tx, units); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertSnapshot(ctx context.Context, ex execer, snap *domain.CoinSnapshot) error {
	const query = `
	INSERT INTO coin_snapshots (bot_id, coin, snapshot_price, units_held, ref_value,
	                            was_ever_held, max_units_reached, reset_epoch, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (bot_id, coin, reset_epoch) DO UPDATE SET
		snapshot_price = excluded.snapshot_price,
		units_held = excluded.units_held,
		ref_value = excluded.ref_value,
		was_ever_held = excluded.was_ever_held,
		max_units_reached = excluded.max_units_reached,
		updated_at = excluded.updated_at`

	now := time.Now().UTC()
	_, err := ex.ExecContext(ctx, query,
		snap.BotID, snap.Coin, snap.SnapshotPrice, snap.UnitsHeld, snap.RefValue,
		snap.WasEverHeld, snap.MaxUnitsReached, snap.ResetEpoch, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot for bot %d coin %s: %w", snap.BotID, snap.Coin, err)
	}
	return nil
}

func upsertUnits(ctx context.Context, ex execer, units *domain.CoinUnitTracker) error {
	const query = `
	INSERT INTO coin_units (bot_id, coin, units, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (bot_id, coin) DO UPDATE SET
		units = excluded.units,
		updated_at = excluded.updated_at`

	_, err := ex.ExecContext(ctx, query, units.BotID, units.Coin, units.Units, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert unit tracker for bot %d coin %s: %w", units.BotID, units.Coin, err)
	}
	return nil
}

// FindUnits retrieves the unit tracker for (bot, coin).
func (r *Repository) FindUnits(ctx context.Context, botID int64, coin string) (*domain.CoinUnitTracker, error) {
	const query = `SELECT id, bot_id, coin, units, updated_at FROM coin_units WHERE bot_id = ? AND coin = ?`

	tr := &domain.CoinUnitTracker{}
	err := r.db.QueryRowContext(ctx, query, botID, coin).Scan(&tr.ID, &tr.BotID, &tr.Coin, &tr.Units, &tr.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query unit tracker for bot %d coin %s: %w", botID, coin, err)
	}
	return tr, nil
}

// ResetUnits zeroes every unit tracker for the bot.
func (r *Repository) ResetUnits(ctx context.Context, botID int64) error {
	const query = `UPDATE coin_units SET units = 0, updated_at = ? WHERE bot_id = ?`
	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), botID); err != nil {
		return fmt.Errorf("failed to reset unit trackers for bot %d: %w", botID, err)
	}
	return nil
}

// --- LockRepository Implementation ---

// AcquireLock atomically inserts a new active lock. Expired active locks for
// the same (scope, coin) are swept inside the same transaction so a stale
// lease never blocks acquisition; the partial unique index resolves races
// between concurrent callers with exactly one winner.
func (r *Repository) AcquireLock(ctx context.Context, lock *domain.AssetLock) (int64, error) {
	var id int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		const sweep = `
		UPDATE asset_locks SET status = ?, released_at = ?
		WHERE account_scope = ? AND coin = ? AND status = ? AND expires_at <= ?`
		if _, err := tx.ExecContext(ctx, sweep,
			domain.LockStatusReleased, now, lock.AccountScope, lock.Coin, domain.LockStatusLocked, now); err != nil {
			return fmt.Errorf("failed to sweep expired locks for %s/%s: %w", lock.AccountScope, lock.Coin, err)
		}

		const insert = `
		INSERT INTO asset_locks (account_scope, bot_id, coin, amount, status, reason, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		result, err := tx.ExecContext(ctx, insert,
			lock.AccountScope, lock.BotID, lock.Coin, lock.Amount,
			domain.LockStatusLocked, lock.Reason, lock.ExpiresAt.UTC(), now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("coin %s in scope %s: %w", lock.Coin, lock.AccountScope, ports.ErrAlreadyLocked)
			}
			return fmt.Errorf("failed to insert lock for %s/%s: %w", lock.AccountScope, lock.Coin, err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID for lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	lock.ID = id
	lock.Status = domain.LockStatusLocked
	r.logger.Debug(ctx, "Asset lock acquired", map[string]interface{}{"lockID": id, "coin": lock.Coin, "scope": lock.AccountScope})
	return id, nil
}

// ReleaseLock transitions a lock to released. Idempotent; ErrLockNotOwner
// when the scope does not match.
func (r *Repository) ReleaseLock(ctx context.Context, lockID int64, scope string) error {
	const release = `
	UPDATE asset_locks SET status = ?, released_at = ?
	WHERE id = ? AND account_scope = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, release,
		domain.LockStatusReleased, time.Now().UTC(), lockID, scope, domain.LockStatusLocked)
	if err != nil {
		return fmt.Errorf("failed to release lock %d: %w", lockID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected releasing lock %d: %w", lockID, err)
	}
	if rows > 0 {
		r.logger.Debug(ctx, "Asset lock released", map[string]interface{}{"lockID": lockID, "scope": scope})
		return nil
	}

	// Nothing updated: distinguish wrong owner from already released/missing.
	var owner string
	err = r.db.QueryRowContext(ctx, `SELECT account_scope FROM asset_locks WHERE id = ?`, lockID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // unknown lock, treat as released
	}
	if err != nil {
		return fmt.Errorf("failed to look up lock %d owner: %w", lockID, err)
	}
	if owner != scope {
		return fmt.Errorf("lock %d owned by scope %q, not %q: %w", lockID, owner, scope, ports.ErrLockNotOwner)
	}
	return nil // already released
}

// FindActiveLock retrieves the unexpired active lock for (scope, coin).
func (r *Repository) FindActiveLock(ctx context.Context, scope, coin string) (*domain.AssetLock, error) {
	const query = `
	SELECT id, account_scope, bot_id, coin, amount, status, reason, expires_at, created_at, released_at
	FROM asset_locks
	WHERE account_scope = ? AND coin = ? AND status = ? AND expires_at > ?`

	lock, err := scanLock(r.db.QueryRowContext(ctx, query, scope, coin, domain.LockStatusLocked, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active lock for %s/%s: %w", scope, coin, err)
	}
	return lock, nil
}

// ReleaseExpired transitions every active lock past its expiry to released.
func (r *Repository) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	const query = `
	UPDATE asset_locks SET status = ?, released_at = ?
	WHERE status = ? AND expires_at <= ?`

	result, err := r.db.ExecContext(ctx, query,
		domain.LockStatusReleased, now.UTC(), domain.LockStatusLocked, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release expired locks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected releasing expired locks: %w", err)
	}
	return int(rows), nil
}

// --- TradeRepository Implementation ---

// CommitSettlement writes the trade, its steps, and any bot/snapshot advances
// in a single transaction and returns the trade ID.
func (r *Repository) CommitSettlement(ctx context.Context, res *domain.Settlement) (int64, error) {
	if res == nil || res.Trade == nil {
		return 0, fmt.Errorf("settlement requires a trade: %w", ports.ErrInvalidRequest)
	}
	var tradeID int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		const insertTrade = `
		INSERT INTO trades (bot_id, attempt_id, from_coin, to_coin, from_amount, to_amount, commission, status, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		t := res.Trade
		result, err := tx.ExecContext(ctx, insertTrade,
			t.BotID, t.AttemptID, t.FromCoin, t.ToCoin, t.FromAmount, t.ToAmount, t.Commission, t.Status, t.ExecutedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("trade attempt %q already recorded: %w", t.AttemptID, ports.ErrDuplicateEntry)
			}
			return fmt.Errorf("failed to insert trade for bot %d: %w", t.BotID, err)
		}
		tradeID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID for trade: %w", err)
		}

		const insertStep = `
		INSERT INTO trade_steps (trade_id, seq, from_coin, to_coin, from_amount, to_amount, price,
		                         commission, status, external_trade_id, raw_payload, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, step := range t.Steps {
			if _, err := tx.ExecContext(ctx, insertStep,
				tradeID, step.Seq, step.FromCoin, step.ToCoin, step.FromAmount, step.ToAmount, step.Price,
				step.Commission, step.Status, step.ExternalTradeID, step.RawPayload, step.ExecutedAt.UTC()); err != nil {
				return fmt.Errorf("failed to insert trade step %d: %w", step.Seq, err)
			}
		}

		if res.Bot != nil {
			if err := r.updateBot(ctx, tx, res.Bot); err != nil {
				return err
			}
		}
		for _, snap := range res.Snapshots {
			if err := upsertSnapshot(ctx, tx, snap); err != nil {
				return err
			}
		}
		for _, units := range res.Units {
			if err := upsertUnits(ctx, tx, units); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	res.Trade.ID = tradeID
	for _, step := range res.Trade.Steps {
		step.TradeID = tradeID
	}
	r.logger.Debug(ctx, "Settlement committed", map[string]interface{}{
		"tradeID": tradeID, "status": res.Trade.Status, "steps": len(res.Trade.Steps)})
	return tradeID, nil
}

// FindTradeByID retrieves a trade with its steps.
func (r *Repository) FindTradeByID(ctx context.Context, id int64) (*domain.Trade, error) {
	const query = `
	SELECT id, bot_id, attempt_id, from_coin, to_coin, from_amount, to_amount, commission, status, executed_at
	FROM trades WHERE id = ?`

	trade, err := scanTrade(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade %d: %w", id, err)
	}
	if err := r.loadSteps(ctx, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// FindRecentByBot retrieves the most recent trades for a bot, up to limit.
func (r *Repository) FindRecentByBot(ctx context.Context, botID int64, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, bot_id, attempt_id, from_coin, to_coin, from_amount, to_amount, commission, status, executed_at
	FROM trades WHERE bot_id = ? ORDER BY executed_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for bot %d: %w", botID, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during FindRecentByBot: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	for _, trade := range trades {
		if err := r.loadSteps(ctx, trade); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

func (r *Repository) loadSteps(ctx context.Context, trade *domain.Trade) error {
	const query = `
	SELECT id, trade_id, seq, from_coin, to_coin, from_amount, to_amount, price,
	       commission, status, external_trade_id, raw_payload, executed_at
	FROM trade_steps WHERE trade_id = ? ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, trade.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps for trade %d: %w", trade.ID, err)
	}
	defer rows.Close()

	steps := make([]*domain.TradeStep, 0)
	for rows.Next() {
		step := &domain.TradeStep{}
		var status string
		if err := rows.Scan(
			&step.ID, &step.TradeID, &step.Seq, &step.FromCoin, &step.ToCoin,
			&step.FromAmount, &step.ToAmount, &step.Price,
			&step.Commission, &status, &step.ExternalTradeID, &step.RawPayload, &step.ExecutedAt); err != nil {
			return fmt.Errorf("failed to scan trade step: %w", err)
		}
		step.Status = domain.TradeStatus(status)
		steps = append(steps, step)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating trade step rows: %w", err)
	}
	trade.Steps = steps
	return nil
}

// --- DecisionRepository Implementation ---

// CreateDecision saves an evaluation record and returns its assigned ID.
func (r *Repository) CreateDecision(ctx context.Context, d *domain.BotSwapDecision) (int64, error) {
	const query = `
	INSERT INTO swap_decisions (bot_id, from_coin, to_coin, from_price, to_price,
	                            from_snapshot_price, to_snapshot_price, deviation_pct, threshold_pct,
	                            deviation_triggered, unit_gain_pct, ref_value, peak_value_before,
	                            peak_value_after, global_protection_triggered, take_profit_triggered,
	                            swap_performed, reason, trade_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var tradeID sql.NullInt64
	if d.TradeID != 0 {
		tradeID = sql.NullInt64{Int64: d.TradeID, Valid: true}
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		d.BotID, d.FromCoin, d.ToCoin, d.FromPrice, d.ToPrice,
		d.FromSnapshotPrice, d.ToSnapshotPrice, d.DeviationPct, d.ThresholdPct,
		d.DeviationTriggered, d.UnitGainPct, d.RefValue, d.PeakValueBefore,
		d.PeakValueAfter, d.GlobalProtectionTriggered, d.TakeProfitTriggered,
		d.SwapPerformed, d.Reason, tradeID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert swap decision for bot %d: %w", d.BotID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for swap decision: %w", err)
	}
	d.ID = id
	d.CreatedAt = now
	return id, nil
}

// CreateMissedTrade saves a missed-trade record and returns its ID.
func (r *Repository) CreateMissedTrade(ctx context.Context, m *domain.MissedTrade) (int64, error) {
	const query = `
	INSERT INTO missed_trades (bot_id, from_coin, to_coin, from_price, to_price, deviation_pct, reason, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		m.BotID, m.FromCoin, m.ToCoin, m.FromPrice, m.ToPrice, m.DeviationPct, m.Reason, m.Detail, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert missed trade for bot %d: %w", m.BotID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for missed trade: %w", err)
	}
	m.ID = id
	m.CreatedAt = now
	return id, nil
}

// FindRecentDecisions retrieves the most recent decisions for a bot.
func (r *Repository) FindRecentDecisions(ctx context.Context, botID int64, limit int) ([]*domain.BotSwapDecision, error) {
	const query = `
	SELECT id, bot_id, from_coin, to_coin, from_price, to_price,
	       from_snapshot_price, to_snapshot_price, deviation_pct, threshold_pct,
	       deviation_triggered, unit_gain_pct, ref_value, peak_value_before,
	       peak_value_after, global_protection_triggered, take_profit_triggered,
	       swap_performed, reason, trade_id, created_at
	FROM swap_decisions WHERE bot_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions for bot %d: %w", botID, err)
	}
	defer rows.Close()

	decisions := make([]*domain.BotSwapDecision, 0)
	for rows.Next() {
		d := &domain.BotSwapDecision{}
		var tradeID sql.NullInt64
		if err := rows.Scan(
			&d.ID, &d.BotID, &d.FromCoin, &d.ToCoin, &d.FromPrice, &d.ToPrice,
			&d.FromSnapshotPrice, &d.ToSnapshotPrice, &d.DeviationPct, &d.ThresholdPct,
			&d.DeviationTriggered, &d.UnitGainPct, &d.RefValue, &d.PeakValueBefore,
			&d.PeakValueAfter, &d.GlobalProtectionTriggered, &d.TakeProfitTriggered,
			&d.SwapPerformed, &d.Reason, &tradeID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan swap decision: %w", err)
		}
		if tradeID.Valid {
			d.TradeID = tradeID.Int64
		}
		decisions = append(decisions, d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating swap decision rows: %w", err)
	}
	return decisions, nil
}

// FindRecentMissedTrades retrieves the most recent missed trades for a bot.
func (r *Repository) FindRecentMissedTrades(ctx context.Context, botID int64, limit int) ([]*domain.MissedTrade, error) {
	const query = `
	SELECT id, bot_id, from_coin, to_coin, from_price, to_price, deviation_pct, reason, detail, created_at
	FROM missed_trades WHERE bot_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query missed trades for bot %d: %w", botID, err)
	}
	defer rows.Close()

	missed := make([]*domain.MissedTrade, 0)
	for rows.Next() {
		m := &domain.MissedTrade{}
		var reason string
		if err := rows.Scan(
			&m.ID, &m.BotID, &m.FromCoin, &m.ToCoin, &m.FromPrice, &m.ToPrice,
			&m.DeviationPct, &reason, &m.Detail, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan missed trade: %w", err)
		}
		m.Reason = domain.MissReason(reason)
		missed = append(missed, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missed trade rows: %w", err)
	}
	return missed, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(s scanner) (*domain.CoinSnapshot, error) {
	snap := &domain.CoinSnapshot{}
	err := s.Scan(
		&snap.ID, &snap.BotID, &snap.Coin, &snap.SnapshotPrice, &snap.UnitsHeld, &snap.RefValue,
		&snap.WasEverHeld, &snap.MaxUnitsReached, &snap.ResetEpoch, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	return snap, nil
}

func scanLock(s scanner) (*domain.AssetLock, error) {
	lock := &domain.AssetLock{}
	var status string
	var releasedAt sql.NullTime
	err := s.Scan(
		&lock.ID, &lock.AccountScope, &lock.BotID, &lock.Coin, &lock.Amount,
		&status, &lock.Reason, &lock.ExpiresAt, &lock.CreatedAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	lock.Status = domain.LockStatus(status)
	if releasedAt.Valid {
		lock.ReleasedAt = releasedAt.Time
	}
	return lock, nil
}

func scanTrade(s scanner) (*domain.Trade, error) {
	trade := &domain.Trade{}
	var status string
	err := s.Scan(
		&trade.ID, &trade.BotID, &trade.AttemptID, &trade.FromCoin, &trade.ToCoin,
		&trade.FromAmount, &trade.ToAmount, &trade.Commission, &status, &trade.ExecutedAt)
	if err != nil {
		return nil, err
	}
	trade.Status = domain.TradeStatus(status)
	return trade, nil
}
