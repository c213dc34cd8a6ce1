package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"coinrotator/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Bot identity
	BotName      string
	AccountScope string

	// Rotation Parameters
	Coins         []string // full set the bot rotates across
	InitialCoin   string   // holding on first run
	InitialUnits  float64  // units of InitialCoin on first run
	ReferenceCoin string   // valuation currency (e.g. USDT)
	BridgeCoin    string   // intermediate for coins with no direct pair

	ThresholdPct         float64 // per-swap deviation trigger, in percent
	GlobalThresholdPct   float64 // drawdown-from-peak protection floor, in percent
	TakeProfitPct        float64 // unit-gain override of the protection floor; 0 disables
	UnitGainTolerancePct float64 // allowed shortfall vs a coin's unit baseline
	CommissionRate       float64 // per-conversion fee fraction (e.g. 0.001)

	// Scheduling
	TickInterval        time.Duration
	LockTTL             time.Duration
	LockCleanupInterval time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel      logger.LogLevel
	LogBackend    string // "std" or "zap"
	LogOutput     string // zap only: console, file, both
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Bot identity
	cfg.BotName = getEnv("BOT_NAME", "rotator")
	if cfg.BotName == "" {
		errs = append(errs, "BOT_NAME must be set")
	}
	cfg.AccountScope = getEnv("ACCOUNT_SCOPE", "default")
	if cfg.AccountScope == "" {
		errs = append(errs, "ACCOUNT_SCOPE must be set")
	}

	// Rotation Parameters
	cfg.Coins = splitList(getEnv("COINS", "BTC,ETH"))
	if len(cfg.Coins) < 2 {
		errs = append(errs, "COINS must list at least two coins")
	}
	cfg.InitialCoin = getEnv("INITIAL_COIN", "")
	if cfg.InitialCoin != "" && !contains(cfg.Coins, cfg.InitialCoin) {
		errs = append(errs, "INITIAL_COIN must be one of COINS")
	}
	cfg.InitialUnits, err = getEnvAsFloatRequired("INITIAL_UNITS", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_UNITS: %v", err))
	} else if cfg.InitialCoin != "" && cfg.InitialUnits <= 0 {
		errs = append(errs, "INITIAL_UNITS must be positive when INITIAL_COIN is set")
	}

	cfg.ReferenceCoin = getEnv("REFERENCE_COIN", "USDT")
	if cfg.ReferenceCoin == "" {
		errs = append(errs, "REFERENCE_COIN must be set")
	}
	cfg.BridgeCoin = getEnv("BRIDGE_COIN", cfg.ReferenceCoin)

	cfg.ThresholdPct, err = getEnvAsFloatRequired("THRESHOLD_PCT", 3.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid THRESHOLD_PCT: %v", err))
	} else if cfg.ThresholdPct <= 0 {
		errs = append(errs, "THRESHOLD_PCT must be positive")
	}

	cfg.GlobalThresholdPct, err = getEnvAsFloatRequired("GLOBAL_THRESHOLD_PCT", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid GLOBAL_THRESHOLD_PCT: %v", err))
	} else if cfg.GlobalThresholdPct <= 0 || cfg.GlobalThresholdPct >= 100 {
		errs = append(errs, "GLOBAL_THRESHOLD_PCT must be between 0 and 100 (exclusive)")
	}

	cfg.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PCT: %v", err))
	} else if cfg.TakeProfitPct < 0 {
		errs = append(errs, "TAKE_PROFIT_PCT cannot be negative")
	}

	cfg.UnitGainTolerancePct = getEnvAsFloat("UNIT_GAIN_TOLERANCE_PCT", 0.5)
	if cfg.UnitGainTolerancePct < 0 {
		errs = append(errs, "UNIT_GAIN_TOLERANCE_PCT cannot be negative")
	}

	cfg.CommissionRate, err = getEnvAsFloatRequired("COMMISSION_RATE", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid COMMISSION_RATE: %v", err))
	} else if cfg.CommissionRate < 0 || cfg.CommissionRate >= 1.0 {
		errs = append(errs, "COMMISSION_RATE must be between 0.0 and 1.0 (exclusive)")
	}

	// Scheduling
	tickSeconds := getEnvAsInt("TICK_INTERVAL_SECONDS", 60)
	if tickSeconds <= 0 {
		errs = append(errs, "TICK_INTERVAL_SECONDS must be positive")
	}
	cfg.TickInterval = time.Duration(tickSeconds) * time.Second

	lockTTLSeconds := getEnvAsInt("LOCK_TTL_SECONDS", 120)
	if lockTTLSeconds <= 0 {
		errs = append(errs, "LOCK_TTL_SECONDS must be positive")
	}
	cfg.LockTTL = time.Duration(lockTTLSeconds) * time.Second

	cleanupSeconds := getEnvAsInt("LOCK_CLEANUP_INTERVAL_SECONDS", 300)
	if cleanupSeconds <= 0 {
		errs = append(errs, "LOCK_CLEANUP_INTERVAL_SECONDS must be positive")
	}
	cfg.LockCleanupInterval = time.Duration(cleanupSeconds) * time.Second

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/coin_rotator.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogBackend = strings.ToLower(getEnv("LOG_BACKEND", "zap"))
	if cfg.LogBackend != "std" && cfg.LogBackend != "zap" {
		errs = append(errs, "LOG_BACKEND must be 'std' or 'zap'")
	}
	cfg.LogOutput = getEnv("LOG_OUTPUT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "./logs/coin_rotator.log")
	cfg.LogMaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", 50)
	cfg.LogMaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", 5)
	cfg.LogMaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", 30)
	cfg.LogCompress = getEnvAsBool("LOG_COMPRESS", true)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloatRequired returns an error for a present but unparsable value,
// instead of silently falling back to the default.
func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %s value %q as float: %w", key, valueStr, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
