package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pulseTrader/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Binance feed
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Market data
	Symbols       []string // Symbols to ingest
	Intervals     []string // Candle intervals to ingest
	RingCapacity  int      // Candles kept per (symbol, interval)
	CloseDebounce time.Duration
	TickerRate    float64 // Max ticker writes per symbol per second

	// Evaluation
	EvalTimeout   time.Duration // Per-run sandbox time bound
	SnapshotDepth int           // Candles handed to strategy code per interval
	WorkerPool    int           // Evaluation workers (0 = NumCPU*2)
	QueueDepth    int           // Pending evaluations beyond the pool

	// Validation policy
	MaxStopDistancePct float64 // Max stop-loss distance as a fraction of price
	MinConfidence      float64 // Decisions below this are rejected (0 disables)

	// Quotas
	GlobalMaxRunning   int64
	PerOwnerMaxRunning int64

	// Paper execution
	SlippageBps float64

	// Database
	DBPath string

	// Logging
	LogLevel   logger.LogLevel
	LogBackend string // "std" or "logrus"

	// Connection settings for the feed adapter
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance feed
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Market data
	cfg.Symbols = splitList(getEnv("SYMBOLS", "BTCUSDT"))
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	cfg.Intervals = splitList(getEnv("INTERVALS", "1m,5m,1h"))
	if len(cfg.Intervals) == 0 {
		errs = append(errs, "INTERVALS must list at least one interval")
	}

	cfg.RingCapacity, err = getEnvAsIntRequired("RING_CAPACITY", 500)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RING_CAPACITY: %v", err))
	} else if cfg.RingCapacity <= 0 {
		errs = append(errs, "RING_CAPACITY must be positive")
	}

	debounceMs := getEnvAsInt("CLOSE_DEBOUNCE_MS", 200)
	if debounceMs < 0 {
		errs = append(errs, "CLOSE_DEBOUNCE_MS cannot be negative")
	}
	cfg.CloseDebounce = time.Duration(debounceMs) * time.Millisecond

	cfg.TickerRate = getEnvAsFloat("TICKER_RATE_PER_SEC", 1.0)
	if cfg.TickerRate <= 0 {
		errs = append(errs, "TICKER_RATE_PER_SEC must be positive")
	}

	// Evaluation
	evalTimeoutSecs := getEnvAsInt("EVAL_TIMEOUT_SECONDS", 5)
	if evalTimeoutSecs <= 0 {
		errs = append(errs, "EVAL_TIMEOUT_SECONDS must be positive")
	}
	cfg.EvalTimeout = time.Duration(evalTimeoutSecs) * time.Second

	cfg.SnapshotDepth = getEnvAsInt("SNAPSHOT_DEPTH", 200)
	if cfg.SnapshotDepth <= 0 {
		errs = append(errs, "SNAPSHOT_DEPTH must be positive")
	}

	cfg.WorkerPool = getEnvAsInt("WORKER_POOL_SIZE", 0)
	if cfg.WorkerPool < 0 {
		errs = append(errs, "WORKER_POOL_SIZE cannot be negative")
	}
	if cfg.WorkerPool == 0 {
		cfg.WorkerPool = runtime.NumCPU() * 2
	}

	cfg.QueueDepth = getEnvAsInt("EVAL_QUEUE_DEPTH", 256)
	if cfg.QueueDepth <= 0 {
		errs = append(errs, "EVAL_QUEUE_DEPTH must be positive")
	}

	// Validation policy
	cfg.MaxStopDistancePct, err = getEnvAsFloatRequired("MAX_STOP_DISTANCE_PCT", 0.10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_STOP_DISTANCE_PCT: %v", err))
	} else if cfg.MaxStopDistancePct <= 0 || cfg.MaxStopDistancePct >= 1.0 {
		errs = append(errs, "MAX_STOP_DISTANCE_PCT must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MinConfidence = getEnvAsFloat("MIN_CONFIDENCE", 0)
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1.0 {
		errs = append(errs, "MIN_CONFIDENCE must be between 0.0 and 1.0")
	}

	// Quotas
	globalMax := getEnvAsInt("GLOBAL_MAX_RUNNING", 100)
	if globalMax <= 0 {
		errs = append(errs, "GLOBAL_MAX_RUNNING must be positive")
	}
	cfg.GlobalMaxRunning = int64(globalMax)

	perOwnerMax := getEnvAsInt("PER_OWNER_MAX_RUNNING", 10)
	if perOwnerMax <= 0 {
		errs = append(errs, "PER_OWNER_MAX_RUNNING must be positive")
	}
	cfg.PerOwnerMaxRunning = int64(perOwnerMax)

	// Paper execution
	cfg.SlippageBps = getEnvAsFloat("SLIPPAGE_BPS", 0)
	if cfg.SlippageBps < 0 {
		errs = append(errs, "SLIPPAGE_BPS cannot be negative")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/pulse_trader.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogBackend = strings.ToLower(getEnv("LOG_BACKEND", "std"))
	if cfg.LogBackend != "std" && cfg.LogBackend != "logrus" {
		errs = append(errs, "LOG_BACKEND must be 'std' or 'logrus'")
	}

	// Connection settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

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

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
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

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
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
