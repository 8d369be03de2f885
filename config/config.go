package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	StoreConfig     StoreConfig     `json:"store"`
	BrokerConfig    BrokerConfig    `json:"broker"`
	ExecutionConfig ExecutionConfig `json:"execution"`
	RiskConfig      RiskConfig      `json:"risk"`
	PipelineConfig  PipelineConfig  `json:"pipeline"`
	ReplayConfig    ReplayConfig    `json:"replay"`
	OutcomeConfig   OutcomeConfig   `json:"outcome"`
	TuningConfig    TuningConfig    `json:"tuning"`
	QuotesConfig    QuotesConfig    `json:"quotes"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	ServerConfig    ServerConfig    `json:"server"`
	RedisConfig     RedisConfig     `json:"redis"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
}

// StoreConfig holds rolling-state and brain store configuration
type StoreConfig struct {
	DataDir       string        `json:"data_dir"`        // Base directory for all persisted artifacts
	RollingFile   string        `json:"rolling_file"`    // Rolling state snapshot filename
	BrainFile     string        `json:"brain_file"`      // Brain aggregate snapshot filename
	LockEnabled   bool          `json:"lock_enabled"`    // Advisory file lock on writes
	LockTimeout   time.Duration `json:"lock_timeout"`    // Max wait before the write is skipped
	LockRetry     time.Duration `json:"lock_retry"`      // Poll interval while waiting for the lock
	BarWindowSize int           `json:"bar_window_size"` // Max bars kept per symbol node
	WriteRetries  int           `json:"write_retries"`   // Bounded retries on persistence failure
	WriteBackoff  time.Duration `json:"write_backoff"`   // Backoff between write retries
}

// BrokerConfig holds paper broker configuration
type BrokerConfig struct {
	LedgerFile     string  `json:"ledger_file"`
	InitialCash    float64 `json:"initial_cash"`
	WholeUnitsOnly bool    `json:"whole_units_only"` // Floor BUY quantities to whole units
}

// ExecutionConfig holds policy-to-order execution configuration
type ExecutionConfig struct {
	MinConfidenceAdj  float64       `json:"min_confidence_adj"` // Minimum intent confidence to trade (0-1)
	MaxTradesPerCycle int           `json:"max_trades_per_cycle"`
	MinQuantity       float64       `json:"min_quantity"`       // BUY qty below this is rejected
	AllowAdd          bool          `json:"allow_add"`          // Allow BUY while already long
	ProportionalExits bool          `json:"proportional_exits"` // SELL position_qty*size instead of full
	AllowReentry      bool          `json:"allow_reentry"`      // Re-enter same symbol within one cycle
	CooldownPeriod    time.Duration `json:"cooldown_period"`    // Quiet period after a fill
}

// RiskConfig holds the pre-trade risk guard configuration
type RiskConfig struct {
	Enabled          bool    `json:"enabled"`
	MaxOpenPositions int     `json:"max_open_positions"` // Max concurrent names held
	MaxDailyLossPct  float64 `json:"max_daily_loss_pct"` // Realized daily loss halting new entries
}

// PipelineConfig holds cycle orchestration configuration
type PipelineConfig struct {
	BotKey         string        `json:"bot_key"`         // Identifies this bot in outcome and tuning records
	Symbols        []string      `json:"symbols"`         // Universe for live cycles
	IntentValidity time.Duration `json:"intent_validity"` // How long an intent stays actionable
	StarterFrac    float64       `json:"starter_frac"`    // Base position size fraction of capital
	MinGateConf    float64       `json:"min_gate_conf"`   // Policy trade-gate confidence floor
}

// ReplayConfig holds replay engine and job manager configuration
type ReplayConfig struct {
	RawDir    string `json:"raw_dir"`    // Per-date raw bar archives
	ResultDir string `json:"result_dir"` // Per-date replay results
	MaxJobs   int    `json:"max_jobs"`   // Retained job records
}

// OutcomeConfig holds trade outcome journal configuration
type OutcomeConfig struct {
	LogFile         string `json:"log_file"`         // Line-delimited JSON journal
	AnnualizeSharpe bool   `json:"annualize_sharpe"` // Multiply by sqrt(252)
}

// TuningConfig holds autonomous parameter tuning configuration
type TuningConfig struct {
	Enabled           bool    `json:"enabled"`
	Phase             string  `json:"phase"` // disabled, logging_only, calibration, threshold, position, exit, full
	ConfigDir         string  `json:"config_dir"`
	HistoryFile       string  `json:"history_file"`        // Tuning decision journal (JSONL)
	MinTrades         int     `json:"min_trades"`          // Minimum sample size per proposal
	MaxChangePct      float64 `json:"max_change_pct"`      // Max |new-old|/|old| per step
	MinImprovementPct float64 `json:"min_improvement_pct"` // Required Sharpe improvement %
	RollbackThreshold float64 `json:"rollback_threshold"`  // Relative Sharpe drop triggering rollback
	LookbackDays      int     `json:"lookback_days"`       // Outcome history window fed to optimizers
}

// QuotesConfig holds quote provider configuration
type QuotesConfig struct {
	CacheTTL time.Duration `json:"cache_ttl"` // Redis quote cache TTL
}

type LoggingConfig struct {
	Level   string `json:"level"`   // debug, info, warn, error
	Output  string `json:"output"`  // stdout, stderr, or file path
	Console bool   `json:"console"` // Human-readable console writer instead of JSON
}

// ServerConfig holds the operational HTTP surface configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// RedisConfig holds the optional quote cache backend
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds the optional Postgres mirror for outcome and tuning
// records. Files remain the source of truth; the mirror is best-effort.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Store config
	cfg.StoreConfig.DataDir = getEnvOrDefault("DATA_DIR", defaultString(cfg.StoreConfig.DataDir, "data"))
	cfg.StoreConfig.RollingFile = getEnvOrDefault("STORE_ROLLING_FILE", defaultString(cfg.StoreConfig.RollingFile, "rolling_state.json.gz"))
	cfg.StoreConfig.BrainFile = getEnvOrDefault("STORE_BRAIN_FILE", defaultString(cfg.StoreConfig.BrainFile, "brain.json.gz"))
	cfg.StoreConfig.LockEnabled = getEnvOrDefault("STORE_LOCK_ENABLED", "true") == "true"
	cfg.StoreConfig.LockTimeout = getEnvDurationOrDefault("STORE_LOCK_TIMEOUT", 2*time.Second)
	cfg.StoreConfig.LockRetry = getEnvDurationOrDefault("STORE_LOCK_RETRY", 50*time.Millisecond)
	cfg.StoreConfig.BarWindowSize = getEnvIntOrDefault("STORE_BAR_WINDOW", 240)
	cfg.StoreConfig.WriteRetries = getEnvIntOrDefault("STORE_WRITE_RETRIES", 3)
	cfg.StoreConfig.WriteBackoff = getEnvDurationOrDefault("STORE_WRITE_BACKOFF", 200*time.Millisecond)

	// Broker config
	cfg.BrokerConfig.LedgerFile = getEnvOrDefault("BROKER_LEDGER_FILE", defaultString(cfg.BrokerConfig.LedgerFile, "ledger.json"))
	cfg.BrokerConfig.InitialCash = getEnvFloatOrDefault("BROKER_INITIAL_CASH", 100000)
	cfg.BrokerConfig.WholeUnitsOnly = getEnvOrDefault("BROKER_WHOLE_UNITS", "true") == "true"

	// Execution config
	cfg.ExecutionConfig.MinConfidenceAdj = getEnvFloatOrDefault("EXEC_MIN_CONFIDENCE", 0.55)
	cfg.ExecutionConfig.MaxTradesPerCycle = getEnvIntOrDefault("EXEC_MAX_TRADES_PER_CYCLE", 5)
	cfg.ExecutionConfig.MinQuantity = getEnvFloatOrDefault("EXEC_MIN_QUANTITY", 1)
	cfg.ExecutionConfig.AllowAdd = getEnvOrDefault("EXEC_ALLOW_ADD", "false") == "true"
	cfg.ExecutionConfig.ProportionalExits = getEnvOrDefault("EXEC_PROPORTIONAL_EXITS", "false") == "true"
	cfg.ExecutionConfig.AllowReentry = getEnvOrDefault("EXEC_ALLOW_REENTRY", "false") == "true"
	cfg.ExecutionConfig.CooldownPeriod = getEnvDurationOrDefault("EXEC_COOLDOWN", 30*time.Minute)

	// Risk config
	cfg.RiskConfig.Enabled = getEnvOrDefault("RISK_ENABLED", "true") == "true"
	cfg.RiskConfig.MaxOpenPositions = getEnvIntOrDefault("RISK_MAX_OPEN_POSITIONS", 10)
	cfg.RiskConfig.MaxDailyLossPct = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PCT", 0.03)

	// Pipeline config
	cfg.PipelineConfig.BotKey = getEnvOrDefault("PIPELINE_BOT_KEY", defaultString(cfg.PipelineConfig.BotKey, "tradepilot"))
	cfg.PipelineConfig.IntentValidity = getEnvDurationOrDefault("PIPELINE_INTENT_VALIDITY", 10*time.Minute)
	cfg.PipelineConfig.StarterFrac = getEnvFloatOrDefault("PIPELINE_STARTER_FRAC", 0.10)
	cfg.PipelineConfig.MinGateConf = getEnvFloatOrDefault("PIPELINE_MIN_GATE_CONF", 0.50)

	// Replay config
	cfg.ReplayConfig.RawDir = getEnvOrDefault("REPLAY_RAW_DIR", defaultString(cfg.ReplayConfig.RawDir, "raw"))
	cfg.ReplayConfig.ResultDir = getEnvOrDefault("REPLAY_RESULT_DIR", defaultString(cfg.ReplayConfig.ResultDir, "replay"))
	cfg.ReplayConfig.MaxJobs = getEnvIntOrDefault("REPLAY_MAX_JOBS", 50)

	// Outcome config
	cfg.OutcomeConfig.LogFile = getEnvOrDefault("OUTCOME_LOG_FILE", defaultString(cfg.OutcomeConfig.LogFile, "trade_outcomes.jsonl"))
	cfg.OutcomeConfig.AnnualizeSharpe = getEnvOrDefault("OUTCOME_ANNUALIZE_SHARPE", "true") == "true"

	// Tuning config
	cfg.TuningConfig.Enabled = getEnvOrDefault("TUNING_ENABLED", "false") == "true"
	cfg.TuningConfig.Phase = getEnvOrDefault("TUNING_PHASE", defaultString(cfg.TuningConfig.Phase, "logging_only"))
	cfg.TuningConfig.ConfigDir = getEnvOrDefault("TUNING_CONFIG_DIR", defaultString(cfg.TuningConfig.ConfigDir, "tuning"))
	cfg.TuningConfig.HistoryFile = getEnvOrDefault("TUNING_HISTORY_FILE", defaultString(cfg.TuningConfig.HistoryFile, "tuning_history.jsonl"))
	cfg.TuningConfig.MinTrades = getEnvIntOrDefault("TUNING_MIN_TRADES", 50)
	cfg.TuningConfig.MaxChangePct = getEnvFloatOrDefault("TUNING_MAX_CHANGE_PCT", 0.25)
	cfg.TuningConfig.MinImprovementPct = getEnvFloatOrDefault("TUNING_MIN_IMPROVEMENT_PCT", 5.0)
	cfg.TuningConfig.RollbackThreshold = getEnvFloatOrDefault("TUNING_ROLLBACK_THRESHOLD", 0.20)
	cfg.TuningConfig.LookbackDays = getEnvIntOrDefault("TUNING_LOOKBACK_DAYS", 30)

	// Quotes config
	cfg.QuotesConfig.CacheTTL = getEnvDurationOrDefault("QUOTES_CACHE_TTL", 5*time.Second)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.Console = getEnvOrDefault("LOG_CONSOLE", "false") == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Database config
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
	cfg.DatabaseConfig.Enabled = cfg.DatabaseConfig.URL != "" && getEnvOrDefault("DATABASE_ENABLED", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func defaultString(current, fallback string) string {
	if current != "" {
		return current
	}
	return fallback
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyEnvOverrides(cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
