package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseConfig  DatabaseConfig  `yaml:"database"`
	ExchangeConfig  ExchangeConfig  `yaml:"exchange"`
	TradingConfig   TradingConfig   `yaml:"trading"`
	RiskConfig      RiskConfig      `yaml:"risk"`
	AIConfig        AIConfig        `yaml:"ai"`
	SentimentConfig SentimentConfig `yaml:"sentiment"`
	RedisConfig     RedisConfig     `yaml:"redis"`
	LoggingConfig   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type ExchangeConfig struct {
	BaseURL        string  `yaml:"base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	MaxRetries     int     `yaml:"max_retries"`
}

type TradingConfig struct {
	Symbols       []string      `yaml:"symbols"`
	Timeframe     string        `yaml:"timeframe"`
	CycleInterval time.Duration `yaml:"cycle_interval"`
	StartingCash  float64       `yaml:"starting_cash"`
	AllowShorts   bool          `yaml:"allow_shorts"`
	FetchLimit    int           `yaml:"fetch_limit"` // bars per ingest
}

type RiskConfig struct {
	RiskPerTrade      float64 `yaml:"risk_per_trade"`      // fraction of NAV risked per trade
	MaxExposure       float64 `yaml:"max_exposure"`        // fraction of NAV per symbol
	StopATRMultiplier float64 `yaml:"stop_atr_multiplier"` // initial and trailing stop distance
	TimeStopBars      int     `yaml:"time_stop_bars"`      // exit after N bars without a new extreme
	CooldownBars      int     `yaml:"cooldown_bars"`       // re-entry suppression after a stop-out
	KillSwitchBars    int     `yaml:"kill_switch_bars"`    // bars the kill-switch stays armed
	KillSwitchSigma   float64 `yaml:"kill_switch_sigma"`   // vol multiple of the 30d median that trips it
	FeeBps            float64 `yaml:"fee_bps"`             // per leg
}

type AIConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Provider          string        `yaml:"provider"` // "claude", "openai", or "deepseek"
	APIKey            string        `yaml:"api_key"`
	PrimaryModel      string        `yaml:"primary_model"`
	FallbackModel     string        `yaml:"fallback_model"`
	ConsultantModel   string        `yaml:"consultant_model"`
	AdvisorTimeout    time.Duration `yaml:"advisor_timeout"`
	ConsultantTimeout time.Duration `yaml:"consultant_timeout"`
}

type SentimentConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"` // JSON lines vs console writer
}

// Load reads configs/app.yaml when present and applies environment overrides.
// Environment always wins so the daemon can run with no config file at all.
func Load() (*Config, error) {
	cfg, err := loadFromFile("configs/app.yaml")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)

	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)

	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		cfg.TradingConfig.Symbols = splitCSV(v)
	}
	cfg.TradingConfig.Timeframe = getEnvOrDefault("TRADING_TIMEFRAME", cfg.TradingConfig.Timeframe)
	cfg.TradingConfig.CycleInterval = getEnvDurationOrDefault("TRADING_CYCLE_INTERVAL", cfg.TradingConfig.CycleInterval)
	cfg.TradingConfig.StartingCash = getEnvFloatOrDefault("TRADING_STARTING_CASH", cfg.TradingConfig.StartingCash)
	cfg.TradingConfig.AllowShorts = getEnvOrDefault("TRADING_ALLOW_SHORTS", boolString(cfg.TradingConfig.AllowShorts)) == "true"

	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", boolString(cfg.AIConfig.Enabled)) == "true"
	cfg.AIConfig.Provider = getEnvOrDefault("AI_LLM_PROVIDER", cfg.AIConfig.Provider)
	cfg.AIConfig.APIKey = getEnvOrDefault("AI_API_KEY", cfg.AIConfig.APIKey)
	cfg.AIConfig.PrimaryModel = getEnvOrDefault("AI_PRIMARY_MODEL", cfg.AIConfig.PrimaryModel)
	cfg.AIConfig.FallbackModel = getEnvOrDefault("AI_FALLBACK_MODEL", cfg.AIConfig.FallbackModel)
	cfg.AIConfig.ConsultantModel = getEnvOrDefault("AI_CONSULTANT_MODEL", cfg.AIConfig.ConsultantModel)

	cfg.SentimentConfig.Enabled = getEnvOrDefault("SENTIMENT_ENABLED", boolString(cfg.SentimentConfig.Enabled)) == "true"
	cfg.SentimentConfig.APIKey = getEnvOrDefault("SENTIMENT_API_KEY", cfg.SentimentConfig.APIKey)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"
}

func applyDefaults(cfg *Config) {
	if cfg.DatabaseConfig.MaxConns == 0 {
		cfg.DatabaseConfig.MaxConns = 10
	}
	if cfg.DatabaseConfig.MinConns == 0 {
		cfg.DatabaseConfig.MinConns = 2
	}
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://api.binance.com"
	}
	if cfg.ExchangeConfig.RequestsPerSec == 0 {
		cfg.ExchangeConfig.RequestsPerSec = 5
	}
	if cfg.ExchangeConfig.MaxRetries == 0 {
		cfg.ExchangeConfig.MaxRetries = 3
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if cfg.TradingConfig.Timeframe == "" {
		cfg.TradingConfig.Timeframe = "5m"
	}
	if cfg.TradingConfig.CycleInterval == 0 {
		cfg.TradingConfig.CycleInterval = 90 * time.Second
	}
	if cfg.TradingConfig.StartingCash == 0 {
		cfg.TradingConfig.StartingCash = 10000
	}
	if cfg.TradingConfig.FetchLimit == 0 {
		cfg.TradingConfig.FetchLimit = 600
	}
	if cfg.RiskConfig.RiskPerTrade == 0 {
		cfg.RiskConfig.RiskPerTrade = 0.005
	}
	if cfg.RiskConfig.MaxExposure == 0 {
		cfg.RiskConfig.MaxExposure = 0.02
	}
	if cfg.RiskConfig.StopATRMultiplier == 0 {
		cfg.RiskConfig.StopATRMultiplier = 2
	}
	if cfg.RiskConfig.TimeStopBars == 0 {
		cfg.RiskConfig.TimeStopBars = 40
	}
	if cfg.RiskConfig.CooldownBars == 0 {
		cfg.RiskConfig.CooldownBars = 3
	}
	if cfg.RiskConfig.KillSwitchBars == 0 {
		cfg.RiskConfig.KillSwitchBars = 12
	}
	if cfg.RiskConfig.KillSwitchSigma == 0 {
		cfg.RiskConfig.KillSwitchSigma = 3
	}
	if cfg.RiskConfig.FeeBps == 0 {
		cfg.RiskConfig.FeeBps = 2
	}
	if cfg.AIConfig.Provider == "" {
		cfg.AIConfig.Provider = "claude"
	}
	if cfg.AIConfig.PrimaryModel == "" {
		cfg.AIConfig.PrimaryModel = "claude-3-haiku-20240307"
	}
	if cfg.AIConfig.FallbackModel == "" {
		cfg.AIConfig.FallbackModel = "claude-3-5-sonnet-20241022"
	}
	if cfg.AIConfig.ConsultantModel == "" {
		cfg.AIConfig.ConsultantModel = cfg.AIConfig.PrimaryModel
	}
	if cfg.AIConfig.AdvisorTimeout == 0 {
		cfg.AIConfig.AdvisorTimeout = 30 * time.Second
	}
	if cfg.AIConfig.ConsultantTimeout == 0 {
		cfg.AIConfig.ConsultantTimeout = 10 * time.Second
	}
	if cfg.SentimentConfig.BaseURL == "" {
		cfg.SentimentConfig.BaseURL = "https://api.perplexity.ai/chat/completions"
	}
	if cfg.SentimentConfig.Model == "" {
		cfg.SentimentConfig.Model = "llama-3.1-sonar-small-128k-online"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 5
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	if c.DatabaseConfig.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TradingConfig.StartingCash <= 0 {
		return fmt.Errorf("starting cash must be positive, got %.2f", c.TradingConfig.StartingCash)
	}
	if c.RiskConfig.RiskPerTrade <= 0 || c.RiskConfig.RiskPerTrade >= 1 {
		return fmt.Errorf("risk_per_trade must be in (0, 1), got %.4f", c.RiskConfig.RiskPerTrade)
	}
	if c.RiskConfig.MaxExposure <= 0 || c.RiskConfig.MaxExposure >= 1 {
		return fmt.Errorf("max_exposure must be in (0, 1), got %.4f", c.RiskConfig.MaxExposure)
	}
	if _, err := ParseTimeframe(c.TradingConfig.Timeframe); err != nil {
		return err
	}
	return nil
}

// ParseTimeframe converts an exchange interval token like "5m" or "1h" to a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
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
