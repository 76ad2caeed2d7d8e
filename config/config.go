package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	TradingConfig      TradingConfig      `json:"trading"`
	RiskConfig         RiskConfig         `json:"risk"`
	AIConfig           AIConfig           `json:"ai"`
	BrokerConfig       BrokerConfig       `json:"broker"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// TradingConfig holds the decision loop settings.
type TradingConfig struct {
	Symbol             string `json:"symbol"`
	Timeframe          string `json:"timeframe"`            // M1, M5, M15, M30, H1, H4, D1
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"` // seconds between loop ticks
	AnalysisIntervalS  int    `json:"analysis_interval_s"`  // seconds between full analyses
	BarCount           int    `json:"bar_count"`            // bars fetched per analysis
	ShutdownPolicy     string `json:"shutdown_policy"`      // "hold" or "liquidate"
	StaleHeartbeatS    int    `json:"stale_heartbeat_s"`    // heartbeat age that marks a crash
}

// RiskConfig holds the hard risk limits.
type RiskConfig struct {
	RiskPercentage  float64 `json:"risk_percentage"`    // fraction of balance per trade
	MaxRiskAmount   float64 `json:"max_risk_amount"`    // USD cap per trade
	MaxRiskPerTrade float64 `json:"max_risk_per_trade"` // fraction of balance ceiling
	MaxDailyLoss    float64 `json:"max_daily_loss"`     // USD
	MaxTradesPerDay int     `json:"max_trades_per_day"`
	MaxPositions    int     `json:"max_positions"`
	MaxDrawdown     float64 `json:"max_drawdown"` // fraction
}

// AIConfig holds the validation provider settings.
type AIConfig struct {
	Enabled           bool    `json:"enabled"`
	Provider          string  `json:"provider"` // "gemini" or "openai"
	GeminiAPIKey      string  `json:"gemini_api_key"`
	OpenAIAPIKey      string  `json:"openai_api_key"`
	Model             string  `json:"model"`
	TimeoutS          int     `json:"timeout_s"`
	CacheTTLS         int     `json:"cache_ttl_s"`
	RequestsPerMinute int     `json:"requests_per_minute"`
	MaxRetries        int     `json:"max_retries"`
	MinConfidence     float64 `json:"min_confidence"`     // floor for an actionable signal
	ConfidenceBoost   float64 `json:"confidence_boost"`   // added on AI corroboration
	ConfidencePenalty float64 `json:"confidence_penalty"` // subtracted on an AI HOLD
	DemoteThreshold   float64 `json:"demote_threshold"`   // below this a penalized signal holds
}

// BrokerConfig holds execution venue settings.
type BrokerConfig struct {
	Mode            string  `json:"mode"` // "paper" or "live"
	StartingBalance float64 `json:"starting_balance"`
	Spread          float64 `json:"spread"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional AI decision cache backend.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type NotificationConfig struct {
	Enabled     bool           `json:"enabled"`
	MinSeverity string         `json:"min_severity"` // LOW, MEDIUM, HIGH, CRITICAL
	Telegram    TelegramConfig `json:"telegram"`
	Discord     DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig holds the HTTP control surface settings.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON or console output
}

// Load reads config.json if present, then applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Trading
	cfg.TradingConfig.Symbol = getEnvOrDefault("TRADING_SYMBOL", defaultString(cfg.TradingConfig.Symbol, "XAUUSD"))
	cfg.TradingConfig.Timeframe = getEnvOrDefault("TRADING_TIMEFRAME", defaultString(cfg.TradingConfig.Timeframe, "M5"))
	cfg.TradingConfig.HeartbeatIntervalS = getEnvIntOrDefault("TRADING_HEARTBEAT_INTERVAL", defaultInt(cfg.TradingConfig.HeartbeatIntervalS, 30))
	cfg.TradingConfig.AnalysisIntervalS = getEnvIntOrDefault("TRADING_ANALYSIS_INTERVAL", defaultInt(cfg.TradingConfig.AnalysisIntervalS, 60))
	cfg.TradingConfig.BarCount = getEnvIntOrDefault("TRADING_BAR_COUNT", defaultInt(cfg.TradingConfig.BarCount, 100))
	cfg.TradingConfig.ShutdownPolicy = getEnvOrDefault("TRADING_SHUTDOWN_POLICY", defaultString(cfg.TradingConfig.ShutdownPolicy, "hold"))
	cfg.TradingConfig.StaleHeartbeatS = getEnvIntOrDefault("TRADING_STALE_HEARTBEAT", defaultInt(cfg.TradingConfig.StaleHeartbeatS, 300))

	// Risk
	cfg.RiskConfig.RiskPercentage = getEnvFloatOrDefault("RISK_PERCENTAGE", defaultFloat(cfg.RiskConfig.RiskPercentage, 0.01))
	cfg.RiskConfig.MaxRiskAmount = getEnvFloatOrDefault("RISK_MAX_AMOUNT", defaultFloat(cfg.RiskConfig.MaxRiskAmount, 1000))
	cfg.RiskConfig.MaxRiskPerTrade = getEnvFloatOrDefault("RISK_MAX_PER_TRADE", defaultFloat(cfg.RiskConfig.MaxRiskPerTrade, 0.02))
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", defaultFloat(cfg.RiskConfig.MaxDailyLoss, 500))
	cfg.RiskConfig.MaxTradesPerDay = getEnvIntOrDefault("RISK_MAX_TRADES_PER_DAY", defaultInt(cfg.RiskConfig.MaxTradesPerDay, 4))
	cfg.RiskConfig.MaxPositions = getEnvIntOrDefault("RISK_MAX_POSITIONS", defaultInt(cfg.RiskConfig.MaxPositions, 3))
	cfg.RiskConfig.MaxDrawdown = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN", defaultFloat(cfg.RiskConfig.MaxDrawdown, 0.10))

	// AI
	cfg.AIConfig.Enabled = getEnvBoolOrDefault("AI_ENABLED", cfg.AIConfig.Enabled)
	cfg.AIConfig.Provider = getEnvOrDefault("AI_PROVIDER", defaultString(cfg.AIConfig.Provider, "gemini"))
	cfg.AIConfig.GeminiAPIKey = getEnvOrDefault("AI_GEMINI_API_KEY", cfg.AIConfig.GeminiAPIKey)
	cfg.AIConfig.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AIConfig.OpenAIAPIKey)
	cfg.AIConfig.Model = getEnvOrDefault("AI_MODEL", defaultString(cfg.AIConfig.Model, "gemini-2.0-flash"))
	cfg.AIConfig.TimeoutS = getEnvIntOrDefault("AI_TIMEOUT", defaultInt(cfg.AIConfig.TimeoutS, 20))
	cfg.AIConfig.CacheTTLS = getEnvIntOrDefault("AI_CACHE_TTL", defaultInt(cfg.AIConfig.CacheTTLS, 300))
	cfg.AIConfig.RequestsPerMinute = getEnvIntOrDefault("AI_REQUESTS_PER_MINUTE", defaultInt(cfg.AIConfig.RequestsPerMinute, 60))
	cfg.AIConfig.MaxRetries = getEnvIntOrDefault("AI_MAX_RETRIES", defaultInt(cfg.AIConfig.MaxRetries, 3))
	cfg.AIConfig.MinConfidence = getEnvFloatOrDefault("AI_MIN_CONFIDENCE", defaultFloat(cfg.AIConfig.MinConfidence, 0.60))
	cfg.AIConfig.ConfidenceBoost = getEnvFloatOrDefault("AI_CONFIDENCE_BOOST", defaultFloat(cfg.AIConfig.ConfidenceBoost, 0.20))
	cfg.AIConfig.ConfidencePenalty = getEnvFloatOrDefault("AI_CONFIDENCE_PENALTY", defaultFloat(cfg.AIConfig.ConfidencePenalty, 0.30))
	cfg.AIConfig.DemoteThreshold = getEnvFloatOrDefault("AI_DEMOTE_THRESHOLD", defaultFloat(cfg.AIConfig.DemoteThreshold, 0.30))

	// Broker
	cfg.BrokerConfig.Mode = getEnvOrDefault("BROKER_MODE", defaultString(cfg.BrokerConfig.Mode, "paper"))
	cfg.BrokerConfig.StartingBalance = getEnvFloatOrDefault("BROKER_STARTING_BALANCE", defaultFloat(cfg.BrokerConfig.StartingBalance, 100000))
	cfg.BrokerConfig.Spread = getEnvFloatOrDefault("BROKER_SPREAD", defaultFloat(cfg.BrokerConfig.Spread, 0.30))

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "gold_bot"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Database, "gold_trading"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.MinSeverity = getEnvOrDefault("NOTIFICATIONS_MIN_SEVERITY", defaultString(cfg.NotificationConfig.MinSeverity, "MEDIUM"))
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Server
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("WEB_PRODUCTION", cfg.ServerConfig.ProductionMode)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

// Validate rejects combinations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.BrokerConfig.Mode != "paper" && c.BrokerConfig.Mode != "live" {
		return fmt.Errorf("broker mode must be paper or live, got %q", c.BrokerConfig.Mode)
	}
	if c.TradingConfig.ShutdownPolicy != "hold" && c.TradingConfig.ShutdownPolicy != "liquidate" {
		return fmt.Errorf("shutdown policy must be hold or liquidate, got %q", c.TradingConfig.ShutdownPolicy)
	}
	if c.RiskConfig.RiskPercentage <= 0 || c.RiskConfig.RiskPercentage > 0.1 {
		return fmt.Errorf("risk percentage %.4f out of range (0, 0.1]", c.RiskConfig.RiskPercentage)
	}
	if c.AIConfig.Enabled {
		switch c.AIConfig.Provider {
		case "gemini":
			if c.AIConfig.GeminiAPIKey == "" {
				return fmt.Errorf("AI enabled with gemini provider but no API key")
			}
		case "openai":
			if c.AIConfig.OpenAIAPIKey == "" {
				return fmt.Errorf("AI enabled with openai provider but no API key")
			}
		default:
			return fmt.Errorf("unknown AI provider %q", c.AIConfig.Provider)
		}
	}
	return nil
}

// HeartbeatInterval returns the loop tick period as a duration.
func (c *TradingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// AnalysisInterval returns the full-analysis cadence as a duration.
func (c *TradingConfig) AnalysisInterval() time.Duration {
	return time.Duration(c.AnalysisIntervalS) * time.Second
}

// StaleHeartbeat returns the crash detection threshold as a duration.
func (c *TradingConfig) StaleHeartbeat() time.Duration {
	return time.Duration(c.StaleHeartbeatS) * time.Second
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

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// getEnvBoolOrDefault overrides only when the variable is set and parses;
// otherwise the current value, including an explicit false, is kept.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter configuration file.
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		TradingConfig: TradingConfig{
			Symbol: "XAUUSD", Timeframe: "M5", HeartbeatIntervalS: 30, AnalysisIntervalS: 60,
			BarCount: 100, ShutdownPolicy: "hold", StaleHeartbeatS: 300,
		},
		RiskConfig: RiskConfig{
			RiskPercentage: 0.01, MaxRiskAmount: 1000, MaxRiskPerTrade: 0.02,
			MaxDailyLoss: 500, MaxTradesPerDay: 4, MaxPositions: 3, MaxDrawdown: 0.10,
		},
		AIConfig: AIConfig{
			Enabled: false, Provider: "gemini", Model: "gemini-2.0-flash",
			TimeoutS: 20, CacheTTLS: 300, RequestsPerMinute: 60, MaxRetries: 3,
			MinConfidence: 0.60, ConfidenceBoost: 0.20, ConfidencePenalty: 0.30, DemoteThreshold: 0.30,
		},
		BrokerConfig: BrokerConfig{Mode: "paper", StartingBalance: 100000, Spread: 0.30},
		DatabaseConfig: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "gold_bot",
			Database: "gold_trading", SSLMode: "disable",
		},
		RedisConfig:        RedisConfig{Enabled: false, Address: "localhost:6379"},
		NotificationConfig: NotificationConfig{Enabled: false, MinSeverity: "MEDIUM"},
		ServerConfig:       ServerConfig{Host: "0.0.0.0", Port: 8080},
		LoggingConfig:      LoggingConfig{Level: "info", JSONFormat: true},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
