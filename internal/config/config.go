// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Kline        KlineConfig        `yaml:"kline"`
	Indicators   IndicatorsConfig   `yaml:"indicators"`
	OpenInterest OpenInterestConfig `yaml:"open_interest"`
	Detection    DetectionConfig    `yaml:"detection"`
	Alert        AlertConfig        `yaml:"alert"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	API          APIConfig          `yaml:"api"`
	Symbols      SymbolsConfig      `yaml:"symbols"`
	Agent        AgentConfig        `yaml:"agent"`
	Trading      TradingConfig      `yaml:"trading"`
	Env          EnvConfig          `yaml:"env"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// TelemetryConfig contains telemetry exposition settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// KlineConfig controls bar timeframe, window depth, and REST warmup.
type KlineConfig struct {
	Interval    string `yaml:"interval" validate:"required"`
	HistorySize int    `yaml:"history_size" validate:"required,min=10"`
	WarmupSize  int    `yaml:"warmup_size" validate:"required,min=10"`
}

// IndicatorsConfig holds every indicator period and threshold named in §4.2.
type IndicatorsConfig struct {
	ATRPeriod             int     `yaml:"atr_period" validate:"required,min=2"`
	StdDevPeriod          int     `yaml:"stddev_period" validate:"required,min=2"`
	VolumeMAPeriod        int     `yaml:"volume_ma_period" validate:"required,min=2"`
	BBPeriod              int     `yaml:"bb_period" validate:"required,min=2"`
	BBStdMultiplier       float64 `yaml:"bb_std_multiplier" validate:"required,min=0"`
	RSIPeriod             int     `yaml:"rsi_period" validate:"required,min=2"`
	EMAFastPeriod         int     `yaml:"ema_fast_period" validate:"required,min=1"`
	EMASlowPeriod         int     `yaml:"ema_slow_period" validate:"required,min=1"`
	OIMAPeriod            int     `yaml:"oi_ma_period" validate:"required,min=2"`
	OIMomentumPeriod      int     `yaml:"oi_momentum_period" validate:"required,min=1"`
	OIDivergenceWindow    int     `yaml:"oi_divergence_window" validate:"required,min=1"`
	LongWickRatioThreshold float64 `yaml:"long_wick_ratio_threshold" validate:"required,min=0"`
	EngulfingStrictMode   bool    `yaml:"engulfing_strict_mode"`
}

// OpenInterestConfig toggles OI enrichment and its REST history depth.
type OpenInterestConfig struct {
	Enabled     bool `yaml:"enabled"`
	HistorySize int  `yaml:"history_size" validate:"min=1"`
}

// DetectionConfig carries the dual-gate threshold overrides from §4.3.
type DetectionConfig struct {
	Thresholds DetectionThresholds `yaml:"thresholds"`
}

// DetectionThresholds overrides the §4.3 defaults; zero values fall back
// to the built-in defaults applied in NewDetector.
type DetectionThresholds struct {
	ATRZScoreMin       float64 `yaml:"atr_zscore_min"`
	PriceZScoreMin     float64 `yaml:"price_zscore_min"`
	VolumeZScoreMin    float64 `yaml:"volume_zscore_min"`
	MinGroupA          int     `yaml:"min_group_a" validate:"min=0"`
	MinGroupB          int     `yaml:"min_group_b" validate:"min=0"`
}

// AlertConfig controls aggregator cooldown/debounce/batch behaviour.
type AlertConfig struct {
	CooldownMinutes  int  `yaml:"cooldown_minutes" validate:"required,min=0"`
	SendDelaySeconds int  `yaml:"send_delay_seconds" validate:"required,min=0"`
	MaxBatchSize     int  `yaml:"max_batch_size" validate:"required,min=1"`
	SendEmail        bool `yaml:"send_email"`
}

// WebSocketConfig controls the Fleet Manager's connection parameters.
type WebSocketConfig struct {
	BaseURL                string `yaml:"base_url" validate:"required"`
	ReconnectDelay         int    `yaml:"reconnect_delay" validate:"required,min=1"`
	MaxReconnectAttempts   int    `yaml:"max_reconnect_attempts" validate:"required,min=1"`
	MaxStreamsPerConnection int   `yaml:"max_streams_per_connection" validate:"required,min=1,max=200"`
}

// APIConfig controls the REST client's transport parameters.
type APIConfig struct {
	BaseURL    string `yaml:"base_url" validate:"required"`
	Timeout    int    `yaml:"timeout" validate:"required,min=1"`
	RetryTimes int    `yaml:"retry_times" validate:"required,min=0"`
}

// SymbolsConfig controls the Symbol Universe Updater's filter.
type SymbolsConfig struct {
	MinVolume24h          float64  `yaml:"min_volume_24h" validate:"min=0"`
	Exclude               []string `yaml:"exclude"`
	UpdateIntervalMinutes int      `yaml:"update_interval_minutes" validate:"required,min=1"`
}

// AgentConfig holds simulator economics and persisted-state file paths.
type AgentConfig struct {
	Simulator SimulatorConfig `yaml:"simulator"`

	TradeStatePath       string `yaml:"trade_state_path"`
	PositionHistoryPath  string `yaml:"position_history_path"`
	TradeRecordsPath     string `yaml:"trade_records_path"`
	PendingOrdersPath    string `yaml:"pending_orders_path"`
	LinkedOrdersPath     string `yaml:"linked_orders_path"`
	AlertsPath           string `yaml:"alerts_path"`
	DecisionTracePath    string `yaml:"decision_trace_path"`
	SyncAuditDBPath      string `yaml:"sync_audit_db_path"`
}

// SimulatorConfig holds the deterministic bar-fill engine's economics.
type SimulatorConfig struct {
	InitialBalance float64 `yaml:"initial_balance" validate:"required,min=0"`
	TakerFeeRate   float64 `yaml:"taker_fee_rate" validate:"required,min=0,max=1"`
	MakerFeeRate   float64 `yaml:"maker_fee_rate" validate:"min=0,max=1"`
	MaxLeverage    int     `yaml:"max_leverage" validate:"required,min=1"`
}

// TradingConfig selects the execution backend.
type TradingConfig struct {
	Mode              string `yaml:"mode" validate:"required,oneof=live simulator"`
	Symbol            string `yaml:"symbol" validate:"required"`
	ReconcileInterval int    `yaml:"reconcile_interval" validate:"required,min=1,max=3600"`
}

// EnvConfig holds credentials, logging level, and SMTP settings. Credential
// fields use Secret so accidental logging or config dumps never leak them.
type EnvConfig struct {
	BinanceAPIKey    Secret `yaml:"binance_api_key"`
	BinanceAPISecret Secret `yaml:"binance_api_secret"`
	LogLevel         string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`

	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass Secret `yaml:"smtp_pass"`
	SMTPTo   string `yaml:"smtp_to"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration. In live
// trading mode, missing credentials are a ConfigError (§7.5): fatal before
// any external call.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateTrading(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEnv(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateKline(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateAgent(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateTrading() error {
	if c.Trading.Symbol == "" {
		return ValidationError{Field: "trading.symbol", Message: "trading symbol is required"}
	}
	if c.Trading.Mode != "live" && c.Trading.Mode != "simulator" {
		return ValidationError{Field: "trading.mode", Value: c.Trading.Mode, Message: "must be one of: live, simulator"}
	}
	return nil
}

func (c *Config) validateEnv() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Env.LogLevel)) {
		return ValidationError{Field: "env.log_level", Value: c.Env.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}

	if c.Trading.Mode == "live" {
		if c.Env.BinanceAPIKey == "" || c.Env.BinanceAPISecret == "" {
			return ValidationError{Field: "env.binance_api_key/env.binance_api_secret", Message: "credentials are required when trading.mode is 'live'"}
		}
	}
	return nil
}

func (c *Config) validateKline() error {
	if c.Kline.Interval == "" {
		return ValidationError{Field: "kline.interval", Message: "bar interval is required"}
	}
	if c.Kline.HistorySize < c.Kline.WarmupSize {
		return ValidationError{Field: "kline.history_size", Value: c.Kline.HistorySize, Message: "history_size must be >= warmup_size"}
	}
	return nil
}

func (c *Config) validateAgent() error {
	if c.Trading.Mode == "simulator" && c.Agent.Simulator.InitialBalance <= 0 {
		return ValidationError{Field: "agent.simulator.initial_balance", Value: c.Agent.Simulator.InitialBalance, Message: "must be positive in simulator mode"}
	}
	return nil
}

// String returns a string representation of the configuration. Secret
// fields self-redact via Secret.MarshalYAML, so no manual masking is needed.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing.
func DefaultConfig() *Config {
	return &Config{
		Kline: KlineConfig{
			Interval:    "1m",
			HistorySize: 200,
			WarmupSize:  120,
		},
		Indicators: IndicatorsConfig{
			ATRPeriod:              14,
			StdDevPeriod:           20,
			VolumeMAPeriod:         20,
			BBPeriod:               20,
			BBStdMultiplier:        2.0,
			RSIPeriod:              14,
			EMAFastPeriod:          12,
			EMASlowPeriod:          26,
			OIMAPeriod:             20,
			OIMomentumPeriod:       5,
			OIDivergenceWindow:     5,
			LongWickRatioThreshold: 0.6,
			EngulfingStrictMode:    true,
		},
		OpenInterest: OpenInterestConfig{
			Enabled:     true,
			HistorySize: 120,
		},
		Detection: DetectionConfig{
			Thresholds: DetectionThresholds{
				ATRZScoreMin:    2.0,
				PriceZScoreMin:  2.0,
				VolumeZScoreMin: 2.0,
				MinGroupA:       1,
				MinGroupB:       1,
			},
		},
		Alert: AlertConfig{
			CooldownMinutes:  15,
			SendDelaySeconds: 5,
			MaxBatchSize:     20,
			SendEmail:        false,
		},
		WebSocket: WebSocketConfig{
			BaseURL:                 "wss://fstream.binance.com",
			ReconnectDelay:          5,
			MaxReconnectAttempts:    10,
			MaxStreamsPerConnection: 200,
		},
		API: APIConfig{
			BaseURL:    "https://fapi.binance.com",
			Timeout:    10,
			RetryTimes: 3,
		},
		Symbols: SymbolsConfig{
			MinVolume24h:          5_000_000,
			UpdateIntervalMinutes: 60,
		},
		Agent: AgentConfig{
			Simulator: SimulatorConfig{
				InitialBalance: 10000,
				TakerFeeRate:   0.0005,
				MakerFeeRate:   0.0002,
				MaxLeverage:    20,
			},
			TradeStatePath:      "state/trade_state.json",
			PositionHistoryPath: "state/position_history.json",
			TradeRecordsPath:    "state/trade_records.json",
			PendingOrdersPath:   "state/pending_orders.json",
			LinkedOrdersPath:    "state/linked_orders.json",
			AlertsPath:          "state/alerts.jsonl",
			DecisionTracePath:   "state/agent_decision_trace.json",
			SyncAuditDBPath:     "state/sync_audit.db",
		},
		Trading: TradingConfig{
			Mode:              "simulator",
			Symbol:            "BTCUSDT",
			ReconcileInterval: 5,
		},
		Env: EnvConfig{
			LogLevel: "INFO",
		},
	}
}
