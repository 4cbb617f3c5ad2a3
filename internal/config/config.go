package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"grid-engine-go/internal/models"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AppConfig 是整个进程的配置
type AppConfig struct {
	Mode        string              `json:"mode" yaml:"mode"`                 // 运行模式: "paper", "binance" 或 "replay"
	DBPath      string              `json:"db_path" yaml:"db_path"`           // BadgerDB 快照目录, 为空则不持久化
	MetricsAddr string              `json:"metrics_addr" yaml:"metrics_addr"` // Prometheus 监听地址, 为空则不启动
	Log         models.LogConfig    `json:"log" yaml:"log"`
	Exchange    ExchangeConfig      `json:"exchange" yaml:"exchange"`
	Dispatch    DispatchConfig      `json:"dispatch" yaml:"dispatch"`
	Strategies  []models.GridConfig `json:"strategies" yaml:"strategies"`
}

// ExchangeConfig 交易所连接参数. API 密钥只从环境变量读取.
type ExchangeConfig struct {
	IsTestnet     bool   `json:"is_testnet" yaml:"is_testnet"`
	WSBaseURL     string `json:"ws_base_url" yaml:"ws_base_url"`
	PingInterval  int    `json:"websocket_ping_interval_sec" yaml:"websocket_ping_interval_sec"`
	PongTimeout   int    `json:"websocket_pong_timeout_sec" yaml:"websocket_pong_timeout_sec"`
	ReconnectWait int    `json:"reconnect_wait_sec" yaml:"reconnect_wait_sec"`
	// PaperFillRatio 模拟盘每次触价成交的比例, 0 表示一次全部成交
	PaperFillRatio decimal.Decimal `json:"paper_fill_ratio" yaml:"paper_fill_ratio"`
	APIKey         string          `json:"-" yaml:"-"`
	SecretKey      string          `json:"-" yaml:"-"`
}

// DispatchConfig 控制命令投递的速率和重试
type DispatchConfig struct {
	RateLimit           float64 `json:"rate_limit" yaml:"rate_limit"` // 每秒命令数
	Burst               int     `json:"burst" yaml:"burst"`
	QueueSize           int     `json:"queue_size" yaml:"queue_size"`
	RetryAttempts       int     `json:"retry_attempts" yaml:"retry_attempts"`               // 投递失败时的重试次数
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数
	RetryMaxDelayMs     int     `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
}

// LoadConfig reads a JSON or YAML config file. Unknown fields are rejected.
func LoadConfig(path string) (*AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &AppConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	default:
		decoder := json.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file settings with environment variables.
func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv("GRID_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GRID_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GRID_MODE"); v != "" {
		cfg.Mode = v
	}
	cfg.Exchange.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.Exchange.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
}

// ApplyDefaults fills settings whose zero value is never meaningful.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "paper"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "console"
	}
	if cfg.Exchange.WSBaseURL == "" {
		cfg.Exchange.WSBaseURL = "wss://fstream.binance.com"
		if cfg.Exchange.IsTestnet {
			cfg.Exchange.WSBaseURL = "wss://stream.binancefuture.com"
		}
	}
	if cfg.Exchange.PingInterval <= 0 {
		cfg.Exchange.PingInterval = 54
	}
	if cfg.Exchange.PongTimeout <= 0 {
		cfg.Exchange.PongTimeout = 60
	}
	if cfg.Exchange.ReconnectWait <= 0 {
		cfg.Exchange.ReconnectWait = 5
	}
	if cfg.Dispatch.RateLimit <= 0 {
		cfg.Dispatch.RateLimit = 10
	}
	if cfg.Dispatch.Burst <= 0 {
		cfg.Dispatch.Burst = 20
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = 1024
	}
	if cfg.Dispatch.RetryAttempts <= 0 {
		cfg.Dispatch.RetryAttempts = 3
	}
	if cfg.Dispatch.RetryInitialDelayMs <= 0 {
		cfg.Dispatch.RetryInitialDelayMs = 200
	}
	if cfg.Dispatch.RetryMaxDelayMs <= 0 {
		cfg.Dispatch.RetryMaxDelayMs = 5000
	}
	for i := range cfg.Strategies {
		ApplyGridDefaults(&cfg.Strategies[i])
	}
}

// ApplyGridDefaults fills the enum and identity fields of a strategy config.
func ApplyGridDefaults(gc *models.GridConfig) {
	if gc.StrategyID == "" {
		gc.StrategyID = uuid.NewString()
	}
	if gc.StrategyName == "" {
		gc.StrategyName = fmt.Sprintf("grid-%s", strings.ToLower(gc.Symbol))
	}
	if gc.GridType == "" {
		gc.GridType = models.GridArithmetic
	}
	if gc.GridDirection == "" {
		gc.GridDirection = models.DirectionBoth
	}
}

// Validate checks the process config and every strategy in it.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Mode {
	case "paper", "binance", "replay":
	default:
		errs = append(errs, &ConfigError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", c.Mode)})
	}
	if c.Mode == "binance" && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		errs = append(errs, &ConfigError{Field: "exchange", Message: "BINANCE_API_KEY and BINANCE_SECRET_KEY must be set"})
	}
	if c.Exchange.PaperFillRatio.IsNegative() || c.Exchange.PaperFillRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, &ConfigError{Field: "paper_fill_ratio", Message: "paper_fill_ratio must be between 0 and 1"})
	}
	if len(c.Strategies) == 0 {
		errs = append(errs, &ConfigError{Field: "strategies", Message: "at least one strategy is required"})
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i := range c.Strategies {
		gc := c.Strategies[i]
		if seen[gc.StrategyID] {
			errs = append(errs, &ConfigError{Field: "strategy_id", Message: fmt.Sprintf("duplicate strategy id %q", gc.StrategyID)})
		}
		seen[gc.StrategyID] = true
		if err := Validate(gc); err != nil {
			errs = append(errs, fmt.Errorf("strategy %s: %w", gc.StrategyID, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultGridConfig returns the balanced preset.
func DefaultGridConfig(symbol string, totalCapital decimal.Decimal) models.GridConfig {
	return models.GridConfig{
		StrategyID:              fmt.Sprintf("grid_%s_%s", strings.ToLower(symbol), totalCapital.Truncate(0).String()),
		StrategyName:            fmt.Sprintf("grid-%s", strings.ToLower(symbol)),
		Symbol:                  symbol,
		BaseQuantity:            decimal.RequireFromString("0.1"),
		GridType:                models.GridArithmetic,
		GridDirection:           models.DirectionBoth,
		GridCount:               10,
		GridSpacing:             decimal.RequireFromString("0.01"),
		MaxPosition:             decimal.NewFromInt(1000),
		MaxDrawdown:             decimal.RequireFromString("0.05"),
		TotalCapital:            totalCapital,
		PositionRatio:           decimal.RequireFromString("0.8"),
		ReserveRatio:            decimal.RequireFromString("0.2"),
		CommissionRate:          decimal.RequireFromString("0.001"),
		Slippage:                decimal.RequireFromString("0.0005"),
		MinTradeAmount:          decimal.NewFromInt(10),
		EnableDynamicAdjustment: true,
		AdjustmentThreshold:     decimal.RequireFromString("0.02"),
		RebalanceInterval:       3600,
		TrailingStopDistance:    decimal.RequireFromString("0.02"),
		EnablePartialFill:       true,
		MaxPartialFills:         3,
		AckTimeoutSec:           30,
		MaxOrderRetries:         3,
	}
}

// AggressiveGridConfig uses denser grids and a larger share of capital.
func AggressiveGridConfig(symbol string, totalCapital decimal.Decimal) models.GridConfig {
	cfg := DefaultGridConfig(symbol, totalCapital)
	cfg.GridCount = 20
	cfg.GridSpacing = decimal.RequireFromString("0.005")
	cfg.PositionRatio = decimal.RequireFromString("0.9")
	cfg.ReserveRatio = decimal.RequireFromString("0.1")
	cfg.MaxDrawdown = decimal.RequireFromString("0.08")
	cfg.AdjustmentThreshold = decimal.RequireFromString("0.01")
	return cfg
}

// ConservativeGridConfig uses fewer, wider levels and keeps more in reserve.
func ConservativeGridConfig(symbol string, totalCapital decimal.Decimal) models.GridConfig {
	cfg := DefaultGridConfig(symbol, totalCapital)
	cfg.GridCount = 5
	cfg.GridSpacing = decimal.RequireFromString("0.02")
	cfg.PositionRatio = decimal.RequireFromString("0.6")
	cfg.ReserveRatio = decimal.RequireFromString("0.4")
	cfg.MaxDrawdown = decimal.RequireFromString("0.03")
	cfg.AdjustmentThreshold = decimal.RequireFromString("0.05")
	return cfg
}
