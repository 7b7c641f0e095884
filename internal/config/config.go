package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/wTHU1Ew/DeltaRotor/internal/risk"
	"github.com/wTHU1Ew/DeltaRotor/internal/strategy"
)

// Config 配置结构 / Configuration structure
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Strategy StrategyConfig `yaml:"strategy"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// ExchangeConfig 交易所API配置 / Exchange API configuration
type ExchangeConfig struct {
	APIURL     string `yaml:"api_url"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Timeout    int    `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
	RecvWindow int    `yaml:"recv_window"`
	Debug      bool   `yaml:"debug"`
}

// StrategyConfig 策略配置 / Strategy configuration
type StrategyConfig struct {
	Symbols            []string `yaml:"symbols"`
	CapitalUSDT        float64  `yaml:"capital_usdt"`
	Leverage           int      `yaml:"leverage"`
	MinHoldMinutes     int      `yaml:"min_hold_minutes"`
	MaxPositionSizePct float64  `yaml:"max_position_size_pct"`
	StopLossPct        float64  `yaml:"stop_loss_pct"`
	MaxPnLDriftPct     float64  `yaml:"max_pnl_drift_pct"`
	DailyVolumeTarget  float64  `yaml:"daily_volume_target"`
	QuantityPrecision  int      `yaml:"quantity_precision"`
	QuantityJitterPct  float64  `yaml:"quantity_jitter_pct"`
	CycleInterval      int      `yaml:"cycle_interval"`
	ErrorBackoff       int      `yaml:"error_backoff"`
	LegDelayMin        float64  `yaml:"leg_delay_min"`
	LegDelayMax        float64  `yaml:"leg_delay_max"`
	RotationDelayMin   float64  `yaml:"rotation_delay_min"`
	RotationDelayMax   float64  `yaml:"rotation_delay_max"`
}

// DatabaseConfig 数据库配置 / Database configuration
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	WALMode      bool   `yaml:"wal_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// LoggingConfig 日志配置 / Logging configuration
type LoggingConfig struct {
	FilePath   string `yaml:"file_path"`
	Level      string `yaml:"level"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

// MonitorConfig 运维HTTP服务配置 / Ops HTTP server configuration
// ListenAddr为空时不启动 / Disabled when ListenAddr is empty
type MonitorConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	BalanceInterval int    `yaml:"balance_interval"` // seconds
}

// AlertsConfig 告警配置 / Operator alert configuration
type AlertsConfig struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// Load 加载配置文件 / Load configuration from file
// 从指定路径加载YAML配置文件，叠加 .env 与环境变量中的密钥，解析并验证配置项
// Load YAML configuration file, overlay secrets from .env and the environment,
// then validate all settings
//
// Parameters:
//   - path: Path to the configuration file (e.g., "configs/config.yaml")
//
// Returns:
//   - *Config: 已验证的配置对象 / Validated configuration object with all settings
//   - error: 文件不存在、解析失败或验证失败时返回错误 / Error if file not found, parsing fails, or validation fails
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		templatePath := "configs/config.template.yaml"
		if _, err := os.Stat(templatePath); err == nil {
			return nil, fmt.Errorf("config file not found at %s. Please copy %s to %s and fill in your credentials", path, templatePath, path)
		}
		return nil, fmt.Errorf("config file not found at %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides 使用环境变量覆盖配置 / Override settings from the environment
// 环境变量非空时覆盖文件中的值；ASTER_* 兼容旧版 .env
// Non-empty variables win over the file; ASTER_* names are kept for old .env files
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Exchange.APIKey, "ASTER_API_KEY")
	setStr(&cfg.Exchange.APISecret, "ASTER_API_SECRET")
	setStr(&cfg.Exchange.APIURL, "ASTER_BASE_URL")

	setStr(&cfg.Exchange.APIKey, "DELTAROTOR_API_KEY")
	setStr(&cfg.Exchange.APISecret, "DELTAROTOR_API_SECRET")
	setStr(&cfg.Exchange.APIURL, "DELTAROTOR_API_URL")
	setFloat(&cfg.Strategy.CapitalUSDT, "DELTAROTOR_CAPITAL_USDT")
	setInt(&cfg.Strategy.Leverage, "DELTAROTOR_LEVERAGE")
	setStr(&cfg.Database.Path, "DELTAROTOR_DB_PATH")
	setStr(&cfg.Logging.Level, "DELTAROTOR_LOG_LEVEL")
	setStr(&cfg.Monitor.ListenAddr, "DELTAROTOR_MONITOR_ADDR")
	setStr(&cfg.Alerts.DiscordWebhookURL, "DELTAROTOR_DISCORD_WEBHOOK_URL")

	if v := os.Getenv("DELTAROTOR_SYMBOLS"); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Strategy.Symbols = symbols
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate 验证配置 / Validate configuration
// 验证所有配置项的有效性，并为未设置的项应用默认值
// Validate all configuration items and apply default values for unset items
//
// Returns:
//   - error: 当必需配置项缺失或无效时返回错误 / Error when required items are missing or invalid
//     例如 / Examples: missing API credentials, stop loss out of range, inverted delay window
func (c *Config) Validate() error {
	if c.Exchange.APIURL == "" {
		c.Exchange.APIURL = "https://fapi.asterdex.com"
	}
	if c.Exchange.APIKey == "" || strings.Contains(c.Exchange.APIKey, "your-api-key") {
		return fmt.Errorf("exchange.api_key is required and must not be a placeholder value")
	}
	if c.Exchange.APISecret == "" || strings.Contains(c.Exchange.APISecret, "your-api-secret") {
		return fmt.Errorf("exchange.api_secret is required and must not be a placeholder value")
	}
	if c.Exchange.Timeout <= 0 {
		c.Exchange.Timeout = 10
	}
	if c.Exchange.MaxRetries < 0 {
		c.Exchange.MaxRetries = 3
	}
	if c.Exchange.RecvWindow <= 0 {
		c.Exchange.RecvWindow = 5000
	}

	if err := c.Strategy.validate(); err != nil {
		return err
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data/deltarotor.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 1
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 1
	}

	if c.Monitor.BalanceInterval <= 0 {
		c.Monitor.BalanceInterval = 300
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "./logs/deltarotor.log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	if !validLevels[strings.ToUpper(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.Logging.Level)
	}
	c.Logging.Level = strings.ToUpper(c.Logging.Level)
	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxAge <= 0 {
		c.Logging.MaxAge = 30
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 10
	}

	return nil
}

// validate 策略参数校验与默认值 / Strategy checks and defaults
func (s *StrategyConfig) validate() error {
	if len(s.Symbols) == 0 {
		s.Symbols = []string{"BTCUSDT"}
	}
	seen := make(map[string]bool, len(s.Symbols))
	for i, sym := range s.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return fmt.Errorf("strategy.symbols contains an empty symbol")
		}
		if seen[sym] {
			return fmt.Errorf("strategy.symbols contains duplicate symbol %s", sym)
		}
		seen[sym] = true
		s.Symbols[i] = sym
	}

	if s.CapitalUSDT == 0 {
		s.CapitalUSDT = 1000
	}
	if s.CapitalUSDT < 0 {
		return fmt.Errorf("strategy.capital_usdt must be positive")
	}
	if s.Leverage == 0 {
		s.Leverage = 15
	}
	if s.Leverage < 1 || s.Leverage > 125 {
		return fmt.Errorf("strategy.leverage must be between 1 and 125")
	}
	if s.MinHoldMinutes == 0 {
		s.MinHoldMinutes = 90
	}
	if s.MinHoldMinutes < 0 {
		return fmt.Errorf("strategy.min_hold_minutes cannot be negative")
	}
	if s.MaxPositionSizePct == 0 {
		s.MaxPositionSizePct = 1.5
	}
	if s.MaxPositionSizePct < 0 || s.MaxPositionSizePct > 100 {
		return fmt.Errorf("strategy.max_position_size_pct must be in (0, 100]")
	}
	if s.StopLossPct == 0 {
		s.StopLossPct = 1.0
	}
	if s.StopLossPct < 0 {
		return fmt.Errorf("strategy.stop_loss_pct must be positive")
	}
	if s.MaxPnLDriftPct == 0 {
		s.MaxPnLDriftPct = 0.8
	}
	if s.MaxPnLDriftPct < 0 {
		return fmt.Errorf("strategy.max_pnl_drift_pct must be positive")
	}
	if s.DailyVolumeTarget <= 0 {
		s.DailyVolumeTarget = 15000
	}
	if s.QuantityPrecision <= 0 {
		s.QuantityPrecision = 3
	}
	if s.QuantityJitterPct == 0 {
		s.QuantityJitterPct = 5
	}
	if s.QuantityJitterPct < 0 || s.QuantityJitterPct >= 100 {
		return fmt.Errorf("strategy.quantity_jitter_pct must be in [0, 100)")
	}
	if s.CycleInterval <= 0 {
		s.CycleInterval = 600
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = 60
	}
	if s.LegDelayMin == 0 && s.LegDelayMax == 0 {
		s.LegDelayMin, s.LegDelayMax = 2, 5
	}
	if s.RotationDelayMin == 0 && s.RotationDelayMax == 0 {
		s.RotationDelayMin, s.RotationDelayMax = 5, 10
	}
	if s.LegDelayMin < 0 || s.LegDelayMax < s.LegDelayMin {
		return fmt.Errorf("strategy.leg_delay_min/max must satisfy 0 <= min <= max")
	}
	if s.RotationDelayMin < 0 || s.RotationDelayMax < s.RotationDelayMin {
		return fmt.Errorf("strategy.rotation_delay_min/max must satisfy 0 <= min <= max")
	}
	return nil
}

// CycleIntervalDuration 周期间隔 / Cycle period
func (s StrategyConfig) CycleIntervalDuration() time.Duration {
	return time.Duration(s.CycleInterval) * time.Second
}

// ErrorBackoffDuration 出错后的等待时间 / Wait after a failed cycle
func (s StrategyConfig) ErrorBackoffDuration() time.Duration {
	return time.Duration(s.ErrorBackoff) * time.Second
}

// BalanceIntervalDuration 余额快照间隔 / Period between balance snapshots
func (m MonitorConfig) BalanceIntervalDuration() time.Duration {
	return time.Duration(m.BalanceInterval) * time.Second
}

// RiskConfig 风控配置 / Immutable risk settings shared by every symbol
func (s StrategyConfig) RiskConfig() risk.Config {
	return risk.Config{
		CapitalUSDT:          s.CapitalUSDT,
		Leverage:             s.Leverage,
		MaxPositionSizePct:   s.MaxPositionSizePct,
		StopLossPct:          s.StopLossPct,
		MaxPnLDriftPct:       s.MaxPnLDriftPct,
		QuantityPrecision:    int32(s.QuantityPrecision),
		ExposureSafetyFactor: risk.DefaultExposureSafetyFactor,
		JitterPct:            s.QuantityJitterPct,
	}
}

// EngineConfig 单个交易对的引擎配置 / Engine settings for one symbol
func (s StrategyConfig) EngineConfig(symbol string) strategy.Config {
	return strategy.Config{
		Symbol:            symbol,
		Leverage:          s.Leverage,
		MinHold:           time.Duration(s.MinHoldMinutes) * time.Minute,
		DailyVolumeTarget: s.DailyVolumeTarget,
		LegDelayMin:       seconds(s.LegDelayMin),
		LegDelayMax:       seconds(s.LegDelayMax),
		RotationDelayMin:  seconds(s.RotationDelayMin),
		RotationDelayMax:  seconds(s.RotationDelayMax),
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// MaskSensitive 屏蔽敏感信息用于日志记录 / Mask sensitive information for logging
// 敏感字段仅显示前4个字符 / Sensitive fields show only the first 4 characters
func (c *Config) MaskSensitive() string {
	return fmt.Sprintf("Config{Exchange{APIURL=%s, Key=%s, Timeout=%d}, Strategy{Symbols=%v, Capital=%.2f, Leverage=%d, MinHold=%dm, MaxPos=%.2f%%, SL=%.2f%%, Drift=%.2f%%, Cycle=%ds}, Database{Path=%s}, Logging{Level=%s}, Monitor{Addr=%s}, Alerts{Discord=%t}}",
		c.Exchange.APIURL,
		maskString(c.Exchange.APIKey),
		c.Exchange.Timeout,
		c.Strategy.Symbols,
		c.Strategy.CapitalUSDT,
		c.Strategy.Leverage,
		c.Strategy.MinHoldMinutes,
		c.Strategy.MaxPositionSizePct,
		c.Strategy.StopLossPct,
		c.Strategy.MaxPnLDriftPct,
		c.Strategy.CycleInterval,
		c.Database.Path,
		c.Logging.Level,
		c.Monitor.ListenAddr,
		c.Alerts.DiscordWebhookURL != "",
	)
}

// maskString 屏蔽字符串，只显示前4个字符 / Mask string, show only first 4 characters
func maskString(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
