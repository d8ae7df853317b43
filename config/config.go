package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"donchianbot/internal/adapters/logger" // Import the logger package for LogLevel
	"donchianbot/internal/domain"
	"donchianbot/internal/execution"
	"donchianbot/internal/risk"
	"donchianbot/internal/strategy"
	"donchianbot/internal/strategy/scoring"
)

// Duration wraps time.Duration so TOML files can say "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds all application configuration.
type Config struct {
	// Runtime
	Mode          string   `toml:"mode"` // backtest | paper | live
	Symbols       []string `toml:"symbols"`
	Interval      string   `toml:"interval"`
	InitialEquity float64  `toml:"initial_equity"`

	// Strategy Parameters
	DonchianPeriod int     `toml:"donchian_period"`
	ExitPeriod     int     `toml:"exit_period"`
	ATRPeriod      int     `toml:"atr_period"`
	ATRMultiplier  float64 `toml:"atr_multiplier"`
	RSIPeriod      int     `toml:"rsi_period"`
	RSILower       float64 `toml:"rsi_lower"`
	RSIUpper       float64 `toml:"rsi_upper"`
	RiskFraction   float64 `toml:"risk_fraction"`
	AllowShort     bool    `toml:"allow_short"`

	// Entry filters
	MinATRPercent float64 `toml:"min_atr_percent"`
	MinAvgVolume  float64 `toml:"min_avg_volume"`
	MinConfidence float64 `toml:"min_confidence"`
	ScorerModel   string  `toml:"scorer_model"` // Logistic model file, no scorer when empty
	MaxSpread     float64 `toml:"max_spread"`   // Max (ask-bid)/ask for paper and live entries, 0 disables

	// Risk limits
	HaltDrawdown       float64 `toml:"halt_drawdown"`
	RecoveryDrawdown   float64 `toml:"recovery_drawdown"`
	ReduceRiskDrawdown float64 `toml:"reduce_risk_drawdown"`
	MaxDailyLoss       float64 `toml:"max_daily_loss"`
	MaxSymbolExposure  float64 `toml:"max_symbol_exposure"`
	MaxTotalExposure   float64 `toml:"max_total_exposure"`
	LotStep            float64 `toml:"lot_step"`
	MinQty             float64 `toml:"min_qty"`
	MaxQty             float64 `toml:"max_qty"`

	// Partial take-profit
	PartialTakeProfitR float64 `toml:"partial_tp_r"`
	PartialFraction    float64 `toml:"partial_tp_fraction"`

	// Execution
	SlippageBps       float64  `toml:"slippage_bps"`
	FeeRate           float64  `toml:"fee_rate"`
	OrderTimeout      Duration `toml:"order_timeout"`
	OrderPollInterval Duration `toml:"order_poll_interval"`
	OrderMaxRetries   int      `toml:"order_max_retries"`

	// Binance API
	APIKey    string `toml:"-"`
	SecretKey string `toml:"-"`
	IsTestnet bool   `toml:"use_testnet"`

	// Connection Settings
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`

	// Journal
	DBDriver    string `toml:"db_driver"` // sqlite | postgres
	DBPath      string `toml:"db_path"`
	PostgresDSN string `toml:"-"`

	// Event feed, notifications, archive, dashboard
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"-"`
	RedisDB        int    `toml:"redis_db"`
	TelegramToken  string `toml:"-"`
	TelegramChatID string `toml:"telegram_chat_id"`
	S3Bucket       string `toml:"s3_bucket"`
	S3Region       string `toml:"s3_region"`
	S3Endpoint     string `toml:"s3_endpoint"`
	S3AccessKey    string `toml:"-"`
	S3SecretKey    string `toml:"-"`
	DashboardAddr  string `toml:"dashboard_addr"`

	// Logging
	LogLevel  logger.LogLevel `toml:"-"`
	LogFormat string          `toml:"log_format"` // text | json
	LevelName string          `toml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	p := domain.DefaultParameterSet()
	return Config{
		Mode:          string(execution.ModePaper),
		Symbols:       []string{"BTCUSDT"},
		Interval:      "1h",
		InitialEquity: 1000,

		DonchianPeriod: p.DonchianPeriod,
		ExitPeriod:     10,
		ATRPeriod:      p.ATRPeriod,
		ATRMultiplier:  p.ATRMultiplier,
		RSIPeriod:      p.RSIPeriod,
		RSILower:       p.RSILower,
		RSIUpper:       p.RSIUpper,
		RiskFraction:   p.RiskFraction,
		AllowShort:     p.AllowShort,

		MinATRPercent: 0.0015,
		MaxSpread:     0.001,

		HaltDrawdown:       0.15,
		RecoveryDrawdown:   0.10,
		ReduceRiskDrawdown: 0.05,
		MaxDailyLoss:       0.03,
		MaxSymbolExposure:  1.0,
		MaxTotalExposure:   3.0,

		PartialTakeProfitR: 1.0,
		PartialFraction:    0.5,

		SlippageBps:       5,
		FeeRate:           0.0004,
		OrderTimeout:      Duration{10 * time.Second},
		OrderPollInterval: Duration{500 * time.Millisecond},
		OrderMaxRetries:   3,

		IsTestnet:            true, // Default to testnet for safety
		ReconnectDelay:       Duration{5 * time.Second},
		MaxReconnectAttempts: 10,

		DBDriver:  "sqlite",
		DBPath:    "./data/donchianbot.db",
		S3Region:  "us-east-1",
		LogFormat: "text",
		LevelName: "INFO",
	}
}

// LoadConfig loads configuration from the environment (.env file), on top of
// an optional TOML file named by CONFIG_FILE.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load merges the TOML file at path (if not empty) over the defaults, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	errs := applyEnvOverrides(&cfg)
	cfg.LogLevel = logger.ParseLevel(cfg.LevelName)
	errs = append(errs, cfg.validate()...)

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose environment variable is set.
// Malformed values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) []string {
	e := &envReader{}

	e.setStr(&cfg.Mode, "MODE")
	e.setList(&cfg.Symbols, "SYMBOLS")
	e.setStr(&cfg.Interval, "INTERVAL")
	e.setFloat(&cfg.InitialEquity, "INITIAL_EQUITY")

	e.setInt(&cfg.DonchianPeriod, "DONCHIAN_PERIOD")
	e.setInt(&cfg.ExitPeriod, "EXIT_PERIOD")
	e.setInt(&cfg.ATRPeriod, "ATR_PERIOD")
	e.setFloat(&cfg.ATRMultiplier, "ATR_MULTIPLIER")
	e.setInt(&cfg.RSIPeriod, "RSI_PERIOD")
	e.setFloat(&cfg.RSILower, "RSI_LOWER")
	e.setFloat(&cfg.RSIUpper, "RSI_UPPER")
	e.setFloat(&cfg.RiskFraction, "RISK_FRACTION")
	e.setBool(&cfg.AllowShort, "ALLOW_SHORT")

	e.setFloat(&cfg.MinATRPercent, "MIN_ATR_PERCENT")
	e.setFloat(&cfg.MinAvgVolume, "MIN_AVG_VOLUME")
	e.setFloat(&cfg.MinConfidence, "MIN_CONFIDENCE")
	e.setStr(&cfg.ScorerModel, "SCORER_MODEL")
	e.setFloat(&cfg.MaxSpread, "MAX_SPREAD")

	e.setFloat(&cfg.HaltDrawdown, "HALT_DRAWDOWN")
	e.setFloat(&cfg.RecoveryDrawdown, "RECOVERY_DRAWDOWN")
	e.setFloat(&cfg.ReduceRiskDrawdown, "REDUCE_RISK_DRAWDOWN")
	e.setFloat(&cfg.MaxDailyLoss, "MAX_DAILY_LOSS")
	e.setFloat(&cfg.MaxSymbolExposure, "MAX_SYMBOL_EXPOSURE")
	e.setFloat(&cfg.MaxTotalExposure, "MAX_TOTAL_EXPOSURE")
	e.setFloat(&cfg.LotStep, "LOT_STEP")
	e.setFloat(&cfg.MinQty, "MIN_QTY")
	e.setFloat(&cfg.MaxQty, "MAX_QTY")

	e.setFloat(&cfg.PartialTakeProfitR, "PARTIAL_TP_R")
	e.setFloat(&cfg.PartialFraction, "PARTIAL_TP_FRACTION")

	e.setFloat(&cfg.SlippageBps, "SLIPPAGE_BPS")
	e.setFloat(&cfg.FeeRate, "FEE_RATE")
	e.setDuration(&cfg.OrderTimeout, "ORDER_TIMEOUT")
	e.setDuration(&cfg.OrderPollInterval, "ORDER_POLL_INTERVAL")
	e.setInt(&cfg.OrderMaxRetries, "ORDER_MAX_RETRIES")

	e.setStr(&cfg.APIKey, "BINANCE_API_KEY")
	e.setStr(&cfg.SecretKey, "BINANCE_SECRET_KEY")
	e.setBool(&cfg.IsTestnet, "USE_TESTNET")
	e.setDuration(&cfg.ReconnectDelay, "RECONNECT_DELAY")
	e.setInt(&cfg.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS")

	e.setStr(&cfg.DBDriver, "DB_DRIVER")
	e.setStr(&cfg.DBPath, "DB_PATH")
	e.setStr(&cfg.PostgresDSN, "POSTGRES_DSN")

	e.setStr(&cfg.RedisAddr, "REDIS_ADDR")
	e.setStr(&cfg.RedisPassword, "REDIS_PASSWORD")
	e.setInt(&cfg.RedisDB, "REDIS_DB")
	e.setStr(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	e.setStr(&cfg.TelegramChatID, "TELEGRAM_CHAT_ID")
	e.setStr(&cfg.S3Bucket, "S3_BUCKET")
	e.setStr(&cfg.S3Region, "S3_REGION")
	e.setStr(&cfg.S3Endpoint, "S3_ENDPOINT")
	e.setStr(&cfg.S3AccessKey, "S3_ACCESS_KEY")
	e.setStr(&cfg.S3SecretKey, "S3_SECRET_KEY")
	e.setStr(&cfg.DashboardAddr, "DASHBOARD_ADDR")

	e.setStr(&cfg.LevelName, "LOG_LEVEL")
	e.setStr(&cfg.LogFormat, "LOG_FORMAT")
	return e.errs
}

func (c *Config) validate() []string {
	var errs []string

	switch execution.Mode(c.Mode) {
	case execution.ModeBacktest, execution.ModePaper:
	case execution.ModeLive:
		// Basic API Key validation (can be enhanced)
		if c.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set in live mode")
		}
		if c.SecretKey == "" {
			errs = append(errs, "BINANCE_SECRET_KEY must be set in live mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("MODE must be backtest, paper or live, got %q", c.Mode))
	}

	if len(c.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must be set")
	}
	if c.Interval == "" {
		errs = append(errs, "INTERVAL must be set")
	}
	if c.InitialEquity <= 0 {
		errs = append(errs, "INITIAL_EQUITY must be positive")
	}
	if err := c.Params().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.RiskConfig().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.MinATRPercent < 0 || c.MinAvgVolume < 0 || c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, "entry filters must be non-negative and MIN_CONFIDENCE at most 1")
	}
	if c.MaxSpread < 0 || c.MaxSpread >= 1 {
		errs = append(errs, "MAX_SPREAD must be in [0, 1)")
	}
	if c.PartialTakeProfitR < 0 || c.PartialFraction < 0 || c.PartialFraction >= 1 {
		errs = append(errs, "PARTIAL_TP_R must not be negative and PARTIAL_TP_FRACTION must be in [0, 1)")
	}
	if c.SlippageBps < 0 || c.FeeRate < 0 {
		errs = append(errs, "SLIPPAGE_BPS and FEE_RATE cannot be negative")
	}
	if c.OrderTimeout.Duration <= 0 || c.OrderPollInterval.Duration <= 0 {
		errs = append(errs, "ORDER_TIMEOUT and ORDER_POLL_INTERVAL must be positive")
	}
	if c.OrderMaxRetries < 0 {
		errs = append(errs, "ORDER_MAX_RETRIES cannot be negative")
	}
	if c.ReconnectDelay.Duration <= 0 {
		errs = append(errs, "RECONNECT_DELAY must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, "DB_PATH must be set")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, "POSTGRES_DSN must be set when DB_DRIVER=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errs
}

// ExecutionMode returns the configured mode.
func (c *Config) ExecutionMode() execution.Mode {
	return execution.Mode(c.Mode)
}

// Params returns the strategy parameter set.
func (c *Config) Params() domain.ParameterSet {
	return domain.ParameterSet{
		DonchianPeriod: c.DonchianPeriod,
		ExitPeriod:     c.ExitPeriod,
		ATRPeriod:      c.ATRPeriod,
		ATRMultiplier:  c.ATRMultiplier,
		RSIPeriod:      c.RSIPeriod,
		RSILower:       c.RSILower,
		RSIUpper:       c.RSIUpper,
		RiskFraction:   c.RiskFraction,
		AllowShort:     c.AllowShort,
	}
}

// StrategyConfig returns the signal generator settings, loading the scorer
// model when one is configured.
func (c *Config) StrategyConfig() (strategy.Config, error) {
	sc := strategy.Config{
		Params:        c.Params(),
		MinATRPercent: c.MinATRPercent,
		MinAvgVolume:  c.MinAvgVolume,
		MinConfidence: c.MinConfidence,
	}
	if c.ScorerModel != "" {
		model, err := scoring.LoadLogistic(c.ScorerModel)
		if err != nil {
			return sc, err
		}
		sc.Scorer = model
	}
	return sc, nil
}

// RiskConfig returns the risk manager settings.
func (c *Config) RiskConfig() risk.RiskConfig {
	return risk.RiskConfig{
		RiskFraction:       c.RiskFraction,
		HaltDrawdown:       c.HaltDrawdown,
		RecoveryDrawdown:   c.RecoveryDrawdown,
		ReduceRiskDrawdown: c.ReduceRiskDrawdown,
		MaxDailyLoss:       c.MaxDailyLoss,
		MaxSymbolExposure:  c.MaxSymbolExposure,
		MaxTotalExposure:   c.MaxTotalExposure,
		LotStep:            c.LotStep,
		MinQty:             c.MinQty,
		MaxQty:             c.MaxQty,
	}
}

// ExecutionConfig returns the router settings.
func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		SlippageBps:  c.SlippageBps,
		FeeRate:      c.FeeRate,
		FillTimeout:  c.OrderTimeout.Duration,
		PollInterval: c.OrderPollInterval.Duration,
		MaxRetries:   c.OrderMaxRetries,
	}
}

// --- Env Var Helpers ---

// envReader applies set variables and collects parse errors.
type envReader struct {
	errs []string
}

func (e *envReader) setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid integer value '%s' for key %s", v, key))
		return
	}
	*dst = n
}

func (e *envReader) setFloat(dst *float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid float value '%s' for key %s", v, key))
		return
	}
	*dst = f
}

func (e *envReader) setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid boolean value '%s' for key %s", v, key))
		return
	}
	*dst = b
}

func (e *envReader) setDuration(dst *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("invalid duration value '%s' for key %s", v, key))
		return
	}
	dst.Duration = d
}
