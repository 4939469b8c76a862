package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ratchet/internal/domain"
	"ratchet/internal/engine"
	"ratchet/internal/strategy"
	"ratchet/internal/util"
)

// DefaultPath is used when neither a flag nor RATCHET_CONFIG names a file.
const DefaultPath = "config/ratchet.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for ratchet.
type Config struct {
	Storage    Storage                   `yaml:"storage"`
	Server     Server                    `yaml:"server"`
	Alpaca     Alpaca                    `yaml:"alpaca"`
	Logging    Logging                   `yaml:"logging"`
	Session    Session                   `yaml:"session"`
	Trading    TradingConfig             `yaml:"trading"`
	Strategies map[string]StrategyConfig `yaml:"strategies"`
	Backtest   BacktestConfig            `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration. An empty address disables
// the listener.
type Server struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker and
// market-data APIs.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"` // iex or sip
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// HasCredentials reports whether both key and secret are set.
func (a Alpaca) HasCredentials() bool {
	return a.APIKey != "" && a.APISecret != ""
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Session describes the regular trading session.
type Session struct {
	Timezone    string        `yaml:"timezone"`
	Open        string        `yaml:"open"`  // HH:MM exchange time
	Close       string        `yaml:"close"` // HH:MM exchange time
	CloseBuffer time.Duration `yaml:"close_buffer"`
}

// TradingConfig defines sizing, risk and execution parameters.
type TradingConfig struct {
	Capital      float64       `yaml:"capital"`
	RiskFraction float64       `yaml:"risk_fraction"`
	MaxNotional  float64       `yaml:"max_notional"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	ATRPeriod    int           `yaml:"atr_period"`
	Symbols      []string      `yaml:"symbols"`
	Strategy     string        `yaml:"strategy"`
	PaperMode    bool          `yaml:"paper_mode"`

	MaxDailyLoss           float64 `yaml:"max_daily_loss"`
	MaxTradesPerDay        int     `yaml:"max_trades_per_day"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
}

// StrategyConfig is the exit ladder and entry parameters of one strategy
// family.
type StrategyConfig struct {
	Tiers             []domain.Tier      `yaml:"tiers"`
	BreakevenTriggerR float64            `yaml:"breakeven_trigger_r"`
	BreakevenOffsetR  float64            `yaml:"breakeven_offset_r"`
	TrailATRMult      float64            `yaml:"trail_atr_mult"`
	MaxHold           time.Duration      `yaml:"max_hold"`
	TargetR           float64            `yaml:"target_r"`
	Params            map[string]float64 `yaml:"params"`
}

// BacktestConfig controls historical replays.
type BacktestConfig struct {
	Start     string  `yaml:"start"` // YYYY-MM-DD
	End       string  `yaml:"end"`   // YYYY-MM-DD, inclusive
	Workers   int     `yaml:"workers"`
	ExportDir string  `yaml:"export_dir"`
	Slippage  float64 `yaml:"slippage"`
}

// Range parses Start and End as exchange-local dates and returns the UTC
// range covering both days in full.
func (b BacktestConfig) Range(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", b.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest start %q: %w", b.Start, err)
	}
	end, err := time.ParseInLocation("2006-01-02", b.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest end %q: %w", b.End, err)
	}
	end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest end %s before start %s", b.End, b.Start)
	}
	return start.UTC(), end.UTC(), nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns flagValue, else $RATCHET_CONFIG, else DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("RATCHET_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, and then applies defaults and environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 180
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Session.CloseBuffer == 0 {
		cfg.Session.CloseBuffer = 5 * time.Minute
	}
	if cfg.Trading.PollInterval == 0 {
		cfg.Trading.PollInterval = 15 * time.Second
	}
	if cfg.Trading.DrainTimeout == 0 {
		cfg.Trading.DrainTimeout = 60 * time.Second
	}
	if cfg.Backtest.Workers == 0 {
		cfg.Backtest.Workers = 1
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("RATCHET_SYMBOLS"); v != "" {
		cfg.Trading.Symbols = SplitSymbols(v)
	}
	if v := os.Getenv("RATCHET_STRATEGY"); v != "" {
		cfg.Trading.Strategy = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// SplitSymbols parses a comma-separated symbol list, trimming and
// upper-casing each entry and dropping empty ones.
func SplitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Typed views
// ---------------------------------------------------------------------------

// Lifecycle returns the validated exit ladder of the named strategy.
func (c *Config) Lifecycle(name string) (engine.LifecycleConfig, error) {
	sc, ok := c.Strategies[name]
	if !ok {
		return engine.LifecycleConfig{}, fmt.Errorf("strategy %q is not configured", name)
	}
	lc := engine.LifecycleConfig{
		Tiers:             append([]domain.Tier(nil), sc.Tiers...),
		BreakevenTriggerR: sc.BreakevenTriggerR,
		BreakevenOffsetR:  sc.BreakevenOffsetR,
		TrailATRMult:      sc.TrailATRMult,
		MaxHold:           sc.MaxHold,
		TargetR:           sc.TargetR,
	}
	if err := lc.Validate(); err != nil {
		return engine.LifecycleConfig{}, fmt.Errorf("strategy %q: %w", name, err)
	}
	return lc, nil
}

// Params returns the entry parameters of the named strategy.
func (c *Config) Params(name string) strategy.Params {
	return strategy.Params(c.Strategies[name].Params)
}

// Budget returns the default sizing budget.
func (c *Config) Budget() strategy.Budget {
	return strategy.Budget{
		Capital:      c.Trading.Capital,
		RiskFraction: c.Trading.RiskFraction,
		MaxNotional:  c.Trading.MaxNotional,
	}
}

// RiskLimits returns the risk gate thresholds.
func (c *Config) RiskLimits() engine.RiskLimits {
	return engine.RiskLimits{
		MaxDailyLoss:           c.Trading.MaxDailyLoss,
		MaxTradesPerDay:        c.Trading.MaxTradesPerDay,
		MaxConcurrentPositions: c.Trading.MaxConcurrentPositions,
	}
}

// Calendar builds the US trading calendar from the session section.
func (c *Config) Calendar() (*util.TradingCalendar, error) {
	opts := []util.CalendarOption{util.WithCloseBuffer(c.Session.CloseBuffer)}
	if c.Session.Timezone != "" {
		opts = append(opts, util.WithLocation(c.Session.Timezone))
	}
	if c.Session.Open != "" || c.Session.Close != "" {
		opts = append(opts, util.WithHours(c.Session.Open, c.Session.Close))
	}
	return util.NewTradingCalendar(domain.MarketUS, opts...)
}
