// Package config loads kestrel's configuration from a YAML or TOML file, an
// optional .env file and KESTREL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kestrel/internal/domain"
	"kestrel/internal/engine"
	"kestrel/internal/metrics"
	"kestrel/internal/reconcile"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for kestrel.
type Config struct {
	Storage   Storage   `yaml:"storage" toml:"storage"`
	Alpaca    Alpaca    `yaml:"alpaca" toml:"alpaca"`
	Logging   Logging   `yaml:"logging" toml:"logging"`
	Gather    Gather    `yaml:"gather" toml:"gather"`
	Backtest  Backtest  `yaml:"backtest" toml:"backtest"`
	Export    Export    `yaml:"export" toml:"export"`
	Reconcile Reconcile `yaml:"reconcile" toml:"reconcile"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir" toml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path" toml:"sqlite_path"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	APISecret string `yaml:"api_secret" toml:"api_secret"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	DataURL   string `yaml:"data_url" toml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Gather holds parameters for fetching historical bars.
type Gather struct {
	Symbols         []string `yaml:"symbols" toml:"symbols"`
	Timeframe       string   `yaml:"timeframe" toml:"timeframe"`
	StartDate       string   `yaml:"start_date" toml:"start_date"`
	BatchSize       int      `yaml:"batch_size" toml:"batch_size"`
	MaxWorkers      int      `yaml:"max_workers" toml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min" toml:"rate_limit_per_min"`
	Feed            string   `yaml:"feed" toml:"feed"` // iex or sip
}

// Backtest defines execution, cost and metric parameters for backtests.
type Backtest struct {
	InitialCapital float64            `yaml:"initial_capital" toml:"initial_capital"`
	Market         string             `yaml:"market" toml:"market"`
	Timeframe      string             `yaml:"timeframe" toml:"timeframe"`
	FillDelay      int                `yaml:"fill_delay" toml:"fill_delay"`
	PipSize        float64            `yaml:"pip_size" toml:"pip_size"`
	SymbolPipSize  map[string]float64 `yaml:"symbol_pip_size" toml:"symbol_pip_size"`
	Commission     Commission         `yaml:"commission" toml:"commission"`
	Slippage       Slippage           `yaml:"slippage" toml:"slippage"`
	MaxPositionPct float64            `yaml:"max_position_pct" toml:"max_position_pct"`
	LiquidateAtEnd bool               `yaml:"liquidate_at_end" toml:"liquidate_at_end"`
	RiskFreeRate   float64            `yaml:"risk_free_rate" toml:"risk_free_rate"`
	SortinoTarget  float64            `yaml:"sortino_target" toml:"sortino_target"`
	MaxWorkers     int                `yaml:"max_workers" toml:"max_workers"`
}

// Commission selects the commission model.
type Commission struct {
	Model   string  `yaml:"model" toml:"model"`
	Value   float64 `yaml:"value" toml:"value"`
	Minimum float64 `yaml:"minimum" toml:"minimum"`
}

// Slippage selects the slippage model.
type Slippage struct {
	Model        string  `yaml:"model" toml:"model"`
	Value        float64 `yaml:"value" toml:"value"`
	SizeImpact   float64 `yaml:"size_impact" toml:"size_impact"`
	ApplyToLimit bool    `yaml:"apply_to_limit" toml:"apply_to_limit"`
	Seed         uint64  `yaml:"seed" toml:"seed"`
}

// Export controls reconciliation exports.
type Export struct {
	Dir            string  `yaml:"dir" toml:"dir"`
	Format         string  `yaml:"format" toml:"format"`
	PricePrecision int32   `yaml:"price_precision" toml:"price_precision"`
	LotSize        float64 `yaml:"lot_size" toml:"lot_size"`
	LotPrecision   int32   `yaml:"lot_precision" toml:"lot_precision"`
	S3             S3      `yaml:"s3" toml:"s3"`
}

// S3 holds S3-compatible object storage parameters. Uploads are disabled
// when Bucket is empty.
type S3 struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	Region         string `yaml:"region" toml:"region"`
	Bucket         string `yaml:"bucket" toml:"bucket"`
	Prefix         string `yaml:"prefix" toml:"prefix"`
	AccessKey      string `yaml:"access_key" toml:"access_key"`
	SecretKey      string `yaml:"secret_key" toml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style" toml:"force_path_style"`
}

// Reconcile holds comparison tolerances.
type Reconcile struct {
	PriceToleranceBps float64 `yaml:"price_tolerance_bps" toml:"price_tolerance_bps"`
	QtyTolerance      float64 `yaml:"qty_tolerance" toml:"qty_tolerance"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Defaults returns a Config with every field set to its built-in value.
func Defaults() Config {
	return Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/kestrel.db",
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
			DataURL: "https://data.alpaca.markets",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Gather: Gather{
			Timeframe:       string(domain.Day1),
			StartDate:       "2020-01-01",
			BatchSize:       100,
			MaxWorkers:      4,
			RateLimitPerMin: 200,
			Feed:            "iex",
		},
		Backtest: Backtest{
			InitialCapital: 100000,
			Market:         string(domain.MarketUS),
			Timeframe:      string(domain.Day1),
			FillDelay:      1,
			PipSize:        engine.DefaultPipSize,
			Commission:     Commission{Model: engine.CommissionNone},
			Slippage:       Slippage{Model: engine.SlippageNone},
			LiquidateAtEnd: true,
			MaxWorkers:     4,
		},
		Export: Export{
			Dir:            "exports",
			Format:         reconcile.FormatCSV,
			PricePrecision: 5,
			LotSize:        1,
			LotPrecision:   2,
			S3:             S3{Region: "us-east-1"},
		},
		Reconcile: Reconcile{
			PriceToleranceBps: 5,
			QtyTolerance:      1e-6,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the configuration file at path on top of Defaults. Files ending
// in .toml are decoded as TOML, everything else as YAML. A .env file in the
// working directory is loaded if present, then environment overrides are
// applied. An empty path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Storage.DataDir, "KESTREL_DATA_DIR")
	setStr(&cfg.Storage.SQLitePath, "KESTREL_SQLITE_PATH")

	setStr(&cfg.Alpaca.APIKey, "KESTREL_ALPACA_API_KEY")
	setStr(&cfg.Alpaca.APISecret, "KESTREL_ALPACA_API_SECRET")
	setStr(&cfg.Alpaca.BaseURL, "KESTREL_ALPACA_BASE_URL")
	setStr(&cfg.Alpaca.DataURL, "KESTREL_ALPACA_DATA_URL")

	setStr(&cfg.Logging.Level, "KESTREL_LOG_LEVEL")
	setStr(&cfg.Logging.Format, "KESTREL_LOG_FORMAT")

	setStr(&cfg.Gather.Feed, "KESTREL_GATHER_FEED")
	setInt(&cfg.Gather.MaxWorkers, "KESTREL_GATHER_MAX_WORKERS")
	setInt(&cfg.Gather.RateLimitPerMin, "KESTREL_GATHER_RATE_LIMIT_PER_MIN")

	setFloat64(&cfg.Backtest.InitialCapital, "KESTREL_BACKTEST_INITIAL_CAPITAL")
	setInt(&cfg.Backtest.FillDelay, "KESTREL_BACKTEST_FILL_DELAY")
	setInt(&cfg.Backtest.MaxWorkers, "KESTREL_BACKTEST_MAX_WORKERS")

	setStr(&cfg.Export.Dir, "KESTREL_EXPORT_DIR")
	setStr(&cfg.Export.S3.Endpoint, "KESTREL_S3_ENDPOINT")
	setStr(&cfg.Export.S3.Region, "KESTREL_S3_REGION")
	setStr(&cfg.Export.S3.Bucket, "KESTREL_S3_BUCKET")
	setStr(&cfg.Export.S3.AccessKey, "KESTREL_S3_ACCESS_KEY")
	setStr(&cfg.Export.S3.SecretKey, "KESTREL_S3_SECRET_KEY")

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	setStr(&cfg.Alpaca.APIKey, "APCA_API_KEY_ID")
	setStr(&cfg.Alpaca.APISecret, "APCA_API_SECRET_KEY")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Storage.DataDir == "" {
		add("storage: data_dir must not be empty")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging: unknown level %q (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if _, err := domain.ParseTimeframe(c.Gather.Timeframe); err != nil {
		add("gather: %v", err)
	}
	if c.Gather.BatchSize <= 0 || c.Gather.MaxWorkers <= 0 || c.Gather.RateLimitPerMin <= 0 {
		add("gather: batch_size, max_workers and rate_limit_per_min must be positive")
	}
	if c.Gather.Feed != "iex" && c.Gather.Feed != "sip" {
		add("gather: feed must be iex or sip, got %q", c.Gather.Feed)
	}

	if !domain.Market(c.Backtest.Market).Valid() {
		add("backtest: unknown market %q", c.Backtest.Market)
	}
	if _, err := domain.ParseTimeframe(c.Backtest.Timeframe); err != nil {
		add("backtest: %v", err)
	}
	if err := c.Backtest.EngineConfig().Validate(); err != nil {
		add("backtest: %w", err)
	}
	if c.Backtest.MaxWorkers <= 0 {
		add("backtest: max_workers must be positive, got %d", c.Backtest.MaxWorkers)
	}

	switch c.Export.Format {
	case reconcile.FormatCSV, reconcile.FormatParquet:
	default:
		add("export: unknown format %q (valid: csv, parquet)", c.Export.Format)
	}
	if c.Export.PricePrecision < 0 || c.Export.LotPrecision < 0 {
		add("export: precisions must be non-negative")
	}
	if c.Export.LotSize < 0 {
		add("export: lot_size must be non-negative, got %v", c.Export.LotSize)
	}
	if s3 := c.Export.S3; s3.Bucket != "" && (s3.AccessKey == "") != (s3.SecretKey == "") {
		add("export.s3: access_key and secret_key must be set together")
	}

	if c.Reconcile.PriceToleranceBps < 0 || c.Reconcile.QtyTolerance < 0 {
		add("reconcile: tolerances must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// EngineConfig converts the backtest section to the immutable engine.Config.
func (b Backtest) EngineConfig() engine.Config {
	return engine.Config{
		InitialCapital: b.InitialCapital,
		FillDelay:      b.FillDelay,
		PipSize:        b.PipSize,
		SymbolPipSize:  b.SymbolPipSize,
		Commission: engine.CommissionConfig{
			Model:   b.Commission.Model,
			Value:   b.Commission.Value,
			Minimum: b.Commission.Minimum,
		},
		Slippage: engine.SlippageConfig{
			Model:        b.Slippage.Model,
			Value:        b.Slippage.Value,
			SizeImpact:   b.Slippage.SizeImpact,
			ApplyToLimit: b.Slippage.ApplyToLimit,
			Seed:         b.Slippage.Seed,
		},
		MaxPositionPct: b.MaxPositionPct,
	}
}

// MetricsOptions returns the ratio parameters. Bars per year is left to the
// backtester, which derives it from the market calendar.
func (b Backtest) MetricsOptions() metrics.Options {
	return metrics.Options{
		RiskFreeRate:  b.RiskFreeRate,
		SortinoTarget: b.SortinoTarget,
	}
}

// Options returns the exporter rounding options.
func (e Export) Options() reconcile.Options {
	return reconcile.Options{
		PricePrecision: e.PricePrecision,
		LotSize:        e.LotSize,
		LotPrecision:   e.LotPrecision,
	}
}

// Tolerance returns the comparison tolerance for exports written with lotSize.
func (r Reconcile) Tolerance(lotSize float64) reconcile.Tolerance {
	return reconcile.Tolerance{
		PriceBps: r.PriceToleranceBps,
		Qty:      r.QtyTolerance,
		LotSize:  lotSize,
	}
}
