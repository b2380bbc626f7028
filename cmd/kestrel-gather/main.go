// Command kestrel-gather fetches historical US equity bars from Alpaca into
// the Parquet bar store. Interrupted runs resume where they stopped.
//
// Usage:
//
//	kestrel-gather -symbols SPY,QQQ -start 2020-01-01
//	kestrel-gather -symbols-file reference/us/symbols.csv -timeframe 1h
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"kestrel/internal/config"
	"kestrel/internal/domain"
	"kestrel/internal/gather"
	"kestrel/internal/gather/us"
	"kestrel/internal/store"
	"kestrel/internal/util"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to YAML or TOML config")
	symbols := flag.String("symbols", "", "comma-separated symbols (overrides config)")
	symbolsFile := flag.String("symbols-file", "", "CSV file with a symbol column")
	timeframe := flag.String("timeframe", "", "bar timeframe (default from config)")
	start := flag.String("start", "", "first date YYYY-MM-DD (default from config)")
	end := flag.String("end", "", "last date YYYY-MM-DD (default: latest finished trading day)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	syms := cfg.Gather.Symbols
	if *symbols != "" {
		syms = strings.Split(*symbols, ",")
	}
	if *symbolsFile != "" {
		fromFile, err := us.LoadCSVSymbols(*symbolsFile)
		if err != nil {
			log.Fatalf("loading symbols: %v", err)
		}
		syms = append(syms, fromFile...)
	}

	tfName := cfg.Gather.Timeframe
	if *timeframe != "" {
		tfName = *timeframe
	}
	tf, err := domain.ParseTimeframe(tfName)
	if err != nil {
		log.Fatalf("invalid timeframe: %v", err)
	}

	startDate := cfg.Gather.StartDate
	if *start != "" {
		startDate = *start
	}
	dr, err := gather.ParseDateRange(startDate, *end)
	if err != nil {
		log.Fatalf("invalid date range: %v", err)
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	g := us.NewBarGatherer(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Alpaca.BaseURL,
		pstore,
		filepath.Join(cfg.Storage.DataDir, "progress", string(domain.MarketUS), string(tf)),
		us.BarGathererConfig{
			Symbols:         syms,
			Timeframe:       tf,
			Start:           dr.Start,
			End:             dr.End,
			BatchSize:       cfg.Gather.BatchSize,
			MaxWorkers:      cfg.Gather.MaxWorkers,
			RateLimitPerMin: cfg.Gather.RateLimitPerMin,
			Feed:            cfg.Gather.Feed,
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting gather", "gatherer", g.Name(), "symbols", len(syms), "timeframe", tf)
	stats, err := g.Gather(ctx)
	if err != nil {
		log.Fatalf("gather error: %v", err)
	}
	fmt.Printf("symbols=%d skipped=%d hits=%d empty=%d bars=%d\n",
		stats.Symbols, stats.Skipped, stats.Hits, stats.Empty, stats.Bars)
}
