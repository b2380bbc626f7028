// Command kestrel-reconcile compares a reconciliation export against the
// executions a venue reports for it.
//
// Usage:
//
//	kestrel-reconcile -file exports/<run>.csv -broker alpaca
//	kestrel-reconcile -file exports/<run>.parquet -broker simulator -slippage-bps 2
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kestrel/internal/broker"
	"kestrel/internal/config"
	"kestrel/internal/reconcile"
	"kestrel/internal/util"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to YAML or TOML config")
	file := flag.String("file", "", "export file (.csv or .parquet)")
	venue := flag.String("broker", "alpaca", "venue: alpaca or simulator")
	slippageBps := flag.Float64("slippage-bps", 0, "simulator price shift against the order side")
	window := flag.Duration("window", 24*time.Hour, "extra time around the export span to search for fills")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	rows, err := reconcile.ReadFile(*file)
	if err != nil {
		log.Fatalf("reading export: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("export is empty; nothing to reconcile")
		return
	}

	var b broker.Broker
	switch *venue {
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			log.Fatalf("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
		b = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	case "simulator":
		b = broker.NewSimulatorBroker(rows, cfg.Export.LotSize, *slippageBps)
	default:
		log.Fatalf("unknown broker %q", *venue)
	}

	first, last := rows[0].Timestamp, rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fills, err := b.Fills(ctx, first.Add(-*window), last.Add(*window))
	if err != nil {
		log.Fatalf("fetching fills from %s: %v", b.Name(), err)
	}

	rep := reconcile.Compare(rows, fills, cfg.Reconcile.Tolerance(cfg.Export.LotSize))
	slog.Info("reconciled",
		"broker", b.Name(),
		"rows", rep.Rows,
		"fills", rep.Fills,
		"matched", rep.Matched,
		"discrepancies", len(rep.Discrepancies),
	)

	fmt.Printf("rows=%d fills=%d matched=%d discrepancies=%d\n",
		rep.Rows, rep.Fills, rep.Matched, len(rep.Discrepancies))
	for _, d := range rep.Discrepancies {
		fmt.Println(d)
	}
	if !rep.OK() {
		os.Exit(1)
	}
}
