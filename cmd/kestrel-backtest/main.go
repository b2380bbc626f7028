// Command kestrel-backtest replays stored bars through one or more
// strategies, saves the results and writes reconciliation exports.
//
// Usage:
//
//	kestrel-backtest -strategy sma_cross -params short=10,long=50 -symbols SPY,QQQ
//	kestrel-backtest -run sma_cross:short=5,long=20 -run rsi_reversion:period=14
//	kestrel-backtest -list-runs
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
	"text/tabwriter"
	"time"

	s3blob "kestrel/internal/blob/s3"
	"kestrel/internal/config"
	"kestrel/internal/domain"
	"kestrel/internal/gather"
	"kestrel/internal/reconcile"
	"kestrel/internal/store"
	"kestrel/internal/strategy"
	"kestrel/internal/strategy/builtins"
	"kestrel/internal/util"
)

// runFlags collects repeated -run name:k=v,k=v values.
type runFlags []string

func (r *runFlags) String() string { return strings.Join(*r, " ") }

func (r *runFlags) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var runs runFlags
	cfgPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to YAML or TOML config")
	strat := flag.String("strategy", builtins.SMACrossName, "strategy name")
	paramStr := flag.String("params", "", "strategy parameters as k=v,k=v")
	symbols := flag.String("symbols", "", "comma-separated symbols (default: every stored symbol)")
	start := flag.String("start", "2020-01-01", "first bar date (YYYY-MM-DD)")
	end := flag.String("end", "", "last bar date (YYYY-MM-DD, default today)")
	noExport := flag.Bool("no-export", false, "skip the reconciliation export")
	listStrategies := flag.Bool("list", false, "list registered strategies and exit")
	listRuns := flag.Int("list-runs", 0, "list the N most recent saved runs and exit")
	flag.Var(&runs, "run", "strategy:k=v,k=v to run (repeatable, runs in parallel)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	registry := strategy.NewRegistry()
	builtins.Register(registry)
	if *listStrategies {
		for _, name := range registry.List() {
			fmt.Println(name)
		}
		return
	}

	runStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	defer runStore.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *listRuns > 0 {
		recs, err := runStore.ListRuns(ctx, "", *listRuns)
		if err != nil {
			log.Fatalf("listing runs: %v", err)
		}
		printRuns(recs)
		return
	}

	dr, err := gather.ParseDateRange(*start, *end)
	if err != nil {
		log.Fatalf("invalid date range: %v", err)
	}
	if dr.End.IsZero() {
		dr.End = time.Now().UTC()
	}
	tf, err := domain.ParseTimeframe(cfg.Backtest.Timeframe)
	if err != nil {
		log.Fatalf("invalid timeframe: %v", err)
	}

	base := strategy.Request{
		Symbols:   splitList(*symbols),
		Market:    domain.Market(cfg.Backtest.Market),
		Timeframe: tf,
		Start:     dr.Start,
		// ReadBars is inclusive of End; cover the whole last day.
		End: dr.End.Add(24*time.Hour - time.Nanosecond),
	}
	var reqs []strategy.Request
	if len(runs) == 0 {
		runs = runFlags{*strat + ":" + *paramStr}
	}
	for _, r := range runs {
		name, ps, err := parseRun(r)
		if err != nil {
			log.Fatalf("invalid -run %q: %v", r, err)
		}
		req := base
		req.Strategy, req.Params = name, ps
		reqs = append(reqs, req)
	}

	barStore := store.NewParquetStore(cfg.Storage.DataDir)
	bt := strategy.NewBacktester(barStore, registry, strategy.Options{
		Engine:     cfg.Backtest.EngineConfig(),
		Liquidate:  cfg.Backtest.LiquidateAtEnd,
		Metrics:    cfg.Backtest.MetricsOptions(),
		MaxWorkers: cfg.Backtest.MaxWorkers,
		Logger:     logger,
	})

	results, err := bt.RunMany(ctx, reqs)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}

	var uploader *s3blob.Writer
	if !*noExport && cfg.Export.S3.Bucket != "" {
		s3c := cfg.Export.S3
		client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       s3c.Endpoint,
			Region:         s3c.Region,
			Bucket:         s3c.Bucket,
			Prefix:         s3c.Prefix,
			AccessKey:      s3c.AccessKey,
			SecretKey:      s3c.SecretKey,
			ForcePathStyle: s3c.ForcePathStyle,
		})
		if err != nil {
			log.Fatalf("failed to create S3 client: %v", err)
		}
		uploader = s3blob.NewWriter(client, 0)
	}

	for _, res := range results {
		rec := res.Record()
		if err := runStore.SaveRun(ctx, &rec); err != nil {
			log.Fatalf("saving run %s: %v", res.RunID, err)
		}
		if err := barStore.WriteTradeLog(ctx, res.RunID, res.Trades); err != nil {
			log.Fatalf("writing trade log %s: %v", res.RunID, err)
		}
		if err := barStore.WriteEquity(ctx, res.RunID, res.Equity); err != nil {
			log.Fatalf("writing equity %s: %v", res.RunID, err)
		}
		if *noExport {
			continue
		}

		path := filepath.Join(cfg.Export.Dir, res.RunID+"."+cfg.Export.Format)
		rows := reconcile.BuildRows(res.Orders, cfg.Export.Options())
		if err := reconcile.WriteFile(path, rows, cfg.Export.Options()); err != nil {
			log.Fatalf("exporting %s: %v", res.RunID, err)
		}
		slog.Info("export written", "run", res.RunID, "path", path, "rows", len(rows))

		if uploader != nil {
			loc, err := uploader.PutFile(ctx, res.RunID, path)
			if err != nil {
				log.Fatalf("uploading %s: %v", path, err)
			}
			slog.Info("export uploaded", "run", res.RunID, "location", loc)
		}
	}

	printResults(results)
}

// parseRun splits "name:k=v,k=v" into a strategy name and parameters.
func parseRun(s string) (string, map[string]string, error) {
	name, rest, _ := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("missing strategy name")
	}
	params := make(map[string]string)
	for _, kv := range splitList(rest) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return "", nil, fmt.Errorf("parameter %q is not k=v", kv)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return name, params, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printResults(results []*strategy.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTRATEGY\tTRADES\tWIN%\tRETURN%\tSHARPE\tMAXDD%\tFINAL")
	for _, r := range results {
		m := r.Metrics
		fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			r.RunID, r.Strategy, m.TotalTrades, m.WinRatePct, m.TotalReturnPct, m.Sharpe, m.MaxDrawdownPct, m.FinalEquity)
	}
	w.Flush()
}

func printRuns(recs []store.RunRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTRATEGY\tCREATED\tSYMBOLS\tTRADES\tRETURN%\tSHARPE")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.2f\t%.2f\n",
			r.ID, r.Strategy, r.CreatedAt.Format(time.DateTime), strings.Join(r.Symbols, ","),
			r.Metrics.TotalTrades, r.Metrics.TotalReturnPct, r.Metrics.Sharpe)
	}
	w.Flush()
}
