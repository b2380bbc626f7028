// Package us gathers US equity bars from the Alpaca market-data API.
package us

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/sync/errgroup"

	"kestrel/internal/domain"
	"kestrel/internal/gather"
	"kestrel/internal/store"
	"kestrel/internal/util"
)

// Compile-time interface check.
var _ gather.Gatherer = (*BarGatherer)(nil)

// barFetcher is the subset of the Alpaca market-data client used here.
type barFetcher interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// BarGathererConfig holds the parameters of one gather job.
type BarGathererConfig struct {
	Symbols   []string
	Timeframe domain.Timeframe
	Start     time.Time
	// End is inclusive. Zero means the latest finished trading day.
	End             time.Time
	BatchSize       int // symbols per API call
	MaxWorkers      int
	RateLimitPerMin int
	Feed            string // iex or sip
}

// Stats summarizes a gather run.
type Stats struct {
	Symbols int   // symbols requested this run
	Skipped int   // already fetched by an interrupted earlier run
	Hits    int64 // symbols that returned bars
	Empty   int64 // symbols that returned none
	Bars    int64
	Failed  int64 // batches that failed after retries
}

// BarGatherer fetches OHLCV bars for a symbol list from Alpaca and writes
// them to a BarStore. Runs are resumable: symbols already fetched for the
// same timeframe and end date are skipped.
type BarGatherer struct {
	client      barFetcher
	calendar    calendarGetter
	store       store.BarStore
	progressDir string
	cfg         BarGathererConfig
	limiter     *util.RateLimiter
	retryDelay  time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewBarGatherer creates a BarGatherer configured with the given Alpaca
// credentials. dataURL overrides the market-data endpoint and baseURL the
// trading endpoint used for the calendar. Progress files live under
// progressDir; an empty progressDir disables resumption.
func NewBarGatherer(apiKey, apiSecret, dataURL, baseURL string, s store.BarStore, progressDir string, cfg BarGathererConfig) *BarGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	cal := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newBarGatherer(marketdata.NewClient(opts), cal, s, progressDir, cfg)
}

func newBarGatherer(client barFetcher, cal calendarGetter, s store.BarStore, progressDir string, cfg BarGathererConfig) *BarGatherer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 200
	}
	if cfg.Feed == "" {
		cfg.Feed = marketdata.IEX
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = domain.Day1
	}
	cfg.Symbols = NormalizeSymbols(cfg.Symbols)

	return &BarGatherer{
		client:      client,
		calendar:    cal,
		store:       s,
		progressDir: progressDir,
		cfg:         cfg,
		limiter:     util.NewRateLimiter(cfg.RateLimitPerMin),
		retryDelay:  2 * time.Second,
		now:         time.Now,
		log:         slog.Default().With("gatherer", "us-bars"),
	}
}

// Name returns the gatherer identifier.
func (g *BarGatherer) Name() string { return "us-bars" }

// Run fetches every configured symbol and writes the bars to the store.
func (g *BarGatherer) Run(ctx context.Context) error {
	_, err := g.Gather(ctx)
	return err
}

// Gather is Run returning the run statistics.
func (g *BarGatherer) Gather(ctx context.Context) (Stats, error) {
	var stats Stats
	if len(g.cfg.Symbols) == 0 {
		return stats, fmt.Errorf("no symbols to gather")
	}
	tf, err := alpacaTimeFrame(g.cfg.Timeframe)
	if err != nil {
		return stats, err
	}

	// 1. Determine the end date.
	end := g.cfg.End
	if end.IsZero() {
		if g.calendar == nil {
			return stats, fmt.Errorf("no end date and no calendar client")
		}
		end, err = LatestFinishedTradingDay(g.calendar, g.now())
		if err != nil {
			return stats, fmt.Errorf("determining end date: %w", err)
		}
	}
	// Bars are stamped at their open; include the whole end day.
	endExclusive := end.AddDate(0, 0, 1)
	if !g.cfg.Start.Before(endExclusive) {
		return stats, fmt.Errorf("start %s is after end %s",
			g.cfg.Start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	runKey := fmt.Sprintf("%s/%s/%s", g.cfg.Timeframe, g.cfg.Start.Format(time.DateOnly), end.Format(time.DateOnly))

	// 2. Set up the progress tracker.
	var tracker *progressTracker
	if g.progressDir != "" {
		tracker, err = newProgressTracker(g.progressDir)
		if err != nil {
			return stats, fmt.Errorf("creating progress tracker: %w", err)
		}
		defer tracker.Close()

		if tracker.IsCompleted(runKey) {
			g.log.Info("already completed", "run", runKey)
			return stats, nil
		}
		// A different finished run leaves stale done marks behind.
		if last := tracker.LastCompleted(); last != "" && last != runKey {
			if err := tracker.Reset(); err != nil {
				return stats, fmt.Errorf("resetting tracker: %w", err)
			}
		}
	}

	// 3. Skip symbols an interrupted run already fetched.
	var remaining []string
	for _, sym := range g.cfg.Symbols {
		if tracker != nil && tracker.IsDone(sym) {
			stats.Skipped++
			continue
		}
		remaining = append(remaining, sym)
	}
	stats.Symbols = len(remaining)

	var batches [][]string
	for i := 0; i < len(remaining); i += g.cfg.BatchSize {
		batches = append(batches, remaining[i:min(i+g.cfg.BatchSize, len(remaining))])
	}

	g.log.Info("starting gather",
		"run", runKey,
		"symbols", len(g.cfg.Symbols),
		"remaining", len(remaining),
		"batches", len(batches),
		"feed", g.cfg.Feed,
	)

	// 4. Fan batches out to workers.
	var (
		hits, empty, bars, failed atomic.Int64
		runStart                  = time.Now()
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.MaxWorkers)
	for i, batch := range batches {
		eg.Go(func() error {
			if err := g.limiter.Wait(gctx); err != nil {
				return err
			}
			var fetched []domain.Bar
			err := util.Retry(gctx, 3, g.retryDelay, func() error {
				var err error
				fetched, err = g.fetchMultiBars(batch, tf, endExclusive)
				return err
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				g.log.Error("batch fetch failed",
					"batch", fmt.Sprintf("%d/%d", i+1, len(batches)), "err", err)
				return nil
			}

			if len(fetched) > 0 {
				if err := g.store.WriteBars(gctx, domain.MarketUS, g.cfg.Timeframe, fetched); err != nil {
					failed.Add(1)
					g.log.Error("writing bars failed", "err", err)
					return nil
				}
			}
			if tracker != nil {
				if err := tracker.MarkDone(batch); err != nil {
					g.log.Error("marking done failed", "err", err)
				}
			}

			hit := make(map[string]struct{})
			for _, b := range fetched {
				hit[b.Symbol] = struct{}{}
			}
			hits.Add(int64(len(hit)))
			empty.Add(int64(len(batch) - len(hit)))
			bars.Add(int64(len(fetched)))

			g.log.Info("batch done",
				"batch", fmt.Sprintf("%d/%d", i+1, len(batches)),
				"hits", len(hit),
				"bars", len(fetched),
				"elapsed", time.Since(runStart).Round(time.Second),
			)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return stats, err
	}

	stats.Hits, stats.Empty, stats.Bars, stats.Failed = hits.Load(), empty.Load(), bars.Load(), failed.Load()
	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d of %d batches failed; rerun to resume", stats.Failed, len(batches))
	}

	// 5. Mark completed.
	if tracker != nil {
		if err := tracker.MarkCompleted(runKey); err != nil {
			return stats, fmt.Errorf("marking completed: %w", err)
		}
	}

	g.log.Info("complete",
		"hits", stats.Hits,
		"empty", stats.Empty,
		"bars", stats.Bars,
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return stats, nil
}

// fetchMultiBars fetches bars for multiple symbols in a single API call.
func (g *BarGatherer) fetchMultiBars(symbols []string, tf marketdata.TimeFrame, end time.Time) ([]domain.Bar, error) {
	multiBars, err := g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Adjustment: marketdata.All,
		Start:      g.cfg.Start,
		End:        end,
		Feed:       g.cfg.Feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			if !ab.Timestamp.Before(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}

// alpacaTimeFrame maps a bar timeframe to the market-data API's.
func alpacaTimeFrame(tf domain.Timeframe) (marketdata.TimeFrame, error) {
	switch tf {
	case domain.Minute1:
		return marketdata.NewTimeFrame(1, marketdata.Min), nil
	case domain.Minute5:
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case domain.Minute15:
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case domain.Minute30:
		return marketdata.NewTimeFrame(30, marketdata.Min), nil
	case domain.Hour1:
		return marketdata.NewTimeFrame(1, marketdata.Hour), nil
	case domain.Hour4:
		return marketdata.NewTimeFrame(4, marketdata.Hour), nil
	case domain.Day1:
		return marketdata.OneDay, nil
	case domain.Week1:
		return marketdata.NewTimeFrame(1, marketdata.Week), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("timeframe %q not supported by Alpaca", tf)
}
