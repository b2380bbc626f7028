package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kestrel/internal/domain"
	"kestrel/internal/engine"
	"kestrel/internal/feed"
	"kestrel/internal/indicator"
	"kestrel/internal/ledger"
	"kestrel/internal/metrics"
	"kestrel/internal/store"
	"kestrel/internal/util"
)

// Request describes one backtest.
type Request struct {
	RunID     string // generated when empty
	Strategy  string
	Params    map[string]string
	Symbols   []string // every stored symbol when empty
	Market    domain.Market
	Timeframe domain.Timeframe
	Start     time.Time
	End       time.Time
}

// Result holds everything a finished backtest produced.
type Result struct {
	RunID          string
	Strategy       string
	Params         map[string]string
	Symbols        []string
	Market         domain.Market
	Timeframe      domain.Timeframe
	Start          time.Time
	End            time.Time
	InitialCapital float64

	Trades     []domain.Trade
	Equity     []domain.EquityPoint
	Orders     []domain.Order
	Rejections []domain.Rejection
	Metrics    metrics.Snapshot
}

// Record converts r to its persisted form.
func (r *Result) Record() store.RunRecord {
	return store.RunRecord{
		ID:             r.RunID,
		Strategy:       r.Strategy,
		Params:         r.Params,
		Symbols:        r.Symbols,
		Market:         r.Market,
		Timeframe:      r.Timeframe,
		Start:          r.Start,
		End:            r.End,
		InitialCapital: r.InitialCapital,
		CreatedAt:      time.Now().UTC(),
		Metrics:        r.Metrics,
		Trades:         r.Trades,
		Equity:         r.Equity,
		Orders:         r.Orders,
		Rejections:     r.Rejections,
	}
}

// Options configure every run of a Backtester.
type Options struct {
	Engine    engine.Config
	Liquidate bool // close open positions at the last close
	Metrics   metrics.Options
	// MaxWorkers bounds RunMany concurrency; <= 0 means 4.
	MaxWorkers int
	Logger     *slog.Logger
}

// Backtester replays historical bar data through a strategy and computes
// performance metrics. It holds no per-run state, so one Backtester may run
// any number of backtests concurrently.
type Backtester struct {
	store    store.BarStore
	registry *Registry
	opts     Options
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry.
func NewBacktester(barStore store.BarStore, registry *Registry, opts Options) *Backtester {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{
		store:    barStore,
		registry: registry,
		opts:     opts,
		log:      log.With("component", "backtester"),
	}
}

// Run loads the requested bars from the store and backtests over them.
func (bt *Backtester) Run(ctx context.Context, req Request) (*Result, error) {
	f, err := bt.loadFeed(ctx, &req)
	if err != nil {
		return nil, err
	}
	return bt.RunFeed(ctx, req, f)
}

func (bt *Backtester) loadFeed(ctx context.Context, req *Request) (*feed.Feed, error) {
	if bt.store == nil {
		return nil, fmt.Errorf("backtest: no bar store configured")
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	if req.End.Before(req.Start) {
		return nil, fmt.Errorf("backtest: end %s before start %s",
			req.End.Format(time.DateOnly), req.Start.Format(time.DateOnly))
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		var err error
		symbols, err = bt.store.ListSymbols(ctx, req.Market, req.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("listing symbols: %w", err)
		}
		if len(symbols) == 0 {
			return nil, fmt.Errorf("backtest: no symbols stored for %s/%s: %w",
				req.Market, req.Timeframe, domain.ErrNotFound)
		}
		req.Symbols = symbols
	}

	var bars []domain.Bar
	for _, sym := range symbols {
		sb, err := bt.store.ReadBars(ctx, req.Market, req.Timeframe, sym, req.Start, req.End)
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s: %w", sym, err)
		}
		if len(sb) == 0 {
			bt.log.Warn("no bars in range", "symbol", sym,
				"start", req.Start.Format(time.DateOnly), "end", req.End.Format(time.DateOnly))
		}
		bars = append(bars, sb...)
	}
	return feed.New(req.Timeframe, bars)
}

// RunFeed backtests a fresh instance of req.Strategy over f. The bars in f
// take precedence over req.Symbols, req.Start and req.End.
func (bt *Backtester) RunFeed(ctx context.Context, req Request, f *feed.Feed) (*Result, error) {
	s, err := bt.registry.New(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}
	return bt.RunStrategy(ctx, req, s, f)
}

// RunStrategy backtests s over f. s must not be shared with another run.
func (bt *Backtester) RunStrategy(ctx context.Context, req Request, s Strategy, f *feed.Feed) (*Result, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Strategy == "" {
		req.Strategy = s.Name()
	}
	if req.Market == "" {
		req.Market = domain.MarketUS
	}
	log := bt.log.With("run", req.RunID, "strategy", req.Strategy)

	cfg := bt.opts.Engine
	cfg.Logger = log
	eng, err := engine.New(f, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, fmt.Errorf("init %s: %w", req.Strategy, err)
	}

	var specs []indicator.Spec
	if ip, ok := s.(IndicatorProvider); ok {
		specs = ip.Indicators()
	}
	sets := make(map[string]*indicator.Set, len(f.Symbols()))
	for _, sym := range f.Symbols() {
		set, err := indicator.NewSet(specs)
		if err != nil {
			return nil, fmt.Errorf("indicators for %s: %w", req.Strategy, err)
		}
		sets[sym] = set
	}
	history := make(map[string][]domain.Bar, len(sets))

	started := time.Now()
	for i := 0; i < f.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest %s cancelled at bar %d: %w", req.RunID, i, err)
		}
		ts := f.Timestamp(i)
		if err := eng.StepTo(ts); err != nil {
			return nil, bt.fatal(log, err)
		}

		raw := f.BarsAt(i)
		bars := make(map[string]BarView, len(raw))
		for sym, b := range raw {
			sets[sym].Add(b)
			history[sym] = append(history[sym], b)
			bars[sym] = BarView{Bar: b, Indicators: sets[sym].Values()}
		}

		v := &View{
			prefix:    req.RunID,
			index:     i,
			ts:        ts,
			bars:      bars,
			history:   history,
			positions: eng,
		}
		signals, err := s.OnBar(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("%s on bar %s: %w", req.Strategy, ts.Format(time.RFC3339), err)
		}
		for _, sig := range signals {
			if _, err := eng.SubmitSignal(sig); err != nil {
				var rej *engine.RejectedError
				if errors.As(err, &rej) {
					continue
				}
				return nil, bt.fatal(log, err)
			}
		}
	}

	if err := eng.Finish(bt.opts.Liquidate); err != nil {
		return nil, bt.fatal(log, err)
	}

	mopts := bt.opts.Metrics
	if !(mopts.BarsPerYear > 0) {
		bpy, err := util.NewTradingCalendar(req.Market).BarsPerYear(f.Timeframe())
		if err != nil {
			log.Warn("bars per year unavailable, using default", "error", err)
		} else {
			mopts.BarsPerYear = bpy
		}
	}

	res := &Result{
		RunID:          req.RunID,
		Strategy:       req.Strategy,
		Params:         req.Params,
		Symbols:        f.Symbols(),
		Market:         req.Market,
		Timeframe:      f.Timeframe(),
		Start:          f.Start(),
		End:            f.End(),
		InitialCapital: eng.InitialCapital(),
		Trades:         eng.Trades(),
		Equity:         eng.Curve(),
		Orders:         eng.Orders(),
		Rejections:     eng.Rejections(),
	}
	res.Metrics = metrics.Calculate(res.Trades, res.Equity, mopts)

	log.Info("backtest finished",
		"bars", f.Len(),
		"trades", len(res.Trades),
		"rejections", len(res.Rejections),
		"final_equity", res.Metrics.FinalEquity,
		"return_pct", res.Metrics.TotalReturnPct,
		"sharpe", res.Metrics.Sharpe,
		"max_drawdown_pct", res.Metrics.MaxDrawdownPct,
		"elapsed", time.Since(started),
	)
	return res, nil
}

func (bt *Backtester) fatal(log *slog.Logger, err error) error {
	var ce *ledger.ConservationError
	if errors.As(err, &ce) {
		log.Error("backtest aborted", "error", err, "dump", ce.Dump.JSON())
	} else {
		log.Error("backtest aborted", "error", err)
	}
	return err
}

// RunMany runs independent backtests concurrently, each with its own engine
// and strategy instance. Results are returned in request order. The first
// failure cancels the remaining runs.
func (bt *Backtester) RunMany(ctx context.Context, reqs []Request) ([]*Result, error) {
	return bt.runAll(ctx, reqs, bt.Run)
}

// RunManyFeed is RunMany over a shared, already-built feed.
func (bt *Backtester) RunManyFeed(ctx context.Context, reqs []Request, f *feed.Feed) ([]*Result, error) {
	return bt.runAll(ctx, reqs, func(ctx context.Context, req Request) (*Result, error) {
		return bt.RunFeed(ctx, req, f)
	})
}

func (bt *Backtester) runAll(ctx context.Context, reqs []Request, run func(context.Context, Request) (*Result, error)) ([]*Result, error) {
	workers := bt.opts.MaxWorkers
	if workers <= 0 {
		workers = 4
	}

	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := run(gctx, req)
			if err != nil {
				return fmt.Errorf("run %d (%s): %w", i, req.Strategy, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
