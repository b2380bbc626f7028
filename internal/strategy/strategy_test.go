package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"testing"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/engine"
	"kestrel/internal/feed"
	"kestrel/internal/indicator"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

// memStore is an in-memory BarStore.
type memStore struct {
	bars map[string][]domain.Bar
}

func (m *memStore) WriteBars(_ context.Context, _ domain.Market, _ domain.Timeframe, bars []domain.Bar) error {
	for _, b := range bars {
		m.bars[b.Symbol] = append(m.bars[b.Symbol], b)
	}
	return nil
}

func (m *memStore) ReadBars(_ context.Context, _ domain.Market, _ domain.Timeframe, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range m.bars[symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) ListSymbols(_ context.Context, _ domain.Market, _ domain.Timeframe) ([]string, error) {
	var out []string
	for s := range m.bars {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func series(sym string, prices ...float64) []domain.Bar {
	out := make([]domain.Bar, len(prices))
	for i, p := range prices {
		out[i] = domain.Bar{
			Symbol:    sym,
			Timestamp: t0.AddDate(0, 0, i),
			Open:      p, High: p, Low: p, Close: p,
			Volume: 1000,
		}
	}
	return out
}

func newStore(bars ...[]domain.Bar) *memStore {
	m := &memStore{bars: make(map[string][]domain.Bar)}
	for _, s := range bars {
		m.WriteBars(context.Background(), domain.MarketUS, domain.Day1, s)
	}
	return m
}

// scripted buys size units of every symbol at bar "enter" and exits at bar
// "exit".
type scripted struct {
	enter, exit int
	size        float64
	sawSMA      bool
}

func newScripted(m map[string]string) (Strategy, error) {
	s := &scripted{enter: 0, exit: 2, size: 10}
	if v, ok := m["exit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		s.exit = n
	}
	if v, ok := m["size"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		s.size = f
	}
	return s, nil
}

func (s *scripted) Name() string                 { return "scripted" }
func (s *scripted) Init(_ context.Context) error { return nil }

func (s *scripted) Indicators() []indicator.Spec {
	return []indicator.Spec{{Name: "sma2", New: func() indicator.Indicator { return indicator.NewSMA(2) }}}
}

func (s *scripted) OnBar(_ context.Context, v *View) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, sym := range v.Symbols() {
		if _, ok := v.Indicator(sym, "sma2"); ok {
			s.sawSMA = true
		}
		switch v.Index() {
		case s.enter:
			out = append(out, v.Entry(sym, domain.SideBuy, s.size))
		case s.exit:
			if sig, ok := v.Exit(sym); ok {
				out = append(out, sig)
			}
		}
	}
	return out, nil
}

// naughty exits without a position on every bar.
type naughty struct{}

func (naughty) Name() string                 { return "naughty" }
func (naughty) Init(_ context.Context) error { return nil }
func (naughty) OnBar(_ context.Context, v *View) ([]domain.Signal, error) {
	sig := v.Entry("AAPL", domain.SideSell, 1)
	sig.Action = domain.ActionExit
	return []domain.Signal{sig}, nil
}

func newTestBacktester(s *memStore) *Backtester {
	r := NewRegistry()
	r.Register("scripted", newScripted)
	r.Register("naughty", func(map[string]string) (Strategy, error) { return naughty{}, nil })
	r.Register("broken", func(map[string]string) (Strategy, error) { return nil, fmt.Errorf("bad params") })
	return NewBacktester(s, r, Options{
		Engine:    engine.Config{InitialCapital: 10000, FillDelay: 1},
		Liquidate: true,
	})
}

func request(strategy string, params map[string]string) Request {
	return Request{
		Strategy:  strategy,
		Params:    params,
		Market:    domain.MarketUS,
		Timeframe: domain.Day1,
		Start:     t0,
		End:       t0.AddDate(0, 0, 30),
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", newScripted)
	r.Register("alpha", newScripted)

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List = %v, want [alpha beta]", names)
	}
	if _, ok := r.Get("alpha"); !ok {
		t.Error("Get(alpha) = false, want true")
	}
	if _, err := r.New("nonexistent", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("New(nonexistent) error = %v, want ErrNotFound", err)
	}
	if _, err := r.New("alpha", map[string]string{"exit": "x"}); err == nil {
		t.Error("New with bad params succeeded, want error")
	}

	a, _ := r.New("alpha", nil)
	b, _ := r.New("alpha", nil)
	if a == b {
		t.Error("New returned a shared instance, want a fresh one per call")
	}
}

func TestViewHistoryAndSignals(t *testing.T) {
	bars := series("AAPL", 100, 101, 102)
	v := &View{
		prefix:    "run",
		index:     2,
		ts:        bars[2].Timestamp,
		bars:      map[string]BarView{"AAPL": {Bar: bars[2]}},
		history:   map[string][]domain.Bar{"AAPL": bars},
		positions: fixedPositions{"AAPL": -5},
	}

	h := v.History("AAPL", 2)
	if len(h) != 2 || h[1].Close != 102 {
		t.Errorf("History(2) = %+v, want the last two bars", h)
	}
	if got := len(v.History("AAPL", 0)); got != 3 {
		t.Errorf("len(History(0)) = %d, want 3", got)
	}

	e := v.Entry("AAPL", domain.SideBuy, 3)
	x, ok := v.Exit("AAPL")
	if !ok {
		t.Fatal("Exit on short position returned false")
	}
	if e.ID == x.ID {
		t.Errorf("signal ids collide: %s", e.ID)
	}
	if x.Side != domain.SideBuy || x.Size != 5 || x.Action != domain.ActionExit {
		t.Errorf("Exit = %+v, want buy 5 exit", x)
	}
	if !e.Timestamp.Equal(bars[2].Timestamp) {
		t.Errorf("Entry timestamp = %v, want %v", e.Timestamp, bars[2].Timestamp)
	}
	if _, ok := v.Exit("MSFT"); ok {
		t.Error("Exit on flat position returned true")
	}
}

type fixedPositions map[string]float64

func (p fixedPositions) QueryPosition(sym string) domain.Position {
	return domain.Position{Symbol: sym, Qty: p[sym]}
}

func TestBacktesterRun(t *testing.T) {
	bt := newTestBacktester(newStore(series("AAPL", 100, 101, 102, 103, 104)))
	res, err := bt.Run(context.Background(), request("scripted", nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RunID == "" {
		t.Error("RunID is empty, want a generated id")
	}
	if len(res.Symbols) != 1 || res.Symbols[0] != "AAPL" {
		t.Errorf("Symbols = %v, want [AAPL]", res.Symbols)
	}
	if len(res.Equity) != 5 {
		t.Errorf("len(Equity) = %d, want 5", len(res.Equity))
	}
	// Entry fills at bar 1 open (101), exit at bar 3 open (103).
	if len(res.Trades) != 1 {
		t.Fatalf("len(Trades) = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.EntryPrice != 101 || tr.ExitPrice != 103 || tr.GrossPnL != 20 {
		t.Errorf("trade = %+v, want 101 -> 103 gross 20", tr)
	}
	if res.Metrics.FinalEquity != 10020 {
		t.Errorf("FinalEquity = %v, want 10020", res.Metrics.FinalEquity)
	}
	if res.Metrics.BarsPerYear != 252 {
		t.Errorf("BarsPerYear = %v, want 252", res.Metrics.BarsPerYear)
	}

	rec := res.Record()
	if rec.ID != res.RunID || len(rec.Trades) != 1 || len(rec.Orders) != 2 {
		t.Errorf("Record = %+v, want run id, 1 trade and 2 orders", rec)
	}
}

func TestBacktesterLiquidatesAtEnd(t *testing.T) {
	bt := newTestBacktester(newStore(series("AAPL", 100, 101, 102, 103)))
	res, err := bt.Run(context.Background(), request("scripted", map[string]string{"exit": "99"}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].ExitReason != domain.ExitLiquidation {
		t.Fatalf("trades = %+v, want one liquidation", res.Trades)
	}
	if res.Trades[0].ExitPrice != 103 {
		t.Errorf("ExitPrice = %v, want 103", res.Trades[0].ExitPrice)
	}
}

func TestBacktesterRecordsRejections(t *testing.T) {
	bt := newTestBacktester(newStore(series("AAPL", 100, 101, 102)))
	res, err := bt.Run(context.Background(), request("naughty", nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Rejections) != 3 {
		t.Fatalf("len(Rejections) = %d, want 3", len(res.Rejections))
	}
	if res.Rejections[0].Reason != domain.RejectExitWithoutPosition {
		t.Errorf("Reason = %s, want %s", res.Rejections[0].Reason, domain.RejectExitWithoutPosition)
	}
	if res.Metrics.FinalEquity != 10000 {
		t.Errorf("FinalEquity = %v, want 10000", res.Metrics.FinalEquity)
	}
}

func TestBacktesterIndicators(t *testing.T) {
	bt := newTestBacktester(nil)
	f, err := feed.New(domain.Day1, series("AAPL", 100, 101, 102))
	if err != nil {
		t.Fatalf("feed.New: %v", err)
	}
	s := &scripted{exit: 2, size: 1}
	if _, err := bt.RunStrategy(context.Background(), Request{}, s, f); err != nil {
		t.Fatalf("RunStrategy: %v", err)
	}
	if !s.sawSMA {
		t.Error("strategy never saw a warmed-up sma2 value")
	}
}

func TestBacktesterErrors(t *testing.T) {
	ctx := context.Background()
	bt := newTestBacktester(newStore(series("AAPL", 100, 101)))

	if _, err := bt.Run(ctx, request("missing", nil)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown strategy error = %v, want ErrNotFound", err)
	}
	if _, err := bt.Run(ctx, request("broken", nil)); err == nil {
		t.Error("broken factory succeeded, want error")
	}

	req := request("scripted", nil)
	req.Symbols = []string{"NONE"}
	if _, err := bt.Run(ctx, req); !errors.Is(err, domain.ErrFeed) {
		t.Errorf("empty feed error = %v, want ErrFeed", err)
	}

	empty := newTestBacktester(newStore())
	if _, err := empty.Run(ctx, request("scripted", nil)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("no symbols error = %v, want ErrNotFound", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := bt.Run(cancelled, request("scripted", nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled run error = %v, want context.Canceled", err)
	}
}

func TestRunManyPreservesOrder(t *testing.T) {
	bt := newTestBacktester(newStore(series("AAPL", 100, 101, 102, 103, 104, 105)))
	var reqs []Request
	for _, size := range []string{"1", "2", "3", "4", "5"} {
		reqs = append(reqs, request("scripted", map[string]string{"size": size}))
	}

	results, err := bt.RunMany(context.Background(), reqs)
	if err != nil {
		t.Fatalf("RunMany: %v", err)
	}
	if len(results) != len(reqs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(reqs))
	}
	for i, res := range results {
		want := float64(i + 1)
		if len(res.Trades) != 1 || res.Trades[0].Size != want {
			t.Errorf("result %d trades = %+v, want size %v", i, res.Trades, want)
		}
	}

	reqs = append(reqs, request("missing", nil))
	if _, err := bt.RunMany(context.Background(), reqs); err == nil {
		t.Error("RunMany with unknown strategy succeeded, want error")
	}
}

func TestRunFeedDeterministic(t *testing.T) {
	bt := newTestBacktester(nil)
	f, err := feed.New(domain.Day1, append(series("AAPL", 100, 102, 101, 104, 103), series("MSFT", 50, 51, 49, 52, 53)...))
	if err != nil {
		t.Fatalf("feed.New: %v", err)
	}
	req := request("scripted", nil)
	req.RunID = "fixed"

	results, err := bt.RunManyFeed(context.Background(), []Request{req, req}, f)
	if err != nil {
		t.Fatalf("RunManyFeed: %v", err)
	}
	a, b := results[0], results[1]
	if len(a.Trades) != len(b.Trades) || len(a.Trades) != 2 {
		t.Fatalf("trade counts = %d/%d, want 2/2", len(a.Trades), len(b.Trades))
	}
	for i := range a.Trades {
		if a.Trades[i] != b.Trades[i] {
			t.Errorf("trade %d differs: %+v vs %+v", i, a.Trades[i], b.Trades[i])
		}
	}
	if a.Metrics != b.Metrics {
		t.Errorf("metrics differ: %+v vs %+v", a.Metrics, b.Metrics)
	}
}
