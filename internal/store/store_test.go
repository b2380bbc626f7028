package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/metrics"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath(domain.MarketUS, domain.Day1, "aapl", 2024)
	want := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if bp != want {
		t.Errorf("barPath = %s, want %s", bp, want)
	}

	bp = ps.barPath(domain.MarketFX, domain.Hour1, "EURUSD", 2023)
	want = filepath.Join("/data", "fx", "1h", "EURUSD", "2023.parquet")
	if bp != want {
		t.Errorf("barPath = %s, want %s", bp, want)
	}

	rp := ps.runPath("r1", "trades.parquet")
	want = filepath.Join("/data", "runs", "r1", "trades.parquet")
	if rp != want {
		t.Errorf("runPath = %s, want %s", rp, want)
	}
}

func dayBar(sym string, day int, close float64) domain.Bar {
	return domain.Bar{
		Symbol:     sym,
		Timestamp:  time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Open:       close - 0.5,
		High:       close + 1,
		Low:        close - 1,
		Close:      close,
		Volume:     1000,
		TradeCount: 10,
		VWAP:       close,
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{dayBar("AAPL", 2, 185.5), dayBar("AAPL", 3, 186), dayBar("AAPL", 4, 187)}
	if err := ps.WriteBars(ctx, domain.MarketUS, domain.Day1, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, domain.MarketUS, domain.Day1, "AAPL",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(bars) = %d, want 3", len(got))
	}
	for i := range bars {
		if got[i] != bars[i] {
			t.Errorf("bar[%d] = %+v, want %+v", i, got[i], bars[i])
		}
	}

	// Range filter.
	got, err = ps.ReadBars(ctx, domain.MarketUS, domain.Day1, "AAPL",
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 1 || got[0].Close != 186 {
		t.Errorf("filtered bars = %+v, want the 01-03 bar only", got)
	}
}

func TestParquetStoreMergesOnWrite(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	if err := ps.WriteBars(ctx, domain.MarketUS, domain.Day1, []domain.Bar{dayBar("MSFT", 2, 100), dayBar("MSFT", 3, 101)}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, domain.Day1, []domain.Bar{dayBar("MSFT", 3, 105), dayBar("MSFT", 4, 106)}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, domain.MarketUS, domain.Day1, "MSFT",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	wantCloses := []float64{100, 105, 106}
	if len(got) != len(wantCloses) {
		t.Fatalf("len(bars) = %d, want %d", len(got), len(wantCloses))
	}
	for i, c := range wantCloses {
		if got[i].Close != c {
			t.Errorf("bar[%d].Close = %v, want %v", i, got[i].Close, c)
		}
	}
}

func TestParquetStoreMissingData(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars, err := ps.ReadBars(ctx, domain.MarketUS, domain.Day1, "NONE",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("len(bars) = %d, want 0", len(bars))
	}

	syms, err := ps.ListSymbols(ctx, domain.MarketUS, domain.Day1)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(syms) != 0 {
		t.Errorf("ListSymbols = %v, want empty", syms)
	}

	if _, err := ps.ReadTradeLog(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ReadTradeLog error = %v, want ErrNotFound", err)
	}
	if _, err := ps.ReadEquity(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ReadEquity error = %v, want ErrNotFound", err)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := []domain.Bar{dayBar("MSFT", 2, 100), dayBar("AAPL", 2, 185), dayBar("GOOG", 2, 140)}
	if err := ps.WriteBars(ctx, domain.MarketUS, domain.Day1, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	syms, err := ps.ListSymbols(ctx, domain.MarketUS, domain.Day1)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	want := []string{"AAPL", "GOOG", "MSFT"}
	if len(syms) != len(want) {
		t.Fatalf("ListSymbols = %v, want %v", syms, want)
	}
	for i := range want {
		if syms[i] != want[i] {
			t.Errorf("ListSymbols[%d] = %s, want %s", i, syms[i], want[i])
		}
	}
}

func sampleRun(id string, created time.Time) *RunRecord {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t1 := t0.AddDate(0, 0, 1)
	return &RunRecord{
		ID:             id,
		Strategy:       "sma_cross",
		Params:         map[string]string{"short": "5", "long": "20"},
		Symbols:        []string{"AAPL", "MSFT"},
		Market:         domain.MarketUS,
		Timeframe:      domain.Day1,
		Start:          t0,
		End:            t1,
		InitialCapital: 10000,
		CreatedAt:      created,
		Metrics:        metrics.Snapshot{TotalTrades: 1, FinalEquity: 10090, Sharpe: 1.5},
		Trades: []domain.Trade{{
			ID: "T000001", Symbol: "AAPL", Side: domain.SideBuy, Size: 10,
			EntryTime: t0, EntryPrice: 100, ExitTime: t1, ExitPrice: 110,
			GrossPnL: 100, Commission: 10, NetPnL: 90, ReturnPct: 9,
			ExitReason: domain.ExitSignal, EntryOrderID: "o1", ExitOrderID: "o2",
		}},
		Equity: []domain.EquityPoint{
			{Timestamp: t0, Cash: 8995, Equity: 9995, Commission: 5},
			{Timestamp: t1, Cash: 10090, Equity: 10090, RealizedPnL: 100, Commission: 10},
		},
		Orders: []domain.Order{{
			ID: "o1", SignalID: "s1", Symbol: "AAPL", Side: domain.SideBuy, Action: domain.ActionEntry,
			Type: domain.OrderTypeMarket, Qty: 10, Status: domain.OrderStatusFilled,
			SubmittedAt: t0, FillPrice: 100, FillTimestamp: t0, FilledQty: 10, Commission: 5,
		}},
		Rejections: []domain.Rejection{{
			SignalID: "s9", Symbol: "TSLA", Timestamp: t1,
			Reason: domain.RejectUnknownSymbol, Detail: "no bars",
		}},
	}
}

func TestParquetStoreTradeLogRoundTrip(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	run := sampleRun("r1", time.Time{})

	if err := ps.WriteTradeLog(ctx, run.ID, run.Trades); err != nil {
		t.Fatalf("WriteTradeLog: %v", err)
	}
	if err := ps.WriteEquity(ctx, run.ID, run.Equity); err != nil {
		t.Fatalf("WriteEquity: %v", err)
	}

	trades, err := ps.ReadTradeLog(ctx, run.ID)
	if err != nil {
		t.Fatalf("ReadTradeLog: %v", err)
	}
	if len(trades) != 1 || trades[0] != run.Trades[0] {
		t.Errorf("trades = %+v, want %+v", trades, run.Trades)
	}

	curve, err := ps.ReadEquity(ctx, run.ID)
	if err != nil {
		t.Fatalf("ReadEquity: %v", err)
	}
	if len(curve) != 2 || curve[1] != run.Equity[1] {
		t.Errorf("equity = %+v, want %+v", curve, run.Equity)
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreSaveGetRun(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := sampleRun("run-1", time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC))

	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Strategy != "sma_cross" || got.Params["long"] != "20" {
		t.Errorf("run = %+v, want strategy sma_cross with long=20", got)
	}
	if len(got.Symbols) != 2 || got.Symbols[1] != "MSFT" {
		t.Errorf("Symbols = %v, want [AAPL MSFT]", got.Symbols)
	}
	if !got.Start.Equal(run.Start) || !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("times = %v/%v, want %v/%v", got.Start, got.CreatedAt, run.Start, run.CreatedAt)
	}
	if got.Metrics.FinalEquity != 10090 || got.Metrics.Sharpe != 1.5 {
		t.Errorf("Metrics = %+v, want FinalEquity 10090 Sharpe 1.5", got.Metrics)
	}
	if len(got.Trades) != 1 || got.Trades[0] != run.Trades[0] {
		t.Errorf("Trades = %+v, want %+v", got.Trades, run.Trades)
	}
	if len(got.Equity) != 2 || got.Equity[0] != run.Equity[0] {
		t.Errorf("Equity = %+v, want %+v", got.Equity, run.Equity)
	}
	if len(got.Orders) != 1 || got.Orders[0] != run.Orders[0] {
		t.Errorf("Orders = %+v, want %+v", got.Orders, run.Orders)
	}
	if len(got.Rejections) != 1 || got.Rejections[0] != run.Rejections[0] {
		t.Errorf("Rejections = %+v, want %+v", got.Rejections, run.Rejections)
	}
}

func TestSQLiteStoreReplaceRun(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	run := sampleRun("run-1", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run.Trades = nil
	run.Metrics.FinalEquity = 0
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun (replace): %v", err)
	}

	trades, err := s.LoadTrades(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("len(trades) = %d, want 0 after replace", len(trades))
	}
	runs, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("len(runs) = %d, want 1", len(runs))
	}
}

func TestSQLiteStoreListRuns(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		r := sampleRun(id, base.Add(time.Duration(i)*time.Hour))
		if id == "b" {
			r.Strategy = "breakout"
		}
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun(%s): %v", id, err)
		}
	}

	all, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("ListRuns order = %v, want newest first", runIDs(all))
	}
	if all[0].Trades != nil {
		t.Errorf("ListRuns returned series, want summaries only")
	}

	sma, err := s.ListRuns(ctx, "sma_cross", 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(sma) != 1 || sma[0].ID != "c" {
		t.Errorf("ListRuns(sma_cross, 1) = %v, want [c]", runIDs(sma))
	}
}

func runIDs(runs []RunRecord) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestSQLiteStoreNotFound(t *testing.T) {
	s := newTestSQLite(t)
	if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.SaveRun(context.Background(), sampleRun("keep", time.Time{})); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetRun(context.Background(), "keep")
	if err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
	if got.CreatedAt.IsZero() {
		t.Errorf("CreatedAt is zero, want the save time")
	}
}
