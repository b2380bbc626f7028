package us

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"kestrel/internal/domain"
	"kestrel/internal/store"
	"kestrel/internal/util"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]bool
	bars  map[string][]marketdata.Bar
	reqs  []marketdata.GetBarsRequest
}

func (f *fakeFetcher) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	f.reqs = append(f.reqs, req)
	out := make(map[string][]marketdata.Bar)
	for _, s := range symbols {
		if f.fail[s] {
			return nil, errors.New("upstream 500")
		}
		if b, ok := f.bars[s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

type fakeCalendar struct {
	days []string
}

func (c fakeCalendar) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	var out []alpaca.CalendarDay
	for _, d := range c.days {
		out = append(out, alpaca.CalendarDay{Date: d})
	}
	return out, nil
}

func dailyBars(days ...string) []marketdata.Bar {
	var out []marketdata.Bar
	for i, d := range days {
		ts, _ := time.Parse(time.DateOnly, d)
		p := 100 + float64(i)
		out = append(out, marketdata.Bar{
			Timestamp: ts.Add(4 * time.Hour), Open: p, High: p + 1, Low: p - 1, Close: p,
			Volume: 1000, TradeCount: 10, VWAP: p,
		})
	}
	return out
}

func testGatherer(t *testing.T, f *fakeFetcher, cfg BarGathererConfig, progressDir string) (*BarGatherer, *store.ParquetStore) {
	t.Helper()
	s := store.NewParquetStore(t.TempDir())
	g := newBarGatherer(f, fakeCalendar{days: []string{"2024-01-02", "2024-01-03"}}, s, progressDir, cfg)
	g.limiter = util.NewRateLimiter(0)
	g.retryDelay = time.Millisecond
	return g, s
}

func date(s string) time.Time {
	t, _ := time.Parse(time.DateOnly, s)
	return t
}

func TestBarGathererName(t *testing.T) {
	g := NewBarGatherer("key", "secret", "", "https://paper-api.alpaca.markets", nil, "", BarGathererConfig{})
	if got := g.Name(); got != "us-bars" {
		t.Errorf("Name() = %q, want %q", got, "us-bars")
	}
}

func TestBarGathererWritesBars(t *testing.T) {
	f := &fakeFetcher{bars: map[string][]marketdata.Bar{
		"AAPL": dailyBars("2024-01-02", "2024-01-03", "2024-01-04"),
		"MSFT": dailyBars("2024-01-02"),
	}}
	g, s := testGatherer(t, f, BarGathererConfig{
		Symbols:   []string{"aapl", "MSFT", "ZZZZ"},
		Timeframe: domain.Day1,
		Start:     date("2024-01-01"),
		End:       date("2024-01-03"),
		BatchSize: 2,
	}, "")

	stats, err := g.Gather(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 2 || stats.Empty != 1 {
		t.Errorf("hits/empty = %d/%d, want 2/1", stats.Hits, stats.Empty)
	}
	// The 2024-01-04 bar lies past the inclusive end date.
	if stats.Bars != 3 {
		t.Errorf("Bars = %d, want 3", stats.Bars)
	}
	if len(f.calls) != 2 {
		t.Errorf("API calls = %d, want 2", len(f.calls))
	}
	for _, req := range f.reqs {
		if req.Feed != marketdata.IEX {
			t.Errorf("Feed = %q, want %q", req.Feed, marketdata.IEX)
		}
		if !req.End.Equal(date("2024-01-04")) {
			t.Errorf("End = %v, want 2024-01-04", req.End)
		}
	}

	got, err := s.ReadBars(context.Background(), domain.MarketUS, domain.Day1, "AAPL", date("2024-01-01"), date("2024-01-10"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("stored AAPL bars = %d, want 2", len(got))
	}
	if got[1].Close != 101 || got[1].Volume != 1000 {
		t.Errorf("AAPL[1] = %+v, want close 101 volume 1000", got[1])
	}
}

func TestBarGathererEndFromCalendar(t *testing.T) {
	f := &fakeFetcher{bars: map[string][]marketdata.Bar{"SPY": dailyBars("2024-01-02")}}
	g, _ := testGatherer(t, f, BarGathererConfig{
		Symbols: []string{"SPY"},
		Start:   date("2024-01-01"),
	}, "")
	g.now = func() time.Time { return time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC) }

	if _, err := g.Gather(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.reqs) != 1 || !f.reqs[0].End.Equal(date("2024-01-04")) {
		t.Errorf("requests = %+v, want one ending 2024-01-04", f.reqs)
	}
}

func TestBarGathererResumes(t *testing.T) {
	progress := t.TempDir()
	f := &fakeFetcher{
		bars: map[string][]marketdata.Bar{
			"AAPL": dailyBars("2024-01-02"),
			"MSFT": dailyBars("2024-01-02"),
		},
		fail: map[string]bool{"MSFT": true},
	}
	cfg := BarGathererConfig{
		Symbols:   []string{"AAPL", "MSFT"},
		Start:     date("2024-01-01"),
		End:       date("2024-01-02"),
		BatchSize: 1,
	}
	g, _ := testGatherer(t, f, cfg, progress)

	stats, err := g.Gather(context.Background())
	if err == nil {
		t.Fatal("Gather() error = nil, want failed batch error")
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}

	f.fail = nil
	f.calls = nil
	g2, _ := testGatherer(t, f, cfg, progress)
	stats, err = g2.Gather(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
	if len(f.calls) != 1 || f.calls[0][0] != "MSFT" {
		t.Errorf("calls = %v, want only MSFT", f.calls)
	}

	// A completed run is not repeated.
	f.calls = nil
	g3, _ := testGatherer(t, f, cfg, progress)
	if _, err := g3.Gather(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Errorf("calls after completion = %v, want none", f.calls)
	}
}

func TestBarGathererErrors(t *testing.T) {
	f := &fakeFetcher{}
	tests := []struct {
		name string
		cfg  BarGathererConfig
	}{
		{"no symbols", BarGathererConfig{Start: date("2024-01-01"), End: date("2024-01-02")}},
		{"start after end", BarGathererConfig{Symbols: []string{"SPY"}, Start: date("2024-02-01"), End: date("2024-01-02")}},
		{"bad timeframe", BarGathererConfig{Symbols: []string{"SPY"}, Timeframe: "3d", Start: date("2024-01-01"), End: date("2024-01-02")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := testGatherer(t, f, tt.cfg, "")
			if _, err := g.Gather(context.Background()); err == nil {
				t.Error("Gather() error = nil, want error")
			}
		})
	}
}

func TestAlpacaTimeFrame(t *testing.T) {
	for _, tf := range []domain.Timeframe{domain.Minute1, domain.Minute5, domain.Minute15, domain.Minute30, domain.Hour1, domain.Hour4, domain.Day1, domain.Week1} {
		if _, err := alpacaTimeFrame(tf); err != nil {
			t.Errorf("alpacaTimeFrame(%s) error = %v", tf, err)
		}
	}
	if got, _ := alpacaTimeFrame(domain.Day1); got != marketdata.OneDay {
		t.Errorf("alpacaTimeFrame(1d) = %v, want OneDay", got)
	}
}
