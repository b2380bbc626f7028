package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"kestrel/internal/domain"
)

// Compile-time interface checks.
var _ BarStore = (*ParquetStore)(nil)
var _ TradeLogStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore and TradeLogStore using Parquet files on
// disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeLogRecord is the Parquet schema for a run's closed trades.
type TradeLogRecord struct {
	ID           string  `parquet:"id"`
	Symbol       string  `parquet:"symbol"`
	Side         string  `parquet:"side"`
	Size         float64 `parquet:"size"`
	EntryTime    int64   `parquet:"entry_time,timestamp(millisecond)"`
	EntryPrice   float64 `parquet:"entry_price"`
	ExitTime     int64   `parquet:"exit_time,timestamp(millisecond)"`
	ExitPrice    float64 `parquet:"exit_price"`
	GrossPnL     float64 `parquet:"gross_pnl"`
	Commission   float64 `parquet:"commission"`
	Slippage     float64 `parquet:"slippage"`
	NetPnL       float64 `parquet:"net_pnl"`
	ReturnPct    float64 `parquet:"return_pct"`
	ExitReason   string  `parquet:"exit_reason"`
	EntryOrderID string  `parquet:"entry_order_id"`
	ExitOrderID  string  `parquet:"exit_order_id"`
}

// EquityRecord is the Parquet schema for a run's equity curve.
type EquityRecord struct {
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
	Cash          float64 `parquet:"cash"`
	Equity        float64 `parquet:"equity"`
	RealizedPnL   float64 `parquet:"realized_pnl"`
	UnrealizedPnL float64 `parquet:"unrealized_pnl"`
	Commission    float64 `parquet:"commission"`
	Slippage      float64 `parquet:"slippage"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by symbol and year.
// Each symbol+year combination produces a separate file at:
//
//	<DataDir>/<market>/<timeframe>/<SYMBOL>/<YYYY>.parquet
//
// Existing files are merged, with incoming bars winning on equal timestamps.
func (s *ParquetStore) WriteBars(_ context.Context, market domain.Market, tf domain.Timeframe, bars []domain.Bar) error {
	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), year: b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		path := s.barPath(market, tf, k.symbol, k.year)

		// Read existing records to merge.
		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars reads bar data from Parquet files for the given symbol and time
// range. Missing year files are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, market domain.Market, tf domain.Timeframe, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		path := s.barPath(market, tf, symbol, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data in the given market and
// timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market, tf domain.Timeframe) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(market), timeframeDir(tf))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// TradeLogStore implementation
// ---------------------------------------------------------------------------

// WriteTradeLog writes a run's trades to <DataDir>/runs/<runID>/trades.parquet.
func (s *ParquetStore) WriteTradeLog(_ context.Context, runID string, trades []domain.Trade) error {
	records := make([]TradeLogRecord, len(trades))
	for i, t := range trades {
		records[i] = TradeLogRecord{
			ID:           t.ID,
			Symbol:       t.Symbol,
			Side:         string(t.Side),
			Size:         t.Size,
			EntryTime:    t.EntryTime.UnixMilli(),
			EntryPrice:   t.EntryPrice,
			ExitTime:     t.ExitTime.UnixMilli(),
			ExitPrice:    t.ExitPrice,
			GrossPnL:     t.GrossPnL,
			Commission:   t.Commission,
			Slippage:     t.Slippage,
			NetPnL:       t.NetPnL,
			ReturnPct:    t.ReturnPct,
			ExitReason:   string(t.ExitReason),
			EntryOrderID: t.EntryOrderID,
			ExitOrderID:  t.ExitOrderID,
		}
	}
	if err := writeParquetFile(s.runPath(runID, "trades.parquet"), records); err != nil {
		return fmt.Errorf("writing trade log for run %s: %w", runID, err)
	}
	return nil
}

// ReadTradeLog reads a run's trades.
func (s *ParquetStore) ReadTradeLog(_ context.Context, runID string) ([]domain.Trade, error) {
	records, err := readParquetFile[TradeLogRecord](s.runPath(runID, "trades.parquet"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("trade log for run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, err
	}
	trades := make([]domain.Trade, len(records))
	for i, r := range records {
		trades[i] = domain.Trade{
			ID:           r.ID,
			Symbol:       r.Symbol,
			Side:         domain.Side(r.Side),
			Size:         r.Size,
			EntryTime:    time.UnixMilli(r.EntryTime).UTC(),
			EntryPrice:   r.EntryPrice,
			ExitTime:     time.UnixMilli(r.ExitTime).UTC(),
			ExitPrice:    r.ExitPrice,
			GrossPnL:     r.GrossPnL,
			Commission:   r.Commission,
			Slippage:     r.Slippage,
			NetPnL:       r.NetPnL,
			ReturnPct:    r.ReturnPct,
			ExitReason:   domain.ExitReason(r.ExitReason),
			EntryOrderID: r.EntryOrderID,
			ExitOrderID:  r.ExitOrderID,
		}
	}
	return trades, nil
}

// WriteEquity writes a run's equity curve to <DataDir>/runs/<runID>/equity.parquet.
func (s *ParquetStore) WriteEquity(_ context.Context, runID string, curve []domain.EquityPoint) error {
	records := make([]EquityRecord, len(curve))
	for i, p := range curve {
		records[i] = EquityRecord{
			Timestamp:     p.Timestamp.UnixMilli(),
			Cash:          p.Cash,
			Equity:        p.Equity,
			RealizedPnL:   p.RealizedPnL,
			UnrealizedPnL: p.UnrealizedPnL,
			Commission:    p.Commission,
			Slippage:      p.Slippage,
		}
	}
	if err := writeParquetFile(s.runPath(runID, "equity.parquet"), records); err != nil {
		return fmt.Errorf("writing equity for run %s: %w", runID, err)
	}
	return nil
}

// ReadEquity reads a run's equity curve.
func (s *ParquetStore) ReadEquity(_ context.Context, runID string) ([]domain.EquityPoint, error) {
	records, err := readParquetFile[EquityRecord](s.runPath(runID, "equity.parquet"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("equity for run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, err
	}
	curve := make([]domain.EquityPoint, len(records))
	for i, r := range records {
		curve[i] = domain.EquityPoint{
			Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
			Cash:          r.Cash,
			Equity:        r.Equity,
			RealizedPnL:   r.RealizedPnL,
			UnrealizedPnL: r.UnrealizedPnL,
			Commission:    r.Commission,
			Slippage:      r.Slippage,
		}
	}
	return curve, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// timeframeDir maps a timeframe to its directory name. Daily bars keep the
// historical "daily" directory.
func timeframeDir(tf domain.Timeframe) string {
	if tf == domain.Day1 {
		return "daily"
	}
	return string(tf)
}

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/<market>/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) barPath(market domain.Market, tf domain.Timeframe, symbol string, year int) string {
	return filepath.Join(s.DataDir, string(market), timeframeDir(tf), strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// runPath returns the path of a per-run artifact.
// Layout: <dataDir>/runs/<runID>/<name>
func (s *ParquetStore) runPath(runID, name string) string {
	return filepath.Join(s.DataDir, "runs", runID, name)
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates bar records by timestamp, preferring new
// records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
