// Package store defines storage interfaces for persisting and retrieving
// bars, run trade logs and backtest results.
package store

import (
	"context"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/metrics"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage, replacing bars with the
	// same symbol and timestamp.
	WriteBars(ctx context.Context, market domain.Market, tf domain.Timeframe, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end], oldest
	// first.
	ReadBars(ctx context.Context, market domain.Market, tf domain.Timeframe, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market
	// and timeframe.
	ListSymbols(ctx context.Context, market domain.Market, tf domain.Timeframe) ([]string, error)
}

// TradeLogStore persists the closed trade log and equity curve of a run as
// columnar files.
type TradeLogStore interface {
	WriteTradeLog(ctx context.Context, runID string, trades []domain.Trade) error
	ReadTradeLog(ctx context.Context, runID string) ([]domain.Trade, error)
	WriteEquity(ctx context.Context, runID string, curve []domain.EquityPoint) error
	ReadEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error)
}

// RunStore persists backtest results.
type RunStore interface {
	// SaveRun inserts or replaces a run and all of its series.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a run with its series by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns run summaries (no series), newest first, optionally
	// filtered by strategy. limit <= 0 means no limit.
	ListRuns(ctx context.Context, strategy string, limit int) ([]RunRecord, error)

	// LoadTrades returns a run's trade log in order.
	LoadTrades(ctx context.Context, runID string) ([]domain.Trade, error)

	// LoadEquity returns a run's equity curve in order.
	LoadEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error)
}

// RunRecord is the persisted form of one backtest.
type RunRecord struct {
	ID             string
	Strategy       string
	Params         map[string]string
	Symbols        []string
	Market         domain.Market
	Timeframe      domain.Timeframe
	Start          time.Time
	End            time.Time
	InitialCapital float64
	CreatedAt      time.Time
	Metrics        metrics.Snapshot

	Trades     []domain.Trade
	Equity     []domain.EquityPoint
	Orders     []domain.Order
	Rejections []domain.Rejection
}
