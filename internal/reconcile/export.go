// Package reconcile serializes filled orders into the fixed row format an
// external execution venue consumes, and compares the venue's executions
// against those rows.
package reconcile

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
)

// Row is one exported fill. Protective prices are absolute; zero means none.
type Row struct {
	ID         string
	Timestamp  time.Time
	Symbol     string
	Side       domain.Side
	Lots       float64
	FillPrice  float64
	StopLoss   float64
	TakeProfit float64
}

// Options control rounding of exported values.
type Options struct {
	PricePrecision int32
	LotSize        float64 // units per lot; 0 or 1 exports raw quantity
	LotPrecision   int32
}

// DefaultOptions rounds prices to 5 decimals and exports quantity as lots of
// one unit with 4 decimals.
func DefaultOptions() Options {
	return Options{PricePrecision: 5, LotSize: 1, LotPrecision: 4}
}

func (o Options) lotSize() float64 {
	if o.LotSize > 0 {
		return o.LotSize
	}
	return 1
}

// BuildRows converts filled orders into rows ordered by fill time, including
// engine-initiated protective and liquidation exits. Orders that are not
// filled are skipped.
func BuildRows(orders []domain.Order, opts Options) []Row {
	filled := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == domain.OrderStatusFilled {
			filled = append(filled, o)
		}
	}
	sort.SliceStable(filled, func(i, j int) bool {
		return filled[i].FillTimestamp.Before(filled[j].FillTimestamp)
	})

	rows := make([]Row, len(filled))
	for i, o := range filled {
		rows[i] = Row{
			ID:         o.ID,
			Timestamp:  o.FillTimestamp,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Lots:       round(o.FilledQty/opts.lotSize(), opts.LotPrecision),
			FillPrice:  round(o.FillPrice, opts.PricePrecision),
			StopLoss:   round(o.StopLoss, opts.PricePrecision),
			TakeProfit: round(o.TakeProfit, opts.PricePrecision),
		}
	}
	return rows
}

func round(v float64, places int32) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func validateRow(r Row) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("row has no id")
	case r.Symbol == "":
		return fmt.Errorf("row %s has no symbol", r.ID)
	case !r.Side.Valid():
		return fmt.Errorf("row %s has invalid side %q", r.ID, r.Side)
	case !(r.Lots > 0):
		return fmt.Errorf("row %s has non-positive lots %v", r.ID, r.Lots)
	case !(r.FillPrice > 0):
		return fmt.Errorf("row %s has non-positive fill price %v", r.ID, r.FillPrice)
	}
	return nil
}
