package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"kestrel/internal/domain"
)

// ConservationError reports that cash plus position value no longer equals
// initial capital plus P&L net of costs. It indicates a bug in fill or ledger
// logic and always aborts the run.
type ConservationError struct {
	Op       string
	Expected float64
	Actual   float64
	Diff     float64
	Dump     Dump
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("ledger: conservation violated after %s: equity %.10f, expected %.10f (diff %.3g)",
		e.Op, e.Actual, e.Expected, e.Diff)
}

func (e *ConservationError) Unwrap() error { return domain.ErrConservation }

// Dump is the full ledger state captured for debugging.
type Dump struct {
	InitialCapital float64             `json:"initial_capital"`
	Cash           float64             `json:"cash"`
	RealizedPnL    float64             `json:"realized_pnl"`
	Commission     float64             `json:"commission"`
	Slippage       float64             `json:"slippage"`
	Marks          map[string]float64  `json:"marks"`
	Positions      []domain.Position   `json:"positions"`
	Lots           map[string][]Lot    `json:"lots"`
	TradeCount     int                 `json:"trade_count"`
	LastPoint      *domain.EquityPoint `json:"last_point,omitempty"`
	CapturedAt     time.Time           `json:"captured_at"`
}

// JSON renders the dump for logs; it never fails for finite values and falls
// back to fmt otherwise.
func (d Dump) JSON() string {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("%+v", d)
	}
	return string(b)
}

// Snapshot captures the current state.
func (l *Ledger) Snapshot() Dump {
	d := Dump{
		InitialCapital: l.initial,
		Cash:           l.cash,
		RealizedPnL:    l.realized,
		Commission:     l.commission,
		Slippage:       l.slippage,
		Marks:          make(map[string]float64, len(l.marks)),
		Positions:      l.Positions(),
		Lots:           make(map[string][]Lot, len(l.books)),
		TradeCount:     len(l.trades),
	}
	for s, m := range l.marks {
		d.Marks[s] = m
	}
	for s := range l.books {
		d.Lots[s] = l.Lots(s)
	}
	if n := len(l.curve); n > 0 {
		last := l.curve[n-1]
		d.LastPoint = &last
		d.CapturedAt = last.Timestamp
	}
	return d
}
