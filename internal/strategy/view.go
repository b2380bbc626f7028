package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"kestrel/internal/domain"
)

// PositionQuerier is the read-only position query a View exposes.
type PositionQuerier interface {
	QueryPosition(symbol string) domain.Position
}

// BarView is one symbol's bar at the current timestamp with its indicator
// values. Indicators still warming up are absent.
type BarView struct {
	domain.Bar
	Indicators map[string]float64
}

// View is what a strategy sees at one bar: the bars and indicators at the
// current timestamp, past bars, and current positions. It cannot change
// engine state; signals built from it still have to be returned from OnBar.
type View struct {
	prefix    string
	index     int
	ts        time.Time
	bars      map[string]BarView
	history   map[string][]domain.Bar
	positions PositionQuerier
	seq       int
}

// Timestamp returns the current bar time.
func (v *View) Timestamp() time.Time { return v.ts }

// Index returns the position of the current bar in the run's timeline.
func (v *View) Index() int { return v.index }

// Symbols returns the symbols that have a bar at this timestamp, sorted.
func (v *View) Symbols() []string {
	out := make([]string, 0, len(v.bars))
	for s := range v.bars {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Bar returns sym's bar at this timestamp.
func (v *View) Bar(sym string) (BarView, bool) {
	b, ok := v.bars[sym]
	return b, ok
}

// Indicator returns a ready indicator value for sym.
func (v *View) Indicator(sym, name string) (float64, bool) {
	b, ok := v.bars[sym]
	if !ok {
		return 0, false
	}
	x, ok := b.Indicators[name]
	return x, ok
}

// History returns up to n of sym's most recent bars, oldest first, ending
// with the current one if sym traded at this timestamp.
func (v *View) History(sym string, n int) []domain.Bar {
	h := v.history[sym]
	if n <= 0 || n > len(h) {
		n = len(h)
	}
	out := make([]domain.Bar, n)
	copy(out, h[len(h)-n:])
	return out
}

// Position returns the current position in sym.
func (v *View) Position(sym string) domain.Position {
	return v.positions.QueryPosition(sym)
}

func (v *View) nextID() string {
	v.seq++
	return fmt.Sprintf("%s-%06d-%d", v.prefix, v.index, v.seq)
}

// Entry builds a market entry signal at the current bar. Callers may set
// order type, prices and protective levels on the result.
func (v *View) Entry(sym string, side domain.Side, size float64) domain.Signal {
	return domain.Signal{
		ID:        v.nextID(),
		Timestamp: v.ts,
		Symbol:    sym,
		Side:      side,
		Action:    domain.ActionEntry,
		Type:      domain.OrderTypeMarket,
		Size:      size,
	}
}

// Exit builds a market signal closing the whole position in sym. It returns
// false when the position is flat.
func (v *View) Exit(sym string) (domain.Signal, bool) {
	pos := v.Position(sym)
	if pos.IsFlat() {
		return domain.Signal{}, false
	}
	side := domain.SideSell
	if pos.Qty < 0 {
		side = domain.SideBuy
	}
	return domain.Signal{
		ID:        v.nextID(),
		Timestamp: v.ts,
		Symbol:    sym,
		Side:      side,
		Action:    domain.ActionExit,
		Type:      domain.OrderTypeMarket,
		Size:      math.Abs(pos.Qty),
	}, true
}
