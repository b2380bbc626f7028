// Package ledger is the single source of truth for positions and cash in a
// backtest. Only the execution engine writes to it, through ApplyFill and
// MarkToMarket; everything else reads copies.
//
// Positions are held as FIFO lots. Profit and loss is measured on raw
// (pre-slippage) prices while commission and slippage are booked separately,
// so at every point
//
//	equity == initial + realized + unrealized - commission - slippage
package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"

	"kestrel/internal/domain"
)

// qtyEpsilon is the quantity below which a lot or remainder is treated as
// empty.
const qtyEpsilon = 1e-9

// DefaultTolerance is the relative tolerance of the conservation check.
const DefaultTolerance = 1e-7

// Lot is one open entry fill.
type Lot struct {
	ID                string
	Qty               float64
	RawPrice          float64
	FillPrice         float64
	CommissionPerUnit float64
	SlippagePerUnit   float64
	OpenedAt          time.Time
	StopLoss          float64
	TakeProfit        float64
}

// book is the open position in one symbol.
type book struct {
	side domain.Side
	lots []*Lot
}

func (b *book) qty() float64 {
	var q float64
	for _, l := range b.lots {
		q += l.Qty
	}
	return q
}

// Ledger tracks cash, positions, closed trades and the equity curve of one
// run. It is not safe for concurrent use; each run owns its own Ledger.
type Ledger struct {
	initial    float64
	cash       float64
	realized   float64
	commission float64
	slippage   float64
	tolerance  float64

	books          map[string]*book
	symbolRealized map[string]float64
	marks          map[string]float64

	trades []domain.Trade
	curve  []domain.EquityPoint
}

// New creates a flat Ledger holding initialCapital in cash.
func New(initialCapital float64) *Ledger {
	return &Ledger{
		initial:        initialCapital,
		cash:           initialCapital,
		tolerance:      DefaultTolerance,
		books:          make(map[string]*book),
		symbolRealized: make(map[string]float64),
		marks:          make(map[string]float64),
	}
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// ApplyFill books f and returns the Trade it closed, if any. Additions on the
// position's side open a new lot; opposite fills realize lots FIFO (or the
// lot named by f.LotID). A fill larger than the open quantity closes the
// position, records exactly one Trade, and opens the remainder as a new
// position on the other side.
//
// A non-nil error is either a malformed fill or a *ConservationError; both
// are fatal for the run.
func (l *Ledger) ApplyFill(f domain.Fill) (*domain.Trade, error) {
	if err := validateFill(f); err != nil {
		return nil, err
	}

	if _, ok := l.marks[f.Symbol]; !ok {
		l.marks[f.Symbol] = f.RawPrice
	}

	slipPerUnit := (f.Price - f.RawPrice) * f.Side.Sign()
	commPerUnit := f.Commission / f.Qty

	notional := f.Price * f.Qty
	if f.Side == domain.SideBuy {
		l.cash -= notional + f.Commission
	} else {
		l.cash += notional - f.Commission
	}
	l.commission += f.Commission
	l.slippage += slipPerUnit * f.Qty

	b := l.books[f.Symbol]
	remaining := f.Qty

	var trade *domain.Trade
	if b != nil && b.side != f.Side {
		closed, err := l.reduce(b, f, commPerUnit, slipPerUnit)
		if err != nil {
			return nil, err
		}
		trade = closed
		remaining -= closed.Size
		if len(b.lots) == 0 {
			delete(l.books, f.Symbol)
			b = nil
		}
	}

	if remaining > qtyEpsilon {
		if b == nil {
			b = &book{side: f.Side}
			l.books[f.Symbol] = b
		}
		b.lots = append(b.lots, &Lot{
			ID:                f.OrderID,
			Qty:               remaining,
			RawPrice:          f.RawPrice,
			FillPrice:         f.Price,
			CommissionPerUnit: commPerUnit,
			SlippagePerUnit:   slipPerUnit,
			OpenedAt:          f.Timestamp,
			StopLoss:          f.StopLoss,
			TakeProfit:        f.TakeProfit,
		})
	}

	if err := l.checkConservation("apply_fill " + f.OrderID); err != nil {
		return trade, err
	}
	return trade, nil
}

// reduce realizes up to f.Qty from b and returns the closed leg as a Trade.
func (l *Ledger) reduce(b *book, f domain.Fill, commPerUnit, slipPerUnit float64) (*domain.Trade, error) {
	order := b.lots
	if f.LotID != "" {
		idx := -1
		for i, lot := range b.lots {
			if lot.ID == f.LotID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("ledger: %s has no open lot %q", f.Symbol, f.LotID)
		}
		order = []*Lot{b.lots[idx]}
	}

	want := f.Qty
	var (
		closedQty    float64
		rawNotional  float64
		fillNotional float64
		entryComm    float64
		entrySlip    float64
		entryTime    time.Time
		entryOrderID string
	)
	for _, lot := range order {
		if want <= qtyEpsilon {
			break
		}
		q := math.Min(lot.Qty, want)
		if entryOrderID == "" {
			entryOrderID = lot.ID
			entryTime = lot.OpenedAt
		} else if lot.OpenedAt.Before(entryTime) {
			entryTime = lot.OpenedAt
		}
		closedQty += q
		rawNotional += lot.RawPrice * q
		fillNotional += lot.FillPrice * q
		entryComm += lot.CommissionPerUnit * q
		entrySlip += lot.SlippagePerUnit * q
		lot.Qty -= q
		want -= q
	}
	if f.LotID != "" && want > qtyEpsilon {
		return nil, fmt.Errorf("ledger: fill %s of %v exceeds lot %q", f.OrderID, f.Qty, f.LotID)
	}

	kept := b.lots[:0]
	for _, lot := range b.lots {
		if lot.Qty > qtyEpsilon {
			kept = append(kept, lot)
		}
	}
	b.lots = kept

	dir := b.side.Sign()
	gross := (f.RawPrice*closedQty - rawNotional) * dir
	commission := entryComm + commPerUnit*closedQty
	slippage := entrySlip + slipPerUnit*closedQty
	net := gross - commission - slippage

	l.realized += gross
	l.symbolRealized[f.Symbol] += gross

	t := domain.Trade{
		ID:           fmt.Sprintf("T%06d", len(l.trades)+1),
		Symbol:       f.Symbol,
		Side:         b.side,
		Size:         closedQty,
		EntryTime:    entryTime,
		EntryPrice:   fillNotional / closedQty,
		ExitTime:     f.Timestamp,
		ExitPrice:    f.Price,
		GrossPnL:     gross,
		Commission:   commission,
		Slippage:     slippage,
		NetPnL:       net,
		ExitReason:   f.Reason,
		EntryOrderID: entryOrderID,
		ExitOrderID:  f.OrderID,
	}
	if t.ExitReason == "" {
		t.ExitReason = domain.ExitSignal
	}
	if fillNotional != 0 {
		t.ReturnPct = net / fillNotional * 100
	}
	l.trades = append(l.trades, t)
	return &t, nil
}

func validateFill(f domain.Fill) error {
	switch {
	case f.Symbol == "":
		return fmt.Errorf("ledger: fill %s has no symbol", f.OrderID)
	case !f.Side.Valid():
		return fmt.Errorf("ledger: fill %s has invalid side %q", f.OrderID, f.Side)
	case !(f.Qty > 0) || math.IsInf(f.Qty, 0):
		return fmt.Errorf("ledger: fill %s has non-positive quantity %v", f.OrderID, f.Qty)
	case !(f.Price > 0) || !(f.RawPrice > 0):
		return fmt.Errorf("ledger: fill %s has non-positive price %v/%v", f.OrderID, f.Price, f.RawPrice)
	case f.Commission < 0 || math.IsNaN(f.Commission):
		return fmt.Errorf("ledger: fill %s has negative commission %v", f.OrderID, f.Commission)
	}
	return nil
}

// MarkToMarket revalues open positions at closes and appends one equity
// point. It must be called once per bar with strictly increasing timestamps.
// Symbols missing from closes keep their previous mark.
func (l *Ledger) MarkToMarket(ts time.Time, closes map[string]float64) (domain.EquityPoint, error) {
	if n := len(l.curve); n > 0 && !ts.After(l.curve[n-1].Timestamp) {
		return domain.EquityPoint{}, fmt.Errorf("ledger: mark at %s not after %s: %w",
			ts.Format(time.RFC3339), l.curve[n-1].Timestamp.Format(time.RFC3339), domain.ErrOutOfOrder)
	}
	l.updateMarks(closes)
	if err := l.checkConservation("mark_to_market"); err != nil {
		return domain.EquityPoint{}, err
	}
	pt := l.point(ts)
	l.curve = append(l.curve, pt)
	return pt, nil
}

// RestateLast recomputes the most recent equity point after end-of-run
// fills booked at that same bar.
func (l *Ledger) RestateLast(closes map[string]float64) (domain.EquityPoint, error) {
	n := len(l.curve)
	if n == 0 {
		return domain.EquityPoint{}, fmt.Errorf("ledger: no equity point to restate")
	}
	l.updateMarks(closes)
	if err := l.checkConservation("restate"); err != nil {
		return domain.EquityPoint{}, err
	}
	l.curve[n-1] = l.point(l.curve[n-1].Timestamp)
	return l.curve[n-1], nil
}

func (l *Ledger) updateMarks(closes map[string]float64) {
	for sym, c := range closes {
		if c > 0 {
			l.marks[sym] = c
		}
	}
}

// ---------------------------------------------------------------------------
// Valuation
// ---------------------------------------------------------------------------

func (l *Ledger) symbols() []string {
	syms := make([]string, 0, len(l.books))
	for s := range l.books {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// valuation returns market value and unrealized P&L of open positions.
func (l *Ledger) valuation() (marketValue, unrealized float64) {
	for _, sym := range l.symbols() {
		b := l.books[sym]
		mark := l.marks[sym]
		dir := b.side.Sign()
		for _, lot := range b.lots {
			marketValue += dir * lot.Qty * mark
			unrealized += dir * lot.Qty * (mark - lot.RawPrice)
		}
	}
	return marketValue, unrealized
}

func (l *Ledger) point(ts time.Time) domain.EquityPoint {
	mv, unreal := l.valuation()
	return domain.EquityPoint{
		Timestamp:     ts,
		Cash:          l.cash,
		Equity:        l.cash + mv,
		RealizedPnL:   l.realized,
		UnrealizedPnL: unreal,
		Commission:    l.commission,
		Slippage:      l.slippage,
	}
}

func (l *Ledger) checkConservation(op string) error {
	mv, unreal := l.valuation()
	actual := l.cash + mv
	expected := l.initial + l.realized + unreal - l.commission - l.slippage
	diff := actual - expected
	scale := math.Max(1, math.Max(math.Abs(l.initial), math.Abs(actual)))
	if math.Abs(diff) <= l.tolerance*scale && !math.IsNaN(diff) {
		return nil
	}
	return &ConservationError{
		Op:       op,
		Expected: expected,
		Actual:   actual,
		Diff:     diff,
		Dump:     l.Snapshot(),
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// QueryPosition returns a copy of sym's position; a flat position when none
// is open.
func (l *Ledger) QueryPosition(sym string) domain.Position {
	p := domain.Position{
		Symbol:      sym,
		Side:        domain.PositionSideFlat,
		MarkPrice:   l.marks[sym],
		RealizedPnL: l.symbolRealized[sym],
	}
	b, ok := l.books[sym]
	if !ok {
		return p
	}

	dir := b.side.Sign()
	var qty, cost float64
	for i, lot := range b.lots {
		qty += lot.Qty
		cost += lot.Qty * lot.RawPrice
		if i == 0 || lot.OpenedAt.Before(p.OpenedAt) {
			p.OpenedAt = lot.OpenedAt
		}
	}
	p.Qty = dir * qty
	p.AvgEntryPrice = cost / qty
	p.UnrealizedPnL = dir * (p.MarkPrice*qty - cost)
	if dir > 0 {
		p.Side = domain.PositionSideLong
	} else {
		p.Side = domain.PositionSideShort
	}
	return p
}

// Positions returns every open position ordered by symbol.
func (l *Ledger) Positions() []domain.Position {
	syms := l.symbols()
	out := make([]domain.Position, 0, len(syms))
	for _, s := range syms {
		out = append(out, l.QueryPosition(s))
	}
	return out
}

// Lots returns copies of sym's open lots in FIFO order.
func (l *Ledger) Lots(sym string) []Lot {
	b, ok := l.books[sym]
	if !ok {
		return nil
	}
	out := make([]Lot, len(b.lots))
	for i, lot := range b.lots {
		out[i] = *lot
	}
	return out
}

// Trades returns a copy of the closed trade log.
func (l *Ledger) Trades() []domain.Trade {
	out := make([]domain.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// Curve returns a copy of the equity curve.
func (l *Ledger) Curve() []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(l.curve))
	copy(out, l.curve)
	return out
}

// InitialCapital returns the starting cash.
func (l *Ledger) InitialCapital() float64 { return l.initial }

// Cash returns current cash.
func (l *Ledger) Cash() float64 { return l.cash }

// Equity returns cash plus open positions at their latest marks.
func (l *Ledger) Equity() float64 {
	mv, _ := l.valuation()
	return l.cash + mv
}

// Mark returns the latest valuation price of sym.
func (l *Ledger) Mark(sym string) (float64, bool) {
	m, ok := l.marks[sym]
	return m, ok
}
