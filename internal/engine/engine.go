// Package engine is the bar-by-bar execution simulator. It advances a clock
// over a feed, accepts signals stamped at the current bar, resolves queued
// orders under the fill model and books the results in a ledger.
//
// An Engine is single-threaded and owns all of its state; independent runs
// use independent engines and may share only the read-only feed.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"kestrel/internal/domain"
	"kestrel/internal/feed"
	"kestrel/internal/ledger"
)

// DefaultPipSize is used for pip-denominated levels when no symbol override
// exists.
const DefaultPipSize = 0.0001

// orderNamespace seeds the deterministic order ids derived from signal ids.
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kestrel/engine/order"))

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config is consumed at construction and never changes during a run.
type Config struct {
	InitialCapital float64
	// FillDelay is the number of bars between submission and the first bar
	// an order may fill on. Must be at least 1.
	FillDelay     int
	PipSize       float64
	SymbolPipSize map[string]float64
	Commission    CommissionConfig
	Slippage      SlippageConfig
	// MaxPositionPct, when positive, caps one symbol's exposure as a fraction
	// of equity for entry orders.
	MaxPositionPct float64
	Logger         *slog.Logger
}

// Validate reports every problem with c in a single error.
func (c Config) Validate() error {
	var errs []error
	if !(c.InitialCapital > 0) || math.IsInf(c.InitialCapital, 0) {
		errs = append(errs, fmt.Errorf("initial capital must be positive, got %v", c.InitialCapital))
	}
	if c.FillDelay < 1 {
		errs = append(errs, fmt.Errorf("fill delay must be at least 1 bar, got %d", c.FillDelay))
	}
	if c.PipSize < 0 {
		errs = append(errs, fmt.Errorf("pip size must be non-negative, got %v", c.PipSize))
	}
	for sym, p := range c.SymbolPipSize {
		if !(p > 0) {
			errs = append(errs, fmt.Errorf("pip size for %s must be positive, got %v", sym, p))
		}
	}
	if c.MaxPositionPct < 0 {
		errs = append(errs, fmt.Errorf("max position pct must be non-negative, got %v", c.MaxPositionPct))
	}
	if err := c.Commission.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Slippage.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) pipSize(sym string) float64 {
	if p, ok := c.SymbolPipSize[sym]; ok {
		return p
	}
	if c.PipSize > 0 {
		return c.PipSize
	}
	return DefaultPipSize
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type queued struct {
	order      *domain.Order
	eligibleAt int
}

// Engine simulates order execution over a feed.
type Engine struct {
	cfg    Config
	feed   *feed.Feed
	ledger *ledger.Ledger
	risk   *RiskManager
	slip   *slipper
	log    *slog.Logger

	cursor int
	clock  time.Time

	orders     []*domain.Order
	byID       map[string]*domain.Order
	pending    []queued
	signals    map[string]struct{}
	rejections []domain.Rejection

	finished bool
	failed   error
}

// New creates an Engine positioned before the first bar of f.
func New(f *feed.Feed, cfg Config) (*Engine, error) {
	if f == nil {
		return nil, fmt.Errorf("engine: nil feed: %w", domain.ErrFeed)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		feed:    f,
		ledger:  ledger.New(cfg.InitialCapital),
		risk:    NewRiskManager(cfg.MaxPositionPct),
		slip:    newSlipper(cfg.Slippage),
		log:     log.With("component", "engine"),
		cursor:  -1,
		byID:    make(map[string]*domain.Order),
		signals: make(map[string]struct{}),
	}, nil
}

// StepTo advances the clock to the feed bar at ts and processes it: queued
// orders that are eligible fill in submission order, then protective levels
// are checked per open lot, then positions are marked at the bar's closes.
//
// ts must be the next timestamp of the feed. A ts at or before the clock, or
// one that skips bars, returns *OutOfOrderError. Any error from StepTo is
// fatal: later StepTo and Finish calls return it and signals are rejected.
func (e *Engine) StepTo(ts time.Time) error {
	if e.failed != nil {
		return e.failed
	}
	if e.finished {
		return fmt.Errorf("engine: step after finish")
	}
	if e.cursor >= 0 && !ts.After(e.clock) {
		return e.fail(&OutOfOrderError{Clock: e.clock, Requested: ts})
	}
	idx, ok := e.feed.IndexOf(ts)
	if !ok {
		return e.fail(fmt.Errorf("engine: no bar at %s: %w", ts.Format(time.RFC3339), domain.ErrFeed))
	}
	if idx != e.cursor+1 {
		return e.fail(&OutOfOrderError{Clock: e.clock, Requested: ts, Skipped: idx - e.cursor - 1})
	}

	e.cursor = idx
	e.clock = ts
	bars := e.feed.BarsAt(idx)

	if err := e.processQueue(bars); err != nil {
		return e.fail(err)
	}
	if err := e.checkProtective(bars); err != nil {
		return e.fail(err)
	}

	closes := make(map[string]float64, len(bars))
	for sym, b := range bars {
		closes[sym] = b.Close
	}
	if _, err := e.ledger.MarkToMarket(ts, closes); err != nil {
		return e.fail(err)
	}
	return nil
}

func (e *Engine) fail(err error) error {
	e.failed = err
	var ce *ledger.ConservationError
	if errors.As(err, &ce) {
		e.log.Error("conservation violated", "op", ce.Op, "diff", ce.Diff, "dump", ce.Dump.JSON())
	}
	return err
}

// Clock returns the current bar timestamp; zero before the first StepTo.
func (e *Engine) Clock() time.Time { return e.clock }

// Started reports whether StepTo has been called successfully.
func (e *Engine) Started() bool { return e.cursor >= 0 }

// Feed returns the feed the engine runs over.
func (e *Engine) Feed() *feed.Feed { return e.feed }

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SubmitSignal validates sig against the current bar and queues it as an
// order. The returned id identifies the order for Cancel. A refused signal
// returns *RejectedError and is recorded in Rejections; engine state is not
// otherwise changed.
func (e *Engine) SubmitSignal(sig domain.Signal) (string, error) {
	order, rej := e.accept(sig)
	if rej != nil {
		e.rejections = append(e.rejections, *rej)
		e.log.Debug("signal rejected",
			"signal", sig.ID, "symbol", sig.Symbol, "reason", rej.Reason, "detail", rej.Detail)
		return "", &RejectedError{Rejection: *rej}
	}

	e.signals[sig.ID] = struct{}{}
	e.orders = append(e.orders, order)
	e.byID[order.ID] = order
	e.pending = append(e.pending, queued{order: order, eligibleAt: e.cursor + e.cfg.FillDelay})
	e.log.Debug("order queued",
		"order", order.ID, "symbol", order.Symbol, "side", order.Side, "type", order.Type, "qty", order.Qty)
	return order.ID, nil
}

func (e *Engine) accept(sig domain.Signal) (*domain.Order, *domain.Rejection) {
	reject := func(reason domain.RejectReason, format string, args ...any) (*domain.Order, *domain.Rejection) {
		return nil, &domain.Rejection{
			SignalID:  sig.ID,
			Symbol:    sig.Symbol,
			Timestamp: sig.Timestamp,
			Reason:    reason,
			Detail:    fmt.Sprintf(format, args...),
		}
	}

	switch {
	case e.failed != nil:
		return reject(domain.RejectRunClosed, "run aborted: %v", e.failed)
	case e.finished:
		return reject(domain.RejectRunClosed, "run is finished")
	case e.cursor < 0:
		return reject(domain.RejectClockNotStarted, "no bar has been stepped to")
	case sig.ID == "":
		return reject(domain.RejectMalformedOrder, "missing signal id")
	}
	if _, dup := e.signals[sig.ID]; dup {
		return reject(domain.RejectDuplicateSignal, "signal id already submitted")
	}
	if !sig.Timestamp.Equal(e.clock) {
		return reject(domain.RejectTimestampMismatch, "signal at %s, clock at %s",
			sig.Timestamp.Format(time.RFC3339), e.clock.Format(time.RFC3339))
	}
	if !e.feed.HasSymbol(sig.Symbol) {
		return reject(domain.RejectUnknownSymbol, "symbol %q not in feed", sig.Symbol)
	}
	if !(sig.Size > 0) || math.IsInf(sig.Size, 0) {
		return reject(domain.RejectNonPositiveSize, "size %v", sig.Size)
	}
	if detail := malformed(sig); detail != "" {
		return reject(domain.RejectMalformedOrder, "%s", detail)
	}

	last, ok := e.lastBar(sig.Symbol)
	if !ok {
		return reject(domain.RejectUnknownSymbol, "no bar for %q yet", sig.Symbol)
	}

	pos := e.ledger.QueryPosition(sig.Symbol)
	if sig.Action == domain.ActionExit {
		// A sell exit needs a long position, a buy exit a short one.
		if pos.IsFlat() || pos.Qty*sig.Side.Sign() > 0 {
			return reject(domain.RejectExitWithoutPosition, "no %s position in %s to close",
				opposite(sig.Side), sig.Symbol)
		}
	}

	ref := last.Close
	switch sig.Type {
	case domain.OrderTypeLimit:
		ref = sig.LimitPrice
	case domain.OrderTypeStop:
		ref = sig.StopPrice
	}

	pip := e.cfg.pipSize(sig.Symbol)
	sl, err := sig.StopLoss.Resolve(ref, sig.Side, domain.StopLossLevel, pip)
	if err != nil {
		return reject(domain.RejectInvalidLevel, "%v", err)
	}
	tp, err := sig.TakeProfit.Resolve(ref, sig.Side, domain.TakeProfitLevel, pip)
	if err != nil {
		return reject(domain.RejectInvalidLevel, "%v", err)
	}

	if sig.Action == domain.ActionEntry {
		if err := e.risk.CheckEntry(sig.Side, sig.Size, ref, pos, e.ledger.Equity()); err != nil {
			return reject(domain.RejectRiskLimit, "%v", err)
		}
	}

	return &domain.Order{
		ID:          uuid.NewSHA1(orderNamespace, []byte(sig.ID)).String(),
		SignalID:    sig.ID,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Action:      sig.Action,
		Type:        sig.Type,
		Qty:         sig.Size,
		LimitPrice:  sig.LimitPrice,
		StopPrice:   sig.StopPrice,
		StopLoss:    sl,
		TakeProfit:  tp,
		Status:      domain.OrderStatusPending,
		SubmittedAt: e.clock,
	}, nil
}

// malformed returns a description of inconsistent order parameters, or "".
func malformed(sig domain.Signal) string {
	if !sig.Side.Valid() {
		return fmt.Sprintf("invalid side %q", sig.Side)
	}
	if sig.Action != domain.ActionEntry && sig.Action != domain.ActionExit {
		return fmt.Sprintf("invalid action %q", sig.Action)
	}
	badPrice := func(p float64) bool { return !(p > 0) || math.IsInf(p, 0) }
	switch sig.Type {
	case domain.OrderTypeMarket:
		if sig.LimitPrice != 0 || sig.StopPrice != 0 {
			return "market order must not carry limit or stop price"
		}
	case domain.OrderTypeLimit:
		if badPrice(sig.LimitPrice) {
			return fmt.Sprintf("limit order requires a positive limit price, got %v", sig.LimitPrice)
		}
		if sig.StopPrice != 0 {
			return "limit order must not carry a stop price"
		}
	case domain.OrderTypeStop:
		if badPrice(sig.StopPrice) {
			return fmt.Sprintf("stop order requires a positive stop price, got %v", sig.StopPrice)
		}
		if sig.LimitPrice != 0 {
			return "stop order must not carry a limit price"
		}
	default:
		return fmt.Sprintf("invalid order type %q", sig.Type)
	}
	if sig.Action == domain.ActionExit && (sig.StopLoss.IsSet() || sig.TakeProfit.IsSet()) {
		return "exit signal must not carry protective levels"
	}
	return ""
}

func opposite(s domain.Side) string {
	if s == domain.SideSell {
		return "long"
	}
	return "short"
}

// lastBar returns sym's most recent bar at or before the clock.
func (e *Engine) lastBar(sym string) (domain.Bar, bool) {
	for i := e.cursor; i >= 0; i-- {
		if b, ok := e.feed.Bar(i, sym); ok {
			return b, true
		}
	}
	return domain.Bar{}, false
}

// ---------------------------------------------------------------------------
// Order management
// ---------------------------------------------------------------------------

// Cancel withdraws a pending order.
func (e *Engine) Cancel(orderID string) error {
	o, ok := e.byID[orderID]
	if !ok {
		return fmt.Errorf("engine: cancel %s: %w", orderID, domain.ErrUnknownOrder)
	}
	if o.Status != domain.OrderStatusPending {
		return fmt.Errorf("engine: cancel %s (%s): %w", orderID, o.Status, domain.ErrNotPending)
	}
	e.cancel(o, "cancelled by strategy")
	return nil
}

func (e *Engine) cancel(o *domain.Order, reason string) {
	o.Status = domain.OrderStatusCancelled
	o.CancelReason = reason
	kept := e.pending[:0]
	for _, q := range e.pending {
		if q.order != o {
			kept = append(kept, q)
		}
	}
	e.pending = kept
	e.log.Debug("order cancelled", "order", o.ID, "symbol", o.Symbol, "reason", reason)
}

// Finish closes the run. Pending orders are cancelled; when liquidate is set
// every open position is closed at its last close, with costs, and the final
// equity point is restated.
func (e *Engine) Finish(liquidate bool) error {
	if e.failed != nil {
		return e.failed
	}
	if e.finished {
		return nil
	}
	e.finished = true

	for len(e.pending) > 0 {
		e.cancel(e.pending[0].order, "end of run")
	}
	if !liquidate || e.cursor < 0 {
		return nil
	}

	closes := make(map[string]float64)
	for _, pos := range e.ledger.Positions() {
		last, ok := e.lastBar(pos.Symbol)
		if !ok {
			continue
		}
		closes[pos.Symbol] = last.Close
		side := domain.SideSell
		if pos.Qty < 0 {
			side = domain.SideBuy
		}
		qty := math.Abs(pos.Qty)
		o := e.syntheticOrder(pos.Symbol, side, domain.OrderTypeMarket, qty, domain.ExitLiquidation, pos.Symbol)
		if err := e.execute(o, qty, last.Close, false, ""); err != nil {
			return e.fail(err)
		}
	}
	if len(closes) == 0 {
		return nil
	}
	if _, err := e.ledger.RestateLast(closes); err != nil {
		return e.fail(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Read-only views
// ---------------------------------------------------------------------------

// QueryPosition returns a copy of sym's current position.
func (e *Engine) QueryPosition(sym string) domain.Position { return e.ledger.QueryPosition(sym) }

// Positions returns all open positions ordered by symbol.
func (e *Engine) Positions() []domain.Position { return e.ledger.Positions() }

// Trades returns the closed trade log.
func (e *Engine) Trades() []domain.Trade { return e.ledger.Trades() }

// Curve returns the equity curve.
func (e *Engine) Curve() []domain.EquityPoint { return e.ledger.Curve() }

// InitialCapital returns the configured starting cash.
func (e *Engine) InitialCapital() float64 { return e.ledger.InitialCapital() }

// Equity returns current equity at the latest marks.
func (e *Engine) Equity() float64 { return e.ledger.Equity() }

// Cash returns current cash.
func (e *Engine) Cash() float64 { return e.ledger.Cash() }

// Orders returns copies of every accepted order in submission order,
// including protective and liquidation exits.
func (e *Engine) Orders() []domain.Order {
	out := make([]domain.Order, len(e.orders))
	for i, o := range e.orders {
		out[i] = *o
	}
	return out
}

// FilledOrders returns copies of filled orders ordered by fill time.
func (e *Engine) FilledOrders() []domain.Order {
	var out []domain.Order
	for _, o := range e.orders {
		if o.Status == domain.OrderStatusFilled {
			out = append(out, *o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FillTimestamp.Before(out[j].FillTimestamp) })
	return out
}

// PendingOrders returns copies of queued orders in submission order.
func (e *Engine) PendingOrders() []domain.Order {
	out := make([]domain.Order, len(e.pending))
	for i, q := range e.pending {
		out[i] = *q.order
	}
	return out
}

// Rejections returns every refused signal in submission order.
func (e *Engine) Rejections() []domain.Rejection {
	out := make([]domain.Rejection, len(e.rejections))
	copy(out, e.rejections)
	return out
}
