// Package domain defines the value types shared by every kestrel component:
// bars, signals, orders, positions, closed trades and equity points.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Markets and timeframes
// ---------------------------------------------------------------------------

// Market identifies the trading venue family a bar series belongs to. It
// decides the session calendar used to annualize returns.
type Market string

const (
	MarketUS     Market = "us"
	MarketCN     Market = "cn"
	MarketFX     Market = "fx"
	MarketCrypto Market = "crypto"
)

// Valid reports whether m is a known market.
func (m Market) Valid() bool {
	switch m {
	case MarketUS, MarketCN, MarketFX, MarketCrypto:
		return true
	}
	return false
}

// Timeframe is the fixed interval covered by one bar.
type Timeframe string

const (
	Minute1  Timeframe = "1m"
	Minute5  Timeframe = "5m"
	Minute15 Timeframe = "15m"
	Minute30 Timeframe = "30m"
	Hour1    Timeframe = "1h"
	Hour4    Timeframe = "4h"
	Day1     Timeframe = "1d"
	Week1    Timeframe = "1w"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Minute1:  time.Minute,
	Minute5:  5 * time.Minute,
	Minute15: 15 * time.Minute,
	Minute30: 30 * time.Minute,
	Hour1:    time.Hour,
	Hour4:    4 * time.Hour,
	Day1:     24 * time.Hour,
	Week1:    7 * 24 * time.Hour,
}

// ParseTimeframe validates s and returns it as a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the wall-clock span of one bar.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether tf is a known timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// Bar is one immutable OHLCV observation for a symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// ---------------------------------------------------------------------------
// Order enums
// ---------------------------------------------------------------------------

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Sign returns +1 for buy and -1 for sell.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Action says whether a signal opens or closes exposure.
type Action string

const (
	ActionEntry Action = "entry"
	ActionExit  Action = "exit"
)

// OrderType selects the fill rule applied to an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus is the lifecycle state of an order inside the engine.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ExitReason records why a position was reduced.
type ExitReason string

const (
	ExitSignal      ExitReason = "signal"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitLiquidation ExitReason = "liquidation"
)

// PositionSide describes the sign of a position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signal is an immutable trading instruction emitted by a strategy at the
// current bar. LimitPrice and StopPrice are zero when unused.
type Signal struct {
	ID         string
	Timestamp  time.Time
	Symbol     string
	Side       Side
	Action     Action
	Type       OrderType
	Size       float64
	LimitPrice float64
	StopPrice  float64
	StopLoss   Level
	TakeProfit Level
	Reason     string
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// Order is the engine's record of an accepted signal. StopLoss and TakeProfit
// hold absolute prices (zero when not set) resolved at acceptance.
type Order struct {
	ID            string
	SignalID      string
	Symbol        string
	Side          Side
	Action        Action
	Type          OrderType
	Qty           float64
	LimitPrice    float64
	StopPrice     float64
	StopLoss      float64
	TakeProfit    float64
	Status        OrderStatus
	SubmittedAt   time.Time
	FillPrice     float64
	FillTimestamp time.Time
	FilledQty     float64
	Commission    float64
	Slippage      float64
	Reason        ExitReason
	CancelReason  string
}

// Fill is one resolved execution handed to the ledger. Price includes
// slippage, RawPrice does not; the ledger books the difference as slippage
// cost.
type Fill struct {
	OrderID    string
	Symbol     string
	Side       Side
	Qty        float64
	Price      float64
	RawPrice   float64
	Commission float64
	Timestamp  time.Time
	StopLoss   float64
	TakeProfit float64
	Reason     ExitReason

	// LotID targets a single open lot (protective exits). Empty means FIFO.
	LotID string
}

// ---------------------------------------------------------------------------
// Positions, trades and account state
// ---------------------------------------------------------------------------

// Position is the read-only view of a symbol's holdings. Qty is signed:
// positive long, negative short. AvgEntryPrice is measured before slippage.
type Position struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
	MarkPrice     float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Side          PositionSide
	OpenedAt      time.Time
}

// IsFlat reports whether the position holds no quantity.
func (p Position) IsFlat() bool { return p.Qty == 0 }

// Trade is an immutable closed round trip. Side is the direction of the
// position that was closed (buy for a long). EntryPrice and ExitPrice are
// fill prices including slippage; GrossPnL is measured on pre-slippage prices.
type Trade struct {
	ID           string
	Symbol       string
	Side         Side
	Size         float64
	EntryTime    time.Time
	EntryPrice   float64
	ExitTime     time.Time
	ExitPrice    float64
	GrossPnL     float64
	Commission   float64
	Slippage     float64
	NetPnL       float64
	ReturnPct    float64
	ExitReason   ExitReason
	EntryOrderID string
	ExitOrderID  string
}

// EquityPoint is the account state recorded once per bar.
type EquityPoint struct {
	Timestamp     time.Time
	Cash          float64
	Equity        float64
	RealizedPnL   float64
	UnrealizedPnL float64
	Commission    float64
	Slippage      float64
}

// ---------------------------------------------------------------------------
// Rejections
// ---------------------------------------------------------------------------

// RejectReason is the machine-readable code attached to a rejected signal.
type RejectReason string

const (
	RejectUnknownSymbol       RejectReason = "unknown_symbol"
	RejectNonPositiveSize     RejectReason = "non_positive_size"
	RejectExitWithoutPosition RejectReason = "exit_without_position"
	RejectMalformedOrder      RejectReason = "malformed_order"
	RejectTimestampMismatch   RejectReason = "timestamp_mismatch"
	RejectClockNotStarted     RejectReason = "clock_not_started"
	RejectDuplicateSignal     RejectReason = "duplicate_signal"
	RejectInvalidLevel        RejectReason = "invalid_protective_level"
	RejectRiskLimit           RejectReason = "risk_limit"
	RejectRunClosed           RejectReason = "run_closed"
)

// Rejection is the observable record of a signal the engine refused.
type Rejection struct {
	SignalID  string
	Symbol    string
	Timestamp time.Time
	Reason    RejectReason
	Detail    string
}

// ---------------------------------------------------------------------------
// Venue fills
// ---------------------------------------------------------------------------

// VenueFill is an execution reported by an external venue, keyed by the
// client order id the exported row was submitted under.
type VenueFill struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Qty           float64
	Price         float64
	FilledAt      time.Time
}
