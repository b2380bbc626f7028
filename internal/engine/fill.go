package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"kestrel/internal/domain"
)

// processQueue fills eligible orders against this bar in submission order.
// Orders for symbols without a bar at this timestamp wait for the next one.
func (e *Engine) processQueue(bars map[string]domain.Bar) error {
	queue := e.pending
	e.pending = nil

	var waiting []queued
	for i, q := range queue {
		o := q.order
		b, ok := bars[o.Symbol]
		if q.eligibleAt > e.cursor || !ok {
			waiting = append(waiting, q)
			continue
		}
		raw, hit := triggerPrice(o, b)
		if !hit {
			waiting = append(waiting, q)
			continue
		}

		qty := o.Qty
		if o.Action == domain.ActionExit {
			pos := e.ledger.QueryPosition(o.Symbol)
			if pos.IsFlat() || pos.Qty*o.Side.Sign() > 0 {
				o.Status = domain.OrderStatusCancelled
				o.CancelReason = "position closed before fill"
				e.log.Debug("order cancelled", "order", o.ID, "symbol", o.Symbol, "reason", o.CancelReason)
				continue
			}
			qty = math.Min(qty, math.Abs(pos.Qty))
		}

		o.Reason = domain.ExitSignal
		if err := e.execute(o, qty, raw, o.Type == domain.OrderTypeLimit, ""); err != nil {
			e.pending = append(waiting, queue[i+1:]...)
			return err
		}
	}
	e.pending = waiting
	return nil
}

// triggerPrice returns the raw fill price of o on bar b and whether it fills.
// Gaps through a limit fill at the better open; gaps through a stop fill at
// the worse open.
func triggerPrice(o *domain.Order, b domain.Bar) (float64, bool) {
	switch o.Type {
	case domain.OrderTypeMarket:
		return b.Open, true
	case domain.OrderTypeLimit:
		if o.Side == domain.SideBuy {
			if b.Low <= o.LimitPrice {
				return math.Min(b.Open, o.LimitPrice), true
			}
			return 0, false
		}
		if b.High >= o.LimitPrice {
			return math.Max(b.Open, o.LimitPrice), true
		}
	case domain.OrderTypeStop:
		if o.Side == domain.SideBuy {
			if b.High >= o.StopPrice {
				return math.Max(b.Open, o.StopPrice), true
			}
			return 0, false
		}
		if b.Low <= o.StopPrice {
			return math.Min(b.Open, o.StopPrice), true
		}
	}
	return 0, false
}

// checkProtective closes lots whose stop-loss or take-profit was breached by
// the bar's range. When both were breached the stop-loss wins.
func (e *Engine) checkProtective(bars map[string]domain.Bar) error {
	syms := make([]string, 0, len(bars))
	for s := range bars {
		syms = append(syms, s)
	}
	sort.Strings(syms)

	for _, sym := range syms {
		b := bars[sym]
		pos := e.ledger.QueryPosition(sym)
		if pos.IsFlat() {
			continue
		}
		long := pos.Qty > 0
		exitSide := domain.SideSell
		if !long {
			exitSide = domain.SideBuy
		}

		for _, lot := range e.ledger.Lots(sym) {
			if lot.StopLoss == 0 && lot.TakeProfit == 0 {
				continue
			}
			raw, reason, ok := protectiveExit(long, lot.StopLoss, lot.TakeProfit, b)
			if !ok {
				continue
			}
			typ := domain.OrderTypeStop
			if reason == domain.ExitTakeProfit {
				typ = domain.OrderTypeLimit
			}
			o := e.syntheticOrder(sym, exitSide, typ, lot.Qty, reason, lot.ID)
			if reason == domain.ExitStopLoss {
				o.StopPrice = lot.StopLoss
			} else {
				o.LimitPrice = lot.TakeProfit
			}
			if err := e.execute(o, lot.Qty, raw, reason == domain.ExitTakeProfit, lot.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func protectiveExit(long bool, sl, tp float64, b domain.Bar) (float64, domain.ExitReason, bool) {
	if long {
		if sl > 0 && b.Low <= sl {
			return math.Min(b.Open, sl), domain.ExitStopLoss, true
		}
		if tp > 0 && b.High >= tp {
			return math.Max(b.Open, tp), domain.ExitTakeProfit, true
		}
		return 0, "", false
	}
	if sl > 0 && b.High >= sl {
		return math.Max(b.Open, sl), domain.ExitStopLoss, true
	}
	if tp > 0 && b.Low <= tp {
		return math.Min(b.Open, tp), domain.ExitTakeProfit, true
	}
	return 0, "", false
}

// syntheticOrder records an engine-initiated exit. Its id is derived from
// the key, reason and clock so reruns produce the same ids.
func (e *Engine) syntheticOrder(sym string, side domain.Side, typ domain.OrderType, qty float64, reason domain.ExitReason, key string) *domain.Order {
	name := fmt.Sprintf("%s/%s/%s", key, reason, e.clock.Format(time.RFC3339Nano))
	o := &domain.Order{
		ID:          uuid.NewSHA1(orderNamespace, []byte(name)).String(),
		Symbol:      sym,
		Side:        side,
		Action:      domain.ActionExit,
		Type:        typ,
		Qty:         qty,
		Status:      domain.OrderStatusPending,
		SubmittedAt: e.clock,
		Reason:      reason,
	}
	e.orders = append(e.orders, o)
	e.byID[o.ID] = o
	return o
}

// execute applies slippage and commission to a raw price and books the fill.
func (e *Engine) execute(o *domain.Order, qty, raw float64, priceProtected bool, lotID string) error {
	price := e.slip.adjust(raw, o.Side, qty, priceProtected)
	commission := e.cfg.Commission.Cost(qty, price)

	reason := o.Reason
	if reason == "" {
		reason = domain.ExitSignal
	}
	trade, err := e.ledger.ApplyFill(domain.Fill{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        qty,
		Price:      price,
		RawPrice:   raw,
		Commission: commission,
		Timestamp:  e.clock,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		Reason:     reason,
		LotID:      lotID,
	})
	if err != nil {
		return fmt.Errorf("engine: fill %s: %w", o.ID, err)
	}

	o.Status = domain.OrderStatusFilled
	o.FillPrice = price
	o.FillTimestamp = e.clock
	o.FilledQty = qty
	o.Commission = commission
	o.Slippage = (price - raw) * o.Side.Sign() * qty

	attrs := []any{"order", o.ID, "symbol", o.Symbol, "side", o.Side, "qty", qty, "price", price}
	if o.Action == domain.ActionExit && reason != domain.ExitSignal {
		attrs = append(attrs, "reason", reason)
	}
	if trade != nil {
		attrs = append(attrs, "trade", trade.ID, "net_pnl", trade.NetPnL)
	}
	e.log.Debug("order filled", attrs...)
	return nil
}
