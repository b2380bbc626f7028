package builtins

import (
	"fmt"
	"strconv"

	"kestrel/internal/domain"
	"kestrel/internal/strategy"
)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(SMACrossName, NewSMACrossFromParams)
	r.Register(RSIReversionName, NewRSIReversionFromParams)
	r.Register(BreakoutName, NewBreakoutFromParams)
}

// params reads typed values out of a string parameter map and remembers the
// first parse error.
type params struct {
	m   map[string]string
	err error
}

func (p *params) int(key string, def int) int {
	s, ok := p.m[key]
	if !ok || s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("param %s: %w", key, err)
	}
	return v
}

func (p *params) float(key string, def float64) float64 {
	s, ok := p.m[key]
	if !ok || s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("param %s: %w", key, err)
	}
	return v
}

func (p *params) bool(key string, def bool) bool {
	s, ok := p.m[key]
	if !ok || s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("param %s: %w", key, err)
	}
	return v
}

// protection holds optional percent stop-loss and take-profit distances.
type protection struct {
	stopLossPct   float64
	takeProfitPct float64
}

func (p *params) protection() protection {
	return protection{
		stopLossPct:   p.float("stop_loss_pct", 0),
		takeProfitPct: p.float("take_profit_pct", 0),
	}
}

func (pr protection) validate() error {
	if pr.stopLossPct < 0 || pr.takeProfitPct < 0 {
		return fmt.Errorf("stop_loss_pct and take_profit_pct must be non-negative")
	}
	return nil
}

func (pr protection) apply(sig *domain.Signal) {
	if pr.stopLossPct > 0 {
		sig.StopLoss = domain.PercentLevel(pr.stopLossPct)
	}
	if pr.takeProfitPct > 0 {
		sig.TakeProfit = domain.PercentLevel(pr.takeProfitPct)
	}
}

// reverse closes any position in sym opposite to side and then opens side.
func reverse(v *strategy.View, sym string, side domain.Side, size float64, allowShort bool, pr protection, reason string) []domain.Signal {
	var out []domain.Signal
	pos := v.Position(sym)
	if side == domain.SideBuy && pos.Qty > 0 || side == domain.SideSell && pos.Qty < 0 {
		return nil
	}
	if exit, ok := v.Exit(sym); ok {
		exit.Reason = reason
		out = append(out, exit)
	}
	if side == domain.SideSell && !allowShort {
		return out
	}
	entry := v.Entry(sym, side, size)
	entry.Reason = reason
	pr.apply(&entry)
	return append(out, entry)
}
