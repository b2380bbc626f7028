package builtins

import (
	"context"
	"fmt"

	"kestrel/internal/domain"
	"kestrel/internal/indicator"
	"kestrel/internal/strategy"
)

// BreakoutName is the registry name of Breakout.
const BreakoutName = "breakout"

var (
	_ strategy.Strategy          = (*Breakout)(nil)
	_ strategy.IndicatorProvider = (*Breakout)(nil)
)

// Breakout enters when the close breaks the highest high of the previous
// lookback bars, with a stop-loss atr_mult ATRs away. It exits on a close
// below the lowest low of the previous exit_lookback bars.
type Breakout struct {
	lookback     int
	exitLookback int
	atrPeriod    int
	atrMult      float64
	size         float64
	allowShort   bool
}

// NewBreakoutFromParams builds a Breakout from lookback, exit_lookback,
// atr_period, atr_mult, size and allow_short.
func NewBreakoutFromParams(m map[string]string) (strategy.Strategy, error) {
	p := &params{m: m}
	s := &Breakout{
		lookback:     p.int("lookback", 20),
		exitLookback: p.int("exit_lookback", 10),
		atrPeriod:    p.int("atr_period", 14),
		atrMult:      p.float("atr_mult", 2),
		size:         p.float("size", 100),
		allowShort:   p.bool("allow_short", false),
	}
	if p.err != nil {
		return nil, fmt.Errorf("breakout: %w", p.err)
	}
	if s.lookback <= 0 || s.exitLookback <= 0 || s.atrPeriod <= 0 {
		return nil, fmt.Errorf("breakout: lookbacks and atr_period must be positive")
	}
	if s.atrMult < 0 {
		return nil, fmt.Errorf("breakout: atr_mult must be non-negative, got %v", s.atrMult)
	}
	if !(s.size > 0) {
		return nil, fmt.Errorf("breakout: size must be positive, got %v", s.size)
	}
	return s, nil
}

func (s *Breakout) Name() string { return BreakoutName }

func (s *Breakout) Init(_ context.Context) error { return nil }

func (s *Breakout) Indicators() []indicator.Spec {
	period := s.atrPeriod
	return []indicator.Spec{
		{Name: "atr", New: func() indicator.Indicator { return indicator.NewATR(period) }},
	}
}

// channel returns the highest high and lowest low of the n bars before the
// current one.
func channel(hist []domain.Bar, n int) (hi, lo float64, ok bool) {
	if len(hist) < n+1 {
		return 0, 0, false
	}
	prior := hist[len(hist)-n-1 : len(hist)-1]
	hi, lo = prior[0].High, prior[0].Low
	for _, b := range prior[1:] {
		hi = max(hi, b.High)
		lo = min(lo, b.Low)
	}
	return hi, lo, true
}

func (s *Breakout) OnBar(_ context.Context, v *strategy.View) ([]domain.Signal, error) {
	n := max(s.lookback, s.exitLookback) + 1
	var out []domain.Signal
	for _, sym := range v.Symbols() {
		bar, _ := v.Bar(sym)
		hist := v.History(sym, n)
		pos := v.Position(sym)

		if !pos.IsFlat() {
			exitHi, exitLo, ok := channel(hist, s.exitLookback)
			if !ok {
				continue
			}
			if pos.Qty > 0 && bar.Close < exitLo || pos.Qty < 0 && bar.Close > exitHi {
				if exit, ok := v.Exit(sym); ok {
					exit.Reason = "channel exit"
					out = append(out, exit)
				}
			}
			continue
		}

		hi, lo, ok := channel(hist, s.lookback)
		atr, atrOK := v.Indicator(sym, "atr")
		if !ok || !atrOK {
			continue
		}
		var side domain.Side
		switch {
		case bar.Close > hi:
			side = domain.SideBuy
		case bar.Close < lo && s.allowShort:
			side = domain.SideSell
		default:
			continue
		}
		sig := v.Entry(sym, side, s.size)
		sig.Reason = fmt.Sprintf("breakout of %d-bar channel", s.lookback)
		if stop := atr * s.atrMult; stop > 0 && stop < bar.Close {
			sig.StopLoss = domain.AbsoluteLevel(stop)
		}
		out = append(out, sig)
	}
	return out, nil
}
