package builtins

import (
	"context"
	"fmt"

	"kestrel/internal/domain"
	"kestrel/internal/indicator"
	"kestrel/internal/strategy"
)

// RSIReversionName is the registry name of RSIReversion.
const RSIReversionName = "rsi_reversion"

var (
	_ strategy.Strategy          = (*RSIReversion)(nil)
	_ strategy.IndicatorProvider = (*RSIReversion)(nil)
)

// RSIReversion buys when RSI drops below the oversold threshold and exits
// once it recovers to the midline. With allow_short it mirrors the rule
// above the overbought threshold.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
	exitLevel  float64
	size       float64
	allowShort bool
	protect    protection
}

// NewRSIReversionFromParams builds an RSIReversion from period, oversold,
// overbought, exit_level, size, allow_short, stop_loss_pct and
// take_profit_pct.
func NewRSIReversionFromParams(m map[string]string) (strategy.Strategy, error) {
	p := &params{m: m}
	s := &RSIReversion{
		period:     p.int("period", 14),
		oversold:   p.float("oversold", 30),
		overbought: p.float("overbought", 70),
		exitLevel:  p.float("exit_level", 50),
		size:       p.float("size", 100),
		allowShort: p.bool("allow_short", false),
		protect:    p.protection(),
	}
	if p.err != nil {
		return nil, fmt.Errorf("rsi_reversion: %w", p.err)
	}
	if s.period <= 0 {
		return nil, fmt.Errorf("rsi_reversion: period must be positive, got %d", s.period)
	}
	if !(0 < s.oversold && s.oversold < s.exitLevel && s.exitLevel < s.overbought && s.overbought < 100) {
		return nil, fmt.Errorf("rsi_reversion: need 0 < oversold < exit_level < overbought < 100")
	}
	if !(s.size > 0) {
		return nil, fmt.Errorf("rsi_reversion: size must be positive, got %v", s.size)
	}
	if err := s.protect.validate(); err != nil {
		return nil, fmt.Errorf("rsi_reversion: %w", err)
	}
	return s, nil
}

func (s *RSIReversion) Name() string { return RSIReversionName }

func (s *RSIReversion) Init(_ context.Context) error { return nil }

func (s *RSIReversion) Indicators() []indicator.Spec {
	period := s.period
	return []indicator.Spec{
		{Name: "rsi", New: func() indicator.Indicator { return indicator.NewRSI(period) }},
	}
}

func (s *RSIReversion) OnBar(_ context.Context, v *strategy.View) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, sym := range v.Symbols() {
		rsi, ok := v.Indicator(sym, "rsi")
		if !ok {
			continue
		}
		pos := v.Position(sym)
		switch {
		case pos.Qty > 0 && rsi >= s.exitLevel, pos.Qty < 0 && rsi <= s.exitLevel:
			if exit, ok := v.Exit(sym); ok {
				exit.Reason = fmt.Sprintf("rsi %.1f back to %.0f", rsi, s.exitLevel)
				out = append(out, exit)
			}
		case pos.IsFlat() && rsi < s.oversold:
			sig := v.Entry(sym, domain.SideBuy, s.size)
			sig.Reason = fmt.Sprintf("rsi %.1f oversold", rsi)
			s.protect.apply(&sig)
			out = append(out, sig)
		case pos.IsFlat() && rsi > s.overbought && s.allowShort:
			sig := v.Entry(sym, domain.SideSell, s.size)
			sig.Reason = fmt.Sprintf("rsi %.1f overbought", rsi)
			s.protect.apply(&sig)
			out = append(out, sig)
		}
	}
	return out, nil
}
