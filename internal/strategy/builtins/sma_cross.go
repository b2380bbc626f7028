// Package builtins provides built-in strategy implementations that ship with
// kestrel.
package builtins

import (
	"context"
	"fmt"

	"kestrel/internal/domain"
	"kestrel/internal/indicator"
	"kestrel/internal/strategy"
)

// SMACrossName is the registry name of SMACross.
const SMACrossName = "sma_cross"

// Compile-time interface checks.
var (
	_ strategy.Strategy          = (*SMACross)(nil)
	_ strategy.IndicatorProvider = (*SMACross)(nil)
)

// SMACross implements a simple moving average crossover strategy. It goes
// long when the short-period SMA crosses above the long-period SMA and
// closes (or reverses, with allow_short) when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	size        float64
	allowShort  bool
	protect     protection

	// prev is the last short-minus-long spread per symbol.
	prev map[string]float64
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods, trading size units per entry.
func NewSMACross(short, long int, size float64) (*SMACross, error) {
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("sma_cross: need 0 < short < long, got %d/%d", short, long)
	}
	if !(size > 0) {
		return nil, fmt.Errorf("sma_cross: size must be positive, got %v", size)
	}
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		size:        size,
		prev:        make(map[string]float64),
	}, nil
}

// NewSMACrossFromParams builds an SMACross from short, long, size,
// allow_short, stop_loss_pct and take_profit_pct.
func NewSMACrossFromParams(m map[string]string) (strategy.Strategy, error) {
	p := &params{m: m}
	short := p.int("short", 10)
	long := p.int("long", 30)
	size := p.float("size", 100)
	allowShort := p.bool("allow_short", false)
	pr := p.protection()
	if p.err != nil {
		return nil, fmt.Errorf("sma_cross: %w", p.err)
	}
	if err := pr.validate(); err != nil {
		return nil, fmt.Errorf("sma_cross: %w", err)
	}
	s, err := NewSMACross(short, long, size)
	if err != nil {
		return nil, err
	}
	s.allowShort = allowShort
	s.protect = pr
	return s, nil
}

// Name returns "sma_cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// Init resets crossover state.
func (s *SMACross) Init(_ context.Context) error {
	s.prev = make(map[string]float64)
	return nil
}

// Indicators requests the two moving averages.
func (s *SMACross) Indicators() []indicator.Spec {
	short, long := s.shortPeriod, s.longPeriod
	return []indicator.Spec{
		{Name: "sma_short", New: func() indicator.Indicator { return indicator.NewSMA(short) }},
		{Name: "sma_long", New: func() indicator.Indicator { return indicator.NewSMA(long) }},
	}
}

// OnBar emits signals on crossovers.
func (s *SMACross) OnBar(_ context.Context, v *strategy.View) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, sym := range v.Symbols() {
		short, ok1 := v.Indicator(sym, "sma_short")
		long, ok2 := v.Indicator(sym, "sma_long")
		if !ok1 || !ok2 {
			continue
		}
		spread := short - long
		prev, seen := s.prev[sym]
		s.prev[sym] = spread
		if !seen {
			continue
		}

		switch {
		case prev <= 0 && spread > 0:
			out = append(out, reverse(v, sym, domain.SideBuy, s.size, s.allowShort, s.protect, "sma cross up")...)
		case prev >= 0 && spread < 0:
			out = append(out, reverse(v, sym, domain.SideSell, s.size, s.allowShort, s.protect, "sma cross down")...)
		}
	}
	return out, nil
}
