package engine

import (
	"fmt"
	"math"
	"math/rand/v2"

	"kestrel/internal/domain"
)

// Commission model kinds.
const (
	CommissionNone    = "none"
	CommissionFixed   = "fixed"
	CommissionPercent = "percent"
	CommissionPerUnit = "per_unit"
)

// Slippage model kinds.
const (
	SlippageNone    = "none"
	SlippageFixed   = "fixed"
	SlippagePercent = "percent"
	SlippageRandom  = "random"
)

// CommissionConfig selects how commission is charged per fill.
//
//   - fixed: Value per order
//   - percent: Value percent of notional
//   - per_unit: Value per unit of quantity
//
// Minimum, when positive, floors every non-zero charge.
type CommissionConfig struct {
	Model   string
	Value   float64
	Minimum float64
}

// Cost returns the commission for a fill of qty at price.
func (c CommissionConfig) Cost(qty, price float64) float64 {
	var fee float64
	switch c.Model {
	case CommissionFixed:
		fee = c.Value
	case CommissionPercent:
		fee = qty * price * c.Value / 100
	case CommissionPerUnit:
		fee = qty * c.Value
	default:
		return 0
	}
	if c.Minimum > 0 && fee < c.Minimum {
		fee = c.Minimum
	}
	return fee
}

func (c CommissionConfig) validate() error {
	switch c.Model {
	case "", CommissionNone, CommissionFixed, CommissionPercent, CommissionPerUnit:
	default:
		return fmt.Errorf("unknown commission model %q", c.Model)
	}
	if c.Value < 0 || c.Minimum < 0 {
		return fmt.Errorf("commission value and minimum must be non-negative")
	}
	return nil
}

// SlippageConfig selects the adverse price adjustment applied at fill time.
// Fixed is in price units, percent and random in percent of the raw price
// (random draws uniformly from [0, Value]). Every model is scaled by
// 1 + SizeImpact*qty.
type SlippageConfig struct {
	Model        string
	Value        float64
	SizeImpact   float64
	ApplyToLimit bool
	Seed         uint64
}

func (s SlippageConfig) validate() error {
	switch s.Model {
	case "", SlippageNone, SlippageFixed, SlippagePercent, SlippageRandom:
	default:
		return fmt.Errorf("unknown slippage model %q", s.Model)
	}
	if s.Value < 0 || s.SizeImpact < 0 {
		return fmt.Errorf("slippage value and size impact must be non-negative")
	}
	return nil
}

// slipper applies a SlippageConfig. It owns the run's RNG so random slippage
// is reproducible from the seed.
type slipper struct {
	cfg SlippageConfig
	rng *rand.Rand
}

func newSlipper(cfg SlippageConfig) *slipper {
	return &slipper{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// adjust moves raw against the trader. priceProtected marks limit-style
// fills (limit orders and take-profit exits), which only slip when
// ApplyToLimit is set.
func (s *slipper) adjust(raw float64, side domain.Side, qty float64, priceProtected bool) float64 {
	if priceProtected && !s.cfg.ApplyToLimit {
		return raw
	}

	var amount float64
	switch s.cfg.Model {
	case SlippageFixed:
		amount = s.cfg.Value
	case SlippagePercent:
		amount = raw * s.cfg.Value / 100
	case SlippageRandom:
		amount = raw * s.rng.Float64() * s.cfg.Value / 100
	default:
		return raw
	}
	amount *= 1 + s.cfg.SizeImpact*qty

	price := raw + side.Sign()*amount
	// A sell cannot slip to a non-positive price.
	if price <= 0 || math.IsNaN(price) {
		return raw
	}
	return price
}
