package domain

import (
	"fmt"
	"math"
)

// LevelUnit tags how a protective level's value is interpreted.
type LevelUnit string

const (
	// LevelPrice is an absolute price.
	LevelPrice LevelUnit = "price"
	// LevelAbsolute is a currency distance from the entry price.
	LevelAbsolute LevelUnit = "absolute"
	// LevelPercent is a percentage distance from the entry price.
	LevelPercent LevelUnit = "percent"
	// LevelPips is a distance in pips (points), scaled by the symbol pip size.
	LevelPips LevelUnit = "pips"
)

// Level is a unit-tagged stop-loss or take-profit. The zero value means no
// level is attached.
type Level struct {
	Unit  LevelUnit
	Value float64
}

func PriceLevel(v float64) Level    { return Level{Unit: LevelPrice, Value: v} }
func AbsoluteLevel(v float64) Level { return Level{Unit: LevelAbsolute, Value: v} }
func PercentLevel(v float64) Level  { return Level{Unit: LevelPercent, Value: v} }
func PipsLevel(v float64) Level     { return Level{Unit: LevelPips, Value: v} }

// IsSet reports whether a level is attached.
func (l Level) IsSet() bool { return l.Unit != "" }

// LevelKind distinguishes the two protective roles.
type LevelKind int

const (
	StopLossLevel LevelKind = iota
	TakeProfitLevel
)

func (k LevelKind) String() string {
	if k == TakeProfitLevel {
		return "take_profit"
	}
	return "stop_loss"
}

// Resolve converts l into an absolute price for a position opened on side at
// reference price ref. The result must be positive and lie strictly on the
// protective side of ref: below for a long stop-loss, above for a long
// take-profit, mirrored for shorts.
func (l Level) Resolve(ref float64, side Side, kind LevelKind, pipSize float64) (float64, error) {
	if !l.IsSet() {
		return 0, nil
	}
	if math.IsNaN(l.Value) || math.IsInf(l.Value, 0) || l.Value <= 0 {
		return 0, fmt.Errorf("%s: value must be positive, got %v", kind, l.Value)
	}

	var offset float64
	switch l.Unit {
	case LevelPrice:
		offset = math.Abs(ref - l.Value)
	case LevelAbsolute:
		offset = l.Value
	case LevelPercent:
		offset = ref * l.Value / 100
	case LevelPips:
		if pipSize <= 0 {
			return 0, fmt.Errorf("%s: pip size must be positive, got %v", kind, pipSize)
		}
		offset = l.Value * pipSize
	default:
		return 0, fmt.Errorf("%s: unknown unit %q", kind, l.Unit)
	}

	// below is true when the level sits under the reference price.
	below := (side == SideBuy) == (kind == StopLossLevel)

	var price float64
	if l.Unit == LevelPrice {
		price = l.Value
		if below && price >= ref || !below && price <= ref {
			return 0, fmt.Errorf("%s: price %v is on the wrong side of %v for a %s", kind, price, ref, side)
		}
	} else if below {
		price = ref - offset
	} else {
		price = ref + offset
	}

	if offset == 0 || price <= 0 {
		return 0, fmt.Errorf("%s: resolves to %v from reference %v", kind, price, ref)
	}
	return price, nil
}
