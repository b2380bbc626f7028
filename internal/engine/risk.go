package engine

import (
	"fmt"
	"math"

	"kestrel/internal/domain"
)

// RiskManager enforces pre-trade limits on entry signals. A zero limit
// disables the check.
type RiskManager struct {
	maxPositionPct float64
}

// NewRiskManager creates a RiskManager.
//
//   - maxPositionPct: maximum fraction of equity one symbol's exposure may
//     reach after the order fills (e.g. 0.10 for 10%).
func NewRiskManager(maxPositionPct float64) *RiskManager {
	return &RiskManager{maxPositionPct: maxPositionPct}
}

// CheckEntry evaluates an entry of qty on side at price ref against the
// current position and account equity.
func (rm *RiskManager) CheckEntry(side domain.Side, qty, ref float64, pos domain.Position, equity float64) error {
	if rm == nil || rm.maxPositionPct <= 0 {
		return nil
	}
	after := math.Abs(pos.Qty+side.Sign()*qty) * ref
	limit := rm.maxPositionPct * equity
	if after > limit {
		return fmt.Errorf("exposure %.2f would exceed %.2f (%.1f%% of equity %.2f)",
			after, limit, rm.maxPositionPct*100, equity)
	}
	return nil
}
