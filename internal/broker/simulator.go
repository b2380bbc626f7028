package broker

import (
	"context"
	"sort"
	"time"

	"kestrel/internal/domain"
	"kestrel/internal/reconcile"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker is a paper venue that executes every exported row exactly
// as written, optionally shifting prices by a fixed adverse amount. It gives
// the reconciliation path a deterministic counterpart without network access.
type SimulatorBroker struct {
	rows       []reconcile.Row
	lotSize    float64
	slippageBp float64
}

// NewSimulatorBroker creates a SimulatorBroker that replays rows. lotSize
// converts exported lots back to units; slippageBps moves each fill price
// against the order side.
func NewSimulatorBroker(rows []reconcile.Row, lotSize, slippageBps float64) *SimulatorBroker {
	if lotSize <= 0 {
		lotSize = 1
	}
	cp := make([]reconcile.Row, len(rows))
	copy(cp, rows)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	return &SimulatorBroker{rows: cp, lotSize: lotSize, slippageBp: slippageBps}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Fills returns one execution per row inside [start, end].
func (b *SimulatorBroker) Fills(ctx context.Context, start, end time.Time) ([]domain.VenueFill, error) {
	var fills []domain.VenueFill
	for _, r := range b.rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		price := r.FillPrice * (1 + r.Side.Sign()*b.slippageBp/1e4)
		fills = append(fills, domain.VenueFill{
			ClientOrderID: r.ID,
			Symbol:        r.Symbol,
			Side:          r.Side,
			Qty:           r.Lots * b.lotSize,
			Price:         price,
			FilledAt:      r.Timestamp,
		})
	}
	return fills, nil
}
