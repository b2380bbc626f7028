// Package broker defines the boundary to external execution venues. A venue
// reports the executions it made for exported signal rows so a backtest can
// be reconciled against live trading.
package broker

import (
	"context"
	"time"

	"kestrel/internal/domain"
)

// Broker reports executions made at a venue.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// Fills returns executions filled within [start, end], oldest first.
	Fills(ctx context.Context, start, end time.Time) ([]domain.VenueFill, error)
}
