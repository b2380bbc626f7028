package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"kestrel/internal/domain"
	"kestrel/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// pageSize is the maximum number of orders Alpaca returns per request.
const pageSize = 500

// orderLister is the subset of the Alpaca trading client used here.
type orderLister interface {
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
}

// AlpacaBroker reads filled orders from the Alpaca trading API. Exported rows
// are submitted with the row id as client order id, which is how fills are
// matched back.
type AlpacaBroker struct {
	client     orderLister
	limiter    *util.RateLimiter
	retryDelay time.Duration
	log        *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client)
}

func newAlpacaBroker(c orderLister) *AlpacaBroker {
	return &AlpacaBroker{
		client:     c,
		limiter:    util.NewRateLimiter(200),
		retryDelay: time.Second,
		log:        slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Fills pages through closed orders submitted after start and returns those
// with a non-zero filled quantity whose fill time falls in [start, end].
func (b *AlpacaBroker) Fills(ctx context.Context, start, end time.Time) ([]domain.VenueFill, error) {
	var fills []domain.VenueFill
	after := start.Add(-time.Nanosecond)
	seen := make(map[string]bool)

	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var page []alpaca.Order
		err := util.Retry(ctx, 3, b.retryDelay, func() error {
			var err error
			page, err = b.client.GetOrders(alpaca.GetOrdersRequest{
				Status:    "closed",
				Limit:     pageSize,
				After:     after,
				Until:     end,
				Direction: "asc",
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("alpaca: listing orders after %s: %w", after.Format(time.RFC3339), err)
		}

		for _, o := range page {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			if f, ok := toVenueFill(o); ok && !f.FilledAt.Before(start) && !f.FilledAt.After(end) {
				fills = append(fills, f)
			}
		}
		b.log.Debug("orders page", "count", len(page), "fills", len(fills))

		if len(page) < pageSize {
			break
		}
		last := page[len(page)-1].SubmittedAt
		if !last.After(after) {
			break
		}
		after = last
	}
	return fills, nil
}

func toVenueFill(o alpaca.Order) (domain.VenueFill, bool) {
	if o.FilledQty.IsZero() || o.FilledAvgPrice == nil || o.FilledAt == nil {
		return domain.VenueFill{}, false
	}
	id := o.ClientOrderID
	if id == "" {
		id = o.ID
	}
	return domain.VenueFill{
		ClientOrderID: id,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Qty:           o.FilledQty.InexactFloat64(),
		Price:         o.FilledAvgPrice.InexactFloat64(),
		FilledAt:      *o.FilledAt,
	}, true
}
