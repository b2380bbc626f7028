// Package feed provides the read-only, strictly time-ordered bar sequence the
// execution engine steps through. A Feed is immutable after construction and
// may be shared by any number of concurrent backtests.
package feed

import (
	"fmt"
	"math"
	"sort"
	"time"

	"kestrel/internal/domain"
)

// Error describes a missing or malformed bar. It wraps domain.ErrFeed.
type Error struct {
	Symbol    string
	Timestamp time.Time
	Reason    string
}

func (e *Error) Error() string {
	if e.Timestamp.IsZero() {
		return fmt.Sprintf("feed: %s: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("feed: %s @ %s: %s", e.Symbol, e.Timestamp.Format(time.RFC3339), e.Reason)
}

func (e *Error) Unwrap() error { return domain.ErrFeed }

// Feed holds validated bars for one or more symbols at a single timeframe.
type Feed struct {
	timeframe domain.Timeframe
	symbols   []string
	series    map[string][]domain.Bar

	// timeline is the sorted union of all bar timestamps.
	timeline []time.Time
	// slots[i] maps symbol to its bar index at timeline[i].
	slots []map[string]int
	index map[int64]int
}

// New validates bars and builds a Feed. Bars for each symbol must already be
// in strictly increasing timestamp order; a duplicate or regressing timestamp
// is a feed error, never silently reordered.
func New(tf domain.Timeframe, bars []domain.Bar) (*Feed, error) {
	if !tf.Valid() {
		return nil, fmt.Errorf("feed: unknown timeframe %q: %w", tf, domain.ErrFeed)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("feed: no bars: %w", domain.ErrFeed)
	}

	f := &Feed{
		timeframe: tf,
		series:    make(map[string][]domain.Bar),
		index:     make(map[int64]int),
	}

	for _, b := range bars {
		if err := validateBar(b); err != nil {
			return nil, err
		}
		s := f.series[b.Symbol]
		if n := len(s); n > 0 && !b.Timestamp.After(s[n-1].Timestamp) {
			return nil, &Error{Symbol: b.Symbol, Timestamp: b.Timestamp,
				Reason: fmt.Sprintf("timestamp not after previous bar %s", s[n-1].Timestamp.Format(time.RFC3339))}
		}
		f.series[b.Symbol] = append(s, b)
	}

	for sym := range f.series {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)

	seen := make(map[int64]struct{})
	for _, s := range f.series {
		for _, b := range s {
			k := b.Timestamp.UnixNano()
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				f.timeline = append(f.timeline, b.Timestamp)
			}
		}
	}
	sort.Slice(f.timeline, func(i, j int) bool { return f.timeline[i].Before(f.timeline[j]) })

	f.slots = make([]map[string]int, len(f.timeline))
	for i, ts := range f.timeline {
		f.index[ts.UnixNano()] = i
		f.slots[i] = make(map[string]int, len(f.symbols))
	}
	for sym, s := range f.series {
		for j, b := range s {
			f.slots[f.index[b.Timestamp.UnixNano()]][sym] = j
		}
	}

	return f, nil
}

func validateBar(b domain.Bar) error {
	fail := func(reason string) error {
		return &Error{Symbol: b.Symbol, Timestamp: b.Timestamp, Reason: reason}
	}
	if b.Symbol == "" {
		return fail("empty symbol")
	}
	if b.Timestamp.IsZero() {
		return fail("missing timestamp")
	}
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fail(fmt.Sprintf("non-positive or non-finite price in %v/%v/%v/%v", b.Open, b.High, b.Low, b.Close))
		}
	}
	if b.High < b.Low || b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) {
		return fail(fmt.Sprintf("inconsistent range o=%v h=%v l=%v c=%v", b.Open, b.High, b.Low, b.Close))
	}
	if b.Volume < 0 {
		return fail(fmt.Sprintf("negative volume %d", b.Volume))
	}
	return nil
}

// Timeframe returns the bar interval.
func (f *Feed) Timeframe() domain.Timeframe { return f.timeframe }

// Symbols returns the sorted symbol universe.
func (f *Feed) Symbols() []string {
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// HasSymbol reports whether sym has any bars.
func (f *Feed) HasSymbol(sym string) bool {
	_, ok := f.series[sym]
	return ok
}

// Len returns the number of distinct timestamps.
func (f *Feed) Len() int { return len(f.timeline) }

// Timestamp returns the i-th timestamp of the union timeline.
func (f *Feed) Timestamp(i int) time.Time { return f.timeline[i] }

// Timestamps returns a copy of the union timeline.
func (f *Feed) Timestamps() []time.Time {
	out := make([]time.Time, len(f.timeline))
	copy(out, f.timeline)
	return out
}

// IndexOf returns the timeline position of ts.
func (f *Feed) IndexOf(ts time.Time) (int, bool) {
	i, ok := f.index[ts.UnixNano()]
	return i, ok
}

// BarsAt returns every bar stamped at timeline position i, keyed by symbol.
func (f *Feed) BarsAt(i int) map[string]domain.Bar {
	out := make(map[string]domain.Bar, len(f.slots[i]))
	for sym, j := range f.slots[i] {
		out[sym] = f.series[sym][j]
	}
	return out
}

// Bar returns sym's bar at timeline position i, if it has one.
func (f *Feed) Bar(i int, sym string) (domain.Bar, bool) {
	j, ok := f.slots[i][sym]
	if !ok {
		return domain.Bar{}, false
	}
	return f.series[sym][j], true
}

// Series returns a copy of sym's bars.
func (f *Feed) Series(sym string) []domain.Bar {
	s := f.series[sym]
	out := make([]domain.Bar, len(s))
	copy(out, s)
	return out
}

// Start returns the first timestamp.
func (f *Feed) Start() time.Time { return f.timeline[0] }

// End returns the last timestamp.
func (f *Feed) End() time.Time { return f.timeline[len(f.timeline)-1] }
