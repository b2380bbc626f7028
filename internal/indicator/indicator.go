// Package indicator derives auxiliary per-bar series from a bar stream. Each
// indicator consumes bars one at a time and reports a value once it has seen
// enough history.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"kestrel/internal/domain"
)

// Indicator is the minimal interface indicators must implement.
type Indicator interface {
	// Add feeds the next bar.
	Add(bar domain.Bar)
	// Value returns (value, ok). ok is false while warming up.
	Value() (float64, bool)
}

// Spec names an indicator and builds fresh instances of it, one per symbol.
type Spec struct {
	Name string
	New  func() Indicator
}

// SMA computes a simple moving average of closes.
type SMA struct {
	period int
	buf    *ring
	sum    float64
}

func NewSMA(period int) *SMA {
	if period <= 0 {
		period = 1
	}
	return &SMA{period: period, buf: newRing(period)}
}

func (m *SMA) Add(b domain.Bar) {
	old, full := m.buf.push(b.Close)
	if full {
		m.sum -= old
	}
	m.sum += b.Close
}

func (m *SMA) Value() (float64, bool) {
	if m.buf.len() < m.period {
		return 0, false
	}
	return m.sum / float64(m.period), true
}

// EMA computes an exponential moving average of closes, seeded with the SMA
// of the first period closes.
type EMA struct {
	period int
	alpha  float64
	seed   float64
	count  int
	value  float64
}

func NewEMA(period int) *EMA {
	if period <= 0 {
		period = 1
	}
	return &EMA{period: period, alpha: 2 / float64(period+1)}
}

func (e *EMA) Add(b domain.Bar) {
	e.count++
	if e.count <= e.period {
		e.seed += b.Close
		if e.count == e.period {
			e.value = e.seed / float64(e.period)
		}
		return
	}
	e.value = e.alpha*b.Close + (1-e.alpha)*e.value
}

func (e *EMA) Value() (float64, bool) {
	if e.count < e.period {
		return 0, false
	}
	return e.value, true
}

// RSI computes Wilder's relative strength index over close-to-close changes.
type RSI struct {
	period    int
	prevClose float64
	count     int
	avgGain   float64
	avgLoss   float64
}

func NewRSI(period int) *RSI {
	if period <= 0 {
		period = 14
	}
	return &RSI{period: period}
}

func (r *RSI) Add(b domain.Bar) {
	r.count++
	if r.count == 1 {
		r.prevClose = b.Close
		return
	}
	change := b.Close - r.prevClose
	r.prevClose = b.Close
	gain, loss := math.Max(change, 0), math.Max(-change, 0)

	n := r.count - 1
	p := float64(r.period)
	if n <= r.period {
		// Warm-up: plain average of the first period changes.
		r.avgGain += gain / p
		r.avgLoss += loss / p
		return
	}
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
}

func (r *RSI) Value() (float64, bool) {
	if r.count-1 < r.period {
		return 0, false
	}
	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs), true
}

// ATR computes Wilder's average true range.
type ATR struct {
	period    int
	prevClose float64
	count     int
	value     float64
}

func NewATR(period int) *ATR {
	if period <= 0 {
		period = 14
	}
	return &ATR{period: period}
}

func (a *ATR) Add(b domain.Bar) {
	tr := b.High - b.Low
	if a.count > 0 {
		tr = math.Max(tr, math.Max(math.Abs(b.High-a.prevClose), math.Abs(b.Low-a.prevClose)))
	}
	a.prevClose = b.Close
	a.count++

	p := float64(a.period)
	if a.count <= a.period {
		a.value += tr / p
		return
	}
	a.value = (a.value*(p-1) + tr) / p
}

func (a *ATR) Value() (float64, bool) {
	if a.count < a.period {
		return 0, false
	}
	return a.value, true
}

// Band selects which Bollinger line an instance reports.
type Band int

const (
	BandMiddle Band = iota
	BandUpper
	BandLower
)

// Bollinger reports one band of a Bollinger envelope: SMA ± k population
// standard deviations.
type Bollinger struct {
	period int
	k      float64
	band   Band
	buf    *ring
}

func NewBollinger(period int, k float64, band Band) *Bollinger {
	if period <= 0 {
		period = 20
	}
	return &Bollinger{period: period, k: k, band: band, buf: newRing(period)}
}

func (bb *Bollinger) Add(b domain.Bar) { bb.buf.push(b.Close) }

func (bb *Bollinger) Value() (float64, bool) {
	n := bb.buf.len()
	if n < bb.period {
		return 0, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += bb.buf.get(i)
	}
	mean := sum / float64(n)
	var sq float64
	for i := 0; i < n; i++ {
		d := bb.buf.get(i) - mean
		sq += d * d
	}
	sd := math.Sqrt(sq / float64(n))

	switch bb.band {
	case BandUpper:
		return mean + bb.k*sd, true
	case BandLower:
		return mean - bb.k*sd, true
	default:
		return mean, true
	}
}

// Set is the collection of indicator instances for one symbol.
type Set struct {
	names []string
	inds  map[string]Indicator
}

// NewSet instantiates every spec. Names must be unique.
func NewSet(specs []Spec) (*Set, error) {
	s := &Set{inds: make(map[string]Indicator, len(specs))}
	for _, sp := range specs {
		if sp.Name == "" || sp.New == nil {
			return nil, fmt.Errorf("indicator: spec needs a name and constructor")
		}
		if _, dup := s.inds[sp.Name]; dup {
			return nil, fmt.Errorf("indicator: duplicate name %q", sp.Name)
		}
		s.inds[sp.Name] = sp.New()
		s.names = append(s.names, sp.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Add feeds b to every indicator in the set.
func (s *Set) Add(b domain.Bar) {
	for _, name := range s.names {
		s.inds[name].Add(b)
	}
}

// Values returns the indicators that are past warm-up.
func (s *Set) Values() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for _, name := range s.names {
		if v, ok := s.inds[name].Value(); ok {
			out[name] = v
		}
	}
	return out
}
