// Package metrics computes performance statistics from a finished trade log
// and equity curve. Calculate is a pure function: the same inputs always
// produce bit-identical output.
package metrics

import (
	"math"

	"kestrel/internal/domain"
)

// InfiniteProfitFactor is reported when there are winning trades and no
// losing ones. It is finite so snapshots survive JSON encoding.
const InfiniteProfitFactor = math.MaxFloat64

// MaxRatio bounds ratios that compounding or division can blow up, such as
// annualized return on a short intraday curve.
const MaxRatio = math.MaxFloat64

// DefaultBarsPerYear is used when Options.BarsPerYear is not positive.
const DefaultBarsPerYear = 252

// Options parameterize the risk-adjusted ratios.
type Options struct {
	BarsPerYear   float64
	RiskFreeRate  float64 // annual, as a fraction (0.04 = 4%)
	SortinoTarget float64 // per-bar return below which returns count as downside
}

// Snapshot is the full set of summary statistics for one run. Percentages
// are expressed in percent (5 = 5%).
type Snapshot struct {
	InitialEquity       float64 `json:"initial_equity"`
	FinalEquity         float64 `json:"final_equity"`
	TotalReturnPct      float64 `json:"total_return_pct"`
	AnnualizedReturnPct float64 `json:"annualized_return_pct"`
	Sharpe              float64 `json:"sharpe"`
	Sortino             float64 `json:"sortino"`
	Calmar              float64 `json:"calmar"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`  // <= 0
	MaxDrawdownBars     int     `json:"max_drawdown_bars"` // longest stretch below a prior peak
	Volatility          float64 `json:"volatility"`        // annualized stdev of bar returns, percent

	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRatePct    float64 `json:"win_rate_pct"`
	GrossProfit   float64 `json:"gross_profit"`
	GrossLoss     float64 `json:"gross_loss"` // positive magnitude
	ProfitFactor  float64 `json:"profit_factor"`
	AvgTrade      float64 `json:"avg_trade"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"` // <= 0
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
	Expectancy    float64 `json:"expectancy"`
	Commission    float64 `json:"commission"`
	Slippage      float64 `json:"slippage"`

	Bars        int     `json:"bars"`
	BarsPerYear float64 `json:"bars_per_year"`
}

// Calculate derives a Snapshot from trades and curve.
func Calculate(trades []domain.Trade, curve []domain.EquityPoint, opts Options) Snapshot {
	bpy := opts.BarsPerYear
	if !(bpy > 0) {
		bpy = DefaultBarsPerYear
	}
	s := Snapshot{Bars: len(curve), BarsPerYear: bpy}
	equityStats(&s, curve, bpy, opts)
	tradeStats(&s, trades)
	return s
}

func equityStats(s *Snapshot, curve []domain.EquityPoint, bpy float64, opts Options) {
	if len(curve) == 0 {
		return
	}
	first, last := curve[0].Equity, curve[len(curve)-1].Equity
	s.InitialEquity = first
	s.FinalEquity = last
	if first > 0 {
		s.TotalReturnPct = (last/first - 1) * 100
	}
	if periods := len(curve) - 1; periods > 0 && first > 0 {
		if last <= 0 {
			s.AnnualizedReturnPct = -100
		} else {
			s.AnnualizedReturnPct = bounded((math.Pow(last/first, bpy/float64(periods)) - 1) * 100)
		}
	}

	returns := barReturns(curve)
	rf := opts.RiskFreeRate / bpy
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - rf
	}
	if sd := stdev(excess); sd > 0 {
		s.Sharpe = mean(excess) / sd * math.Sqrt(bpy)
	}
	s.Volatility = stdev(returns) * math.Sqrt(bpy) * 100
	s.Sortino = sortino(returns, opts.SortinoTarget, bpy)

	s.MaxDrawdownPct, s.MaxDrawdownBars = drawdown(curve)
	if s.MaxDrawdownPct < 0 {
		s.Calmar = bounded(s.AnnualizedReturnPct / math.Abs(s.MaxDrawdownPct))
	}
	s.Commission = curve[len(curve)-1].Commission
	s.Slippage = curve[len(curve)-1].Slippage
}

func tradeStats(s *Snapshot, trades []domain.Trade) {
	s.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}
	var total float64
	for _, t := range trades {
		total += t.NetPnL
		switch {
		case t.NetPnL > 0:
			s.WinningTrades++
			s.GrossProfit += t.NetPnL
			if t.NetPnL > s.LargestWin {
				s.LargestWin = t.NetPnL
			}
		case t.NetPnL < 0:
			s.LosingTrades++
			s.GrossLoss -= t.NetPnL
			if t.NetPnL < s.LargestLoss {
				s.LargestLoss = t.NetPnL
			}
		}
	}

	n := float64(len(trades))
	s.WinRatePct = float64(s.WinningTrades) / n * 100
	s.AvgTrade = total / n
	if s.WinningTrades > 0 {
		s.AvgWin = s.GrossProfit / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = -s.GrossLoss / float64(s.LosingTrades)
	}
	s.Expectancy = float64(s.WinningTrades)/n*s.AvgWin + float64(s.LosingTrades)/n*s.AvgLoss
	s.ProfitFactor = ProfitFactor(s.GrossProfit, s.GrossLoss)
}

// bounded clamps v into [-MaxRatio, MaxRatio]. NaN becomes 0.
func bounded(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > MaxRatio:
		return MaxRatio
	case v < -MaxRatio:
		return -MaxRatio
	}
	return v
}

// ProfitFactor returns grossProfit/grossLoss, InfiniteProfitFactor when only
// profit exists and 0 when neither does.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	switch {
	case grossLoss > 0:
		return grossProfit / grossLoss
	case grossProfit > 0:
		return InfiniteProfitFactor
	default:
		return 0
	}
}

// barReturns returns simple bar-over-bar equity returns.
func barReturns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, curve[i].Equity/prev-1)
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev is the sample standard deviation; 0 for fewer than two values.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func sortino(returns []float64, target, bpy float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum, down float64
	for _, r := range returns {
		d := r - target
		sum += d
		if d < 0 {
			down += d * d
		}
	}
	n := float64(len(returns))
	dd := math.Sqrt(down / n)
	if dd == 0 {
		return 0
	}
	return sum / n / dd * math.Sqrt(bpy)
}

// drawdown returns the deepest peak-to-trough decline in percent (<= 0) and
// the longest run of bars spent below a prior peak.
func drawdown(curve []domain.EquityPoint) (float64, int) {
	var (
		peak    = curve[0].Equity
		maxDD   float64
		run     int
		longest int
	)
	for _, p := range curve {
		if p.Equity >= peak {
			peak = p.Equity
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
		if peak > 0 {
			if dd := (p.Equity/peak - 1) * 100; dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, longest
}
