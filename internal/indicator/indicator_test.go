package indicator_test

import (
	"math"
	"testing"

	"kestrel/internal/domain"
	"kestrel/internal/indicator"
)

func closes(cs ...float64) []domain.Bar {
	out := make([]domain.Bar, len(cs))
	for i, c := range cs {
		out[i] = domain.Bar{Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSMAValues(t *testing.T) {
	sma := indicator.NewSMA(3)
	data := closes(11, 12, 13, 14, 20, 16)
	expected := []float64{0, 0, (11 + 12 + 13) / 3.0, (12 + 13 + 14) / 3.0, (13 + 14 + 20) / 3.0, (14 + 20 + 16) / 3.0}
	for i, d := range data {
		sma.Add(d)
		v, ok := sma.Value()
		if i < 2 {
			if ok {
				t.Fatalf("expected not ready for index %d", i)
			}
			continue
		}
		if !ok || !near(v, expected[i]) {
			t.Fatalf("sma mismatch at %d got %v expected %v", i, v, expected[i])
		}
	}
}

func TestEMASeedsWithSMA(t *testing.T) {
	ema := indicator.NewEMA(3)
	for _, b := range closes(1, 2, 3) {
		ema.Add(b)
	}
	v, ok := ema.Value()
	if !ok || !near(v, 2) {
		t.Fatalf("ema after seed = (%v, %v), want (2, true)", v, ok)
	}
	ema.Add(closes(6)[0])
	v, _ = ema.Value()
	if !near(v, 0.5*6+0.5*2) {
		t.Errorf("ema = %v, want 4", v)
	}
}

func TestRSI(t *testing.T) {
	rsi := indicator.NewRSI(2)
	for _, b := range closes(10, 11) {
		rsi.Add(b)
	}
	if _, ok := rsi.Value(); ok {
		t.Fatal("rsi should still be warming up")
	}
	rsi.Add(closes(12)[0])
	v, ok := rsi.Value()
	if !ok || v != 100 {
		t.Fatalf("rsi of only gains = (%v, %v), want (100, true)", v, ok)
	}
	rsi.Add(closes(11)[0])
	// avgGain = (1*1+0)/2 = 0.5, avgLoss = (0+1)/2 = 0.5 -> rsi 50
	v, _ = rsi.Value()
	if !near(v, 50) {
		t.Errorf("rsi = %v, want 50", v)
	}
}

func TestATR(t *testing.T) {
	atr := indicator.NewATR(3)
	data := []domain.Bar{{High: 16, Low: 10, Close: 12}, {High: 17, Low: 12, Close: 15}, {High: 19, Low: 15, Close: 18}}
	for _, d := range data {
		atr.Add(d)
	}
	v, ok := atr.Value()
	if !ok {
		t.Fatalf("atr not ready")
	}
	if v < 4.9 || v > 5.1 {
		t.Fatalf("atr expected ~5 got %v", v)
	}
}

func TestBollingerBands(t *testing.T) {
	mid := indicator.NewBollinger(4, 2, indicator.BandMiddle)
	up := indicator.NewBollinger(4, 2, indicator.BandUpper)
	lo := indicator.NewBollinger(4, 2, indicator.BandLower)
	for _, b := range closes(2, 4, 4, 6) {
		mid.Add(b)
		up.Add(b)
		lo.Add(b)
	}
	// mean 4, population sd sqrt(2)
	m, _ := mid.Value()
	u, _ := up.Value()
	l, _ := lo.Value()
	if !near(m, 4) || !near(u, 4+2*math.Sqrt2) || !near(l, 4-2*math.Sqrt2) {
		t.Errorf("bands = %v/%v/%v, want 4±2√2", l, m, u)
	}
}

func TestSetValuesOnlyReady(t *testing.T) {
	set, err := indicator.NewSet([]indicator.Spec{
		{Name: "fast", New: func() indicator.Indicator { return indicator.NewSMA(1) }},
		{Name: "slow", New: func() indicator.Indicator { return indicator.NewSMA(3) }},
	})
	if err != nil {
		t.Fatalf("NewSet returned error: %v", err)
	}
	set.Add(closes(5)[0])
	vals := set.Values()
	if _, ok := vals["slow"]; ok {
		t.Error("slow SMA reported before warm-up")
	}
	if vals["fast"] != 5 {
		t.Errorf("fast = %v, want 5", vals["fast"])
	}

	_, err = indicator.NewSet([]indicator.Spec{
		{Name: "x", New: func() indicator.Indicator { return indicator.NewSMA(1) }},
		{Name: "x", New: func() indicator.Indicator { return indicator.NewSMA(2) }},
	})
	if err == nil {
		t.Error("NewSet with duplicate names should fail")
	}
}
