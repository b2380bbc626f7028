package domain

import (
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if bar.Open != 0 || bar.High != 0 || bar.Low != 0 || bar.Close != 0 {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	// Zero-value Signal carries no protective levels.
	sig := Signal{}
	if sig.StopLoss.IsSet() || sig.TakeProfit.IsSet() {
		t.Error("expected unset protective levels for zero-value Signal")
	}

	// Verify enum constants are defined correctly.
	if SideBuy != "buy" || SideSell != "sell" {
		t.Errorf("Side constants = %q/%q, want buy/sell", SideBuy, SideSell)
	}
	if OrderStatusPending != "pending" {
		t.Errorf("OrderStatusPending = %q, want %q", OrderStatusPending, "pending")
	}
	if MarketUS != "us" || MarketCrypto != "crypto" {
		t.Error("Market constants have unexpected values")
	}

	now := time.Now()
	signal := Signal{
		ID:        "sig-1",
		Timestamp: now,
		Symbol:    "AAPL",
		Side:      SideBuy,
		Action:    ActionEntry,
		Type:      OrderTypeMarket,
		Size:      10,
		StopLoss:  PercentLevel(2),
	}
	if signal.StopLoss.Unit != LevelPercent {
		t.Errorf("signal.StopLoss.Unit = %q, want %q", signal.StopLoss.Unit, LevelPercent)
	}
}

func TestSideHelpers(t *testing.T) {
	if SideBuy.Sign() != 1 || SideSell.Sign() != -1 {
		t.Errorf("Sign() = %v/%v, want 1/-1", SideBuy.Sign(), SideSell.Sign())
	}
	if SideBuy.Opposite() != SideSell {
		t.Errorf("SideBuy.Opposite() = %q, want sell", SideBuy.Opposite())
	}
	if Side("hold").Valid() {
		t.Error("Side(hold).Valid() = true, want false")
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	if err != nil {
		t.Fatalf("ParseTimeframe(1h) returned error: %v", err)
	}
	if tf.Duration() != time.Hour {
		t.Errorf("Duration() = %v, want 1h", tf.Duration())
	}
	if _, err := ParseTimeframe("7m"); err == nil {
		t.Error("ParseTimeframe(7m) should fail")
	}
}

func TestLevelResolve(t *testing.T) {
	tests := []struct {
		name    string
		level   Level
		side    Side
		kind    LevelKind
		want    float64
		wantErr bool
	}{
		{"long percent stop", PercentLevel(5), SideBuy, StopLossLevel, 95, false},
		{"long percent target", PercentLevel(10), SideBuy, TakeProfitLevel, 110, false},
		{"short absolute stop", AbsoluteLevel(3), SideSell, StopLossLevel, 103, false},
		{"short pips target", PipsLevel(50), SideSell, TakeProfitLevel, 99.5, false},
		{"long price stop", PriceLevel(90), SideBuy, StopLossLevel, 90, false},
		{"long price stop wrong side", PriceLevel(105), SideBuy, StopLossLevel, 0, true},
		{"short price target wrong side", PriceLevel(101), SideSell, TakeProfitLevel, 0, true},
		{"negative value", AbsoluteLevel(-1), SideBuy, StopLossLevel, 0, true},
		{"stop below zero", AbsoluteLevel(150), SideBuy, StopLossLevel, 0, true},
		{"unknown unit", Level{Unit: "ticks", Value: 1}, SideBuy, StopLossLevel, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.level.Resolve(100, tt.side, tt.kind, 0.01)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() returned error: %v", err)
			}
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevelResolveUnset(t *testing.T) {
	got, err := Level{}.Resolve(100, SideBuy, StopLossLevel, 0.01)
	if err != nil || got != 0 {
		t.Errorf("Resolve() on unset level = (%v, %v), want (0, nil)", got, err)
	}
}
