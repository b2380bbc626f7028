package us

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCSVSymbols(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "symbols.csv")
	csv := "symbol,description,exchange\nAAPL,Apple,NASDAQ\n msft ,Microsoft,NASDAQ\nAAPL,Duplicate,NASDAQ\n,Blank,NYSE\nBRK.B\n"
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	symbols, err := LoadCSVSymbols(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"AAPL", "MSFT", "BRK.B"}
	if len(symbols) != len(want) {
		t.Fatalf("LoadCSVSymbols() = %v, want %v", symbols, want)
	}
	for i := range want {
		if symbols[i] != want[i] {
			t.Errorf("symbols[%d] = %q, want %q", i, symbols[i], want[i])
		}
	}
}

func TestLoadCSVSymbolsHeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	if err := os.WriteFile(path, []byte("symbol\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	symbols, err := LoadCSVSymbols(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(symbols) != 0 {
		t.Errorf("LoadCSVSymbols() = %v, want empty", symbols)
	}
}

func TestLoadCSVSymbolsMissingFile(t *testing.T) {
	if _, err := LoadCSVSymbols(filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Error("LoadCSVSymbols() of a missing file succeeded, want error")
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{"aapl", " MSFT", "AAPL", "", "spy "})
	want := []string{"AAPL", "MSFT", "SPY"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeSymbols() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
