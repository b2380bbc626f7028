package reconcile

import (
	"fmt"
	"math"
	"sort"

	"kestrel/internal/domain"
)

// DiscrepancyKind classifies a mismatch between an exported row and the
// venue's executions.
type DiscrepancyKind string

const (
	Missing    DiscrepancyKind = "missing"    // exported but never executed
	Unexpected DiscrepancyKind = "unexpected" // executed but never exported
	SideDiff   DiscrepancyKind = "side"
	SizeDiff   DiscrepancyKind = "size"
	PriceDiff  DiscrepancyKind = "price"
	SymbolDiff DiscrepancyKind = "symbol"
)

// Discrepancy is one mismatch.
type Discrepancy struct {
	ID       string
	Kind     DiscrepancyKind
	Expected string
	Actual   string
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %s: expected %s, got %s", d.ID, d.Kind, d.Expected, d.Actual)
}

// Tolerance bounds acceptable differences. PriceBps is in basis points of the
// exported price, Qty in units.
type Tolerance struct {
	PriceBps float64
	Qty      float64
	LotSize  float64
}

// Report summarizes a comparison.
type Report struct {
	Rows          int
	Fills         int
	Matched       int
	Discrepancies []Discrepancy
}

// OK reports whether every row matched within tolerance.
func (r Report) OK() bool { return len(r.Discrepancies) == 0 }

// Compare matches rows to venue fills by id. Several venue fills with the
// same client order id (partial executions) are aggregated into one
// quantity-weighted fill before comparison.
func Compare(rows []Row, fills []domain.VenueFill, tol Tolerance) Report {
	lotSize := tol.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}

	agg := make(map[string]*domain.VenueFill)
	var order []string
	for _, f := range fills {
		a, ok := agg[f.ClientOrderID]
		if !ok {
			cp := f
			agg[f.ClientOrderID] = &cp
			order = append(order, f.ClientOrderID)
			continue
		}
		total := a.Qty + f.Qty
		if total > 0 {
			a.Price = (a.Price*a.Qty + f.Price*f.Qty) / total
		}
		a.Qty = total
	}

	rep := Report{Rows: len(rows), Fills: len(fills)}
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.ID] = true
		f, ok := agg[r.ID]
		if !ok {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				ID: r.ID, Kind: Missing, Expected: fmt.Sprintf("%s %v %s", r.Side, r.Lots*lotSize, r.Symbol), Actual: "no fill",
			})
			continue
		}

		before := len(rep.Discrepancies)
		add := func(kind DiscrepancyKind, want, got string) {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{ID: r.ID, Kind: kind, Expected: want, Actual: got})
		}
		if f.Symbol != r.Symbol {
			add(SymbolDiff, r.Symbol, f.Symbol)
		}
		if f.Side != r.Side {
			add(SideDiff, string(r.Side), string(f.Side))
		}
		if want := r.Lots * lotSize; math.Abs(f.Qty-want) > tol.Qty+1e-9 {
			add(SizeDiff, fmt.Sprint(want), fmt.Sprint(f.Qty))
		}
		if bps := math.Abs(f.Price-r.FillPrice) / r.FillPrice * 1e4; bps > tol.PriceBps+1e-9 {
			add(PriceDiff, fmt.Sprint(r.FillPrice), fmt.Sprintf("%v (%.1f bps)", f.Price, bps))
		}
		if len(rep.Discrepancies) == before {
			rep.Matched++
		}
	}

	for _, id := range order {
		if !seen[id] {
			f := agg[id]
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				ID: id, Kind: Unexpected, Expected: "no row", Actual: fmt.Sprintf("%s %v %s @ %v", f.Side, f.Qty, f.Symbol, f.Price),
			})
		}
	}
	sort.SliceStable(rep.Discrepancies, func(i, j int) bool { return rep.Discrepancies[i].ID < rep.Discrepancies[j].ID })
	return rep
}
