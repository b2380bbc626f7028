package reconcile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"kestrel/internal/domain"
)

// Supported export formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

var csvHeader = []string{"id", "timestamp", "symbol", "side", "lots", "fill_price", "stop_loss", "take_profit"}

// rowRecord is the Parquet schema for exported rows.
type rowRecord struct {
	ID         string  `parquet:"id"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Lots       float64 `parquet:"lots"`
	FillPrice  float64 `parquet:"fill_price"`
	StopLoss   float64 `parquet:"stop_loss"`
	TakeProfit float64 `parquet:"take_profit"`
}

// FormatOf maps a file extension to an export format.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".parquet":
		return FormatParquet, nil
	}
	return "", fmt.Errorf("reconcile: unsupported export extension %q", filepath.Ext(path))
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

// WriteCSV writes rows with a header. Prices are written with exactly
// opts.PricePrecision decimals; zero protective prices are left empty.
func WriteCSV(w io.Writer, rows []Row, opts Options) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	price := func(v float64) string {
		if v == 0 {
			return ""
		}
		return decimal.NewFromFloat(v).StringFixed(opts.PricePrecision)
	}
	for _, r := range rows {
		rec := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Symbol,
			string(r.Side),
			decimal.NewFromFloat(r.Lots).StringFixed(opts.LotPrecision),
			price(r.FillPrice),
			price(r.StopLoss),
			price(r.TakeProfit),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses rows written by WriteCSV.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reconcile: reading header: %w", err)
	}
	for i, h := range csvHeader {
		if strings.TrimSpace(header[i]) != h {
			return nil, fmt.Errorf("reconcile: column %d is %q, want %q", i, header[i], h)
		}
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reconcile: line %d: %w", line, err)
		}
		row, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("reconcile: line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(rec []string) (Row, error) {
	ts, err := time.Parse(time.RFC3339, rec[1])
	if err != nil {
		return Row{}, fmt.Errorf("timestamp: %w", err)
	}
	num := func(s string) (float64, error) {
		if s == "" {
			return 0, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, err
		}
		return d.InexactFloat64(), nil
	}

	row := Row{ID: rec[0], Timestamp: ts, Symbol: rec[2], Side: domain.Side(rec[3])}
	fields := []*float64{&row.Lots, &row.FillPrice, &row.StopLoss, &row.TakeProfit}
	for i, dst := range fields {
		if *dst, err = num(rec[4+i]); err != nil {
			return Row{}, fmt.Errorf("%s: %w", csvHeader[4+i], err)
		}
	}
	if err := validateRow(row); err != nil {
		return Row{}, err
	}
	return row, nil
}

// ---------------------------------------------------------------------------
// Parquet
// ---------------------------------------------------------------------------

// WriteParquet writes rows as a Parquet stream.
func WriteParquet(w io.Writer, rows []Row) error {
	return parquet.Write(w, toRecords(rows))
}

func toRecords(rows []Row) []rowRecord {
	recs := make([]rowRecord, len(rows))
	for i, r := range rows {
		recs[i] = rowRecord{
			ID:         r.ID,
			Timestamp:  r.Timestamp.UnixMilli(),
			Symbol:     r.Symbol,
			Side:       string(r.Side),
			Lots:       r.Lots,
			FillPrice:  r.FillPrice,
			StopLoss:   r.StopLoss,
			TakeProfit: r.TakeProfit,
		}
	}
	return recs
}

func fromRecords(recs []rowRecord) ([]Row, error) {
	rows := make([]Row, len(recs))
	for i, r := range recs {
		rows[i] = Row{
			ID:         r.ID,
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Symbol:     r.Symbol,
			Side:       domain.Side(r.Side),
			Lots:       r.Lots,
			FillPrice:  r.FillPrice,
			StopLoss:   r.StopLoss,
			TakeProfit: r.TakeProfit,
		}
		if err := validateRow(rows[i]); err != nil {
			return nil, fmt.Errorf("reconcile: %w", err)
		}
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// Write encodes rows in format to w.
func Write(w io.Writer, format string, rows []Row, opts Options) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rows, opts)
	case FormatParquet:
		return WriteParquet(w, rows)
	}
	return fmt.Errorf("reconcile: unknown format %q", format)
}

// WriteFile writes rows to path, choosing the format from its extension.
func WriteFile(path string, rows []Row, opts Options) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if format == FormatParquet {
		return parquet.WriteFile(path, toRecords(rows))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, rows, opts); err != nil {
		f.Close()
		return fmt.Errorf("reconcile: writing %s: %w", path, err)
	}
	return f.Close()
}

// ReadFile reads rows from a CSV or Parquet export.
func ReadFile(path string) ([]Row, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	if format == FormatParquet {
		recs, err := parquet.ReadFile[rowRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reconcile: reading %s: %w", path, err)
		}
		return fromRecords(recs)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
