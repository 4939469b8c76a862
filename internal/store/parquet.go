package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"ratchet/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using Parquet files on disk.
type ParquetStore struct {
	DataDir string
	Market  string
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory for the US market.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: "us"}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for minute bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// TradeRow is the Parquet schema of a trade export. Exits are summarised by
// their share-weighted price and the time of the last fill.
type TradeRow struct {
	Symbol       string  `parquet:"symbol"`
	Strategy     string  `parquet:"strategy"`
	EntryTime    int64   `parquet:"entry_time,timestamp(millisecond)"`
	EntryPrice   float64 `parquet:"entry_price"`
	Quantity     int64   `parquet:"quantity"`
	InitialStop  float64 `parquet:"initial_stop"`
	ExitTime     int64   `parquet:"exit_time,timestamp(millisecond)"`
	AvgExitPrice float64 `parquet:"avg_exit_price"`
	Fills        int32   `parquet:"fills"`
	PnL          float64 `parquet:"pnl"`
	RMultiple    float64 `parquet:"r_multiple"`
	ExitReason   string  `parquet:"exit_reason"`
	HoldSeconds  int64   `parquet:"hold_seconds"`
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bars to Parquet files organized by symbol and UTC date,
// merging with what is already on disk:
//
//	<DataDir>/<market>/1min/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string // YYYY-MM-DD
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), date: b.Timestamp.UTC().Format("2006-01-02")}
		groups[k] = append(groups[k], BarRecord{
			Symbol:     k.symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
	}

	for k, records := range groups {
		t, _ := time.Parse("2006-01-02", k.date)
		path := s.barPath(k.symbol, t)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// ReadBars reads bars for the given symbol and time range, one file per UTC
// day. Missing days are skipped.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	first := time.Date(start.UTC().Year(), start.UTC().Month(), start.UTC().Day(), 0, 0, 0, 0, time.UTC)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.barPath(symbol, d)
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).UTC()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:     r.Symbol,
				Timestamp:  ts,
				Open:       r.Open,
				High:       r.High,
				Low:        r.Low,
				Close:      r.Close,
				Volume:     r.Volume,
				TradeCount: r.TradeCount,
				VWAP:       r.VWAP,
			})
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have minute bars.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, s.Market, "1min")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Trade export
// ---------------------------------------------------------------------------

// WriteTradeRecords exports closed trades to a single Parquet file.
func WriteTradeRecords(path string, trades []domain.TradeRecord) error {
	rows := make([]TradeRow, len(trades))
	for i, t := range trades {
		rows[i] = TradeRow{
			Symbol:       t.Symbol,
			Strategy:     t.Strategy,
			EntryTime:    t.EntryTime.UnixMilli(),
			EntryPrice:   t.EntryPrice,
			Quantity:     t.Quantity,
			InitialStop:  t.InitialStop,
			ExitTime:     t.ExitTime().UnixMilli(),
			AvgExitPrice: t.AvgExitPrice(),
			Fills:        int32(len(t.Exits)),
			PnL:          t.PnL,
			RMultiple:    t.RMultiple,
			ExitReason:   string(t.ExitReason),
			HoldSeconds:  int64(t.HoldDuration / time.Second),
		}
	}
	if err := writeParquetFile(path, rows); err != nil {
		return fmt.Errorf("writing trades to %s: %w", path, err)
	}
	return nil
}

// ReadTradeRows reads a file written by WriteTradeRecords.
func ReadTradeRows(path string) ([]TradeRow, error) {
	return readParquetFile[TradeRow](path)
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// barPath returns the filesystem path for a minute bar Parquet file.
// Layout: <dataDir>/<market>/1min/<SYMBOL>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) barPath(symbol string, t time.Time) string {
	date := t.Format("2006-01-02")
	return filepath.Join(s.DataDir, s.Market, "1min", strings.ToUpper(symbol), date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (symbol, timestamp), preferring
// new records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		symbol string
		ts     int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Timestamp}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
