package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"donchianbot/internal/domain"
)

var (
	barHeader    = []string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"}
	tradeHeader  = []string{"timestamp", "symbol", "side", "entry_price", "exit_price", "size", "pnl", "fees", "entry_time", "reason"}
	equityHeader = []string{"time", "equity", "realized", "unrealized", "drawdown"}
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseTime accepts RFC3339 timestamps and Unix epoch milliseconds, the two
// formats exchange exports use.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func writeFile(filename string, encode func(io.Writer) error) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// EncodeBars writes bars as CSV with a header row.
func EncodeBars(w io.Writer, bars []domain.Bar) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(barHeader); err != nil {
		return err
	}
	for _, b := range bars {
		if err := writer.Write([]string{
			b.OpenTime.Format(time.RFC3339),
			b.CloseTime.Format(time.RFC3339),
			b.Symbol,
			b.Interval,
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteBarsToCSV writes bars to a CSV file.
func WriteBarsToCSV(bars []domain.Bar, filename string) error {
	return writeFile(filename, func(w io.Writer) error { return EncodeBars(w, bars) })
}

// DecodeBars reads bars written by EncodeBars. Columns are located by header
// name, so extra columns are ignored. Every decoded bar is final. The result
// is sorted by open time; symbol, when non-empty, overrides the file's column.
func DecodeBars(r io.Reader, symbol string) ([]domain.Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"open_time", "open", "high", "low", "close", "volume"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		b, err := decodeBar(record, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if symbol != "" {
			b.Symbol = symbol
		}
		bars = append(bars, b)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return bars, nil
}

func decodeBar(record []string, col map[string]int) (domain.Bar, error) {
	get := func(name string) string {
		if i, ok := col[name]; ok && i < len(record) {
			return record[i]
		}
		return ""
	}
	var (
		b   = domain.Bar{Symbol: get("symbol"), Interval: get("interval"), IsFinal: true}
		err error
	)
	if b.OpenTime, err = parseTime(get("open_time")); err != nil {
		return b, fmt.Errorf("open_time: %w", err)
	}
	if s := get("close_time"); s != "" {
		if b.CloseTime, err = parseTime(s); err != nil {
			return b, fmt.Errorf("close_time: %w", err)
		}
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
	} {
		if *f.dst, err = strconv.ParseFloat(strings.TrimSpace(get(f.name)), 64); err != nil {
			return b, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if b.High < b.Low {
		return b, fmt.Errorf("high %f below low %f", b.High, b.Low)
	}
	return b, nil
}

// ReadBarsFromCSV loads bars from a CSV file.
func ReadBarsFromCSV(filename, symbol string) ([]domain.Bar, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeBars(file, symbol)
}

// EncodeTrades writes the trade log.
func EncodeTrades(w io.Writer, trades []domain.Trade) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := writer.Write([]string{
			t.ExitTime.Format(time.RFC3339),
			t.Symbol,
			string(t.Side),
			formatFloat(t.EntryPrice),
			formatFloat(t.ExitPrice),
			formatFloat(t.Size),
			formatFloat(t.PNL),
			formatFloat(t.Fees),
			t.EntryTime.Format(time.RFC3339),
			string(t.CloseReason),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteTradesToCSV writes the trade log to a file.
func WriteTradesToCSV(trades []domain.Trade, filename string) error {
	return writeFile(filename, func(w io.Writer) error { return EncodeTrades(w, trades) })
}

// DecodeTrades reads a trade log written by EncodeTrades.
func DecodeTrades(r io.Reader) ([]domain.Trade, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty trade log")
	}
	if len(records[0]) < len(tradeHeader) || records[0][0] != tradeHeader[0] {
		return nil, fmt.Errorf("unexpected trade log header %v", records[0])
	}

	trades := make([]domain.Trade, 0, len(records)-1)
	for i, rec := range records[1:] {
		var (
			t    = domain.Trade{ID: int64(i + 1), Symbol: rec[1], Side: domain.Side(rec[2]), CloseReason: domain.CloseReason(rec[9])}
			errs []error
		)
		parse := func(s string) float64 {
			v, err := strconv.ParseFloat(s, 64)
			errs = append(errs, err)
			return v
		}
		var err error
		t.ExitTime, err = parseTime(rec[0])
		errs = append(errs, err)
		t.EntryPrice = parse(rec[3])
		t.ExitPrice = parse(rec[4])
		t.Size = parse(rec[5])
		t.PNL = parse(rec[6])
		t.Fees = parse(rec[7])
		t.EntryTime, err = parseTime(rec[8])
		errs = append(errs, err)
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ReadTradesFromCSV loads a trade log from a file.
func ReadTradesFromCSV(filename string) ([]domain.Trade, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return DecodeTrades(file)
}

// EncodeEquity writes the equity curve.
func EncodeEquity(w io.Writer, curve []domain.EquityPoint) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(equityHeader); err != nil {
		return err
	}
	for _, p := range curve {
		if err := writer.Write([]string{
			p.Time.Format(time.RFC3339),
			formatFloat(p.Equity),
			formatFloat(p.Realized),
			formatFloat(p.Unrealized),
			formatFloat(p.Drawdown),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteEquityToCSV writes the equity curve to a file.
func WriteEquityToCSV(curve []domain.EquityPoint, filename string) error {
	return writeFile(filename, func(w io.Writer) error { return EncodeEquity(w, curve) })
}
