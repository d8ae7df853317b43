package utils

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"donchianbot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarsRoundTrip(t *testing.T) {
	open := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "BTCUSDT", Interval: "1h", OpenTime: open.Add(time.Hour), CloseTime: open.Add(2 * time.Hour), Open: 101, High: 103, Low: 100, Close: 102.5, Volume: 12.25},
		{Symbol: "BTCUSDT", Interval: "1h", OpenTime: open, CloseTime: open.Add(time.Hour), Open: 100, High: 102, Low: 99, Close: 101, Volume: 10},
	}
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, WriteBarsToCSV(bars, path))

	got, err := ReadBarsFromCSV(path, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, open, got[0].OpenTime, "bars are sorted by open time")
	assert.Equal(t, 102.5, got[1].Close)
	assert.Equal(t, "BTCUSDT", got[1].Symbol)
	assert.True(t, got[1].IsFinal)
}

func TestDecodeBars_EpochMillisAndSymbolOverride(t *testing.T) {
	in := "open_time,open,high,low,close,volume,ignored\n" +
		"1709251200000,100,101,99,100.5,7,x\n"
	bars, err := DecodeBars(strings.NewReader(in), "ETHUSDT")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), bars[0].OpenTime)
	assert.Equal(t, "ETHUSDT", bars[0].Symbol)
}

func TestDecodeBars_Errors(t *testing.T) {
	tests := map[string]string{
		"missing column": "open_time,open,high,low,close\n",
		"bad number":     "open_time,open,high,low,close,volume\n2024-03-01T00:00:00Z,abc,1,1,1,1\n",
		"bad time":       "open_time,open,high,low,close,volume\nyesterday,1,1,1,1,1\n",
		"high below low": "open_time,open,high,low,close,volume\n2024-03-01T00:00:00Z,1,1,2,1,1\n",
		"empty":          "",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBars(strings.NewReader(in), "")
			assert.Error(t, err)
		})
	}
}

func TestTradesRoundTrip(t *testing.T) {
	entry := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := []domain.Trade{
		{Symbol: "BTCUSDT", Side: domain.Long, EntryPrice: 100, ExitPrice: 95, Size: 0.1, PNL: -5, EntryTime: entry, ExitTime: entry.Add(time.Hour), CloseReason: domain.CloseReasonStopLoss},
		{Symbol: "ETHUSDT", Side: domain.Short, EntryPrice: 50, ExitPrice: 45, Size: 2, PNL: 9.9, Fees: 0.1, EntryTime: entry, ExitTime: entry.Add(2 * time.Hour), CloseReason: domain.CloseReasonEndOfData},
	}
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, WriteTradesToCSV(trades, path))

	got, err := ReadTradesFromCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range trades {
		want := trades[i]
		want.ID = int64(i + 1)
		assert.Equal(t, want, got[i])
	}
}

func TestDecodeTrades_BadHeader(t *testing.T) {
	_, err := DecodeTrades(strings.NewReader("a,b,c\n"))
	assert.Error(t, err)
	_, err = DecodeTrades(strings.NewReader(""))
	assert.Error(t, err)
}

func TestEncodeEquity(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, EncodeEquity(&buf, []domain.EquityPoint{{Time: ts, Equity: 1000, Drawdown: 0.05}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "time,equity,realized,unrealized,drawdown", lines[0])
	assert.Equal(t, "2024-03-01T00:00:00Z,1000,0,0,0.05", lines[1])
}
