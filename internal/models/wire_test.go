package models

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

func wireRow(openTime time.Time, unit time.Duration) []string {
	ts := openTime.UnixNano() / int64(unit)
	closeTS := openTime.Add(time.Minute).UnixNano()/int64(unit) - 1
	return []string{
		strconv.FormatInt(ts, 10),
		"42000.01", "42010.50", "41990.00", "42005.25",
		"12.34567",
		strconv.FormatInt(closeTS, 10),
		"518451.77",
		"1234",
		"6.1", "256225.88",
		"0",
	}
}

func TestDetectTimestampUnit(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"milliseconds", "1710028800000", time.Millisecond, false},
		{"microseconds", "1710028800000000", time.Microsecond, false},
		{"seconds rejected", "1710028800", 0, true},
		{"nanoseconds rejected", "1710028800000000000", 0, true},
		{"negative rejected", "-710028800000", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectTimestampUnit(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWireRow(t *testing.T) {
	open := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	for _, unit := range []time.Duration{time.Millisecond, time.Microsecond} {
		row := wireRow(open, unit)
		c, err := ParseWireRow(row, timeutil.Minute1, unit)
		require.NoError(t, err)

		assert.Equal(t, open, c.OpenTime)
		assert.Equal(t, open.Add(time.Minute-time.Nanosecond), c.CloseTime, "close time is derived, not trusted")
		assert.Equal(t, 42000.01, c.Open)
		assert.Equal(t, 42010.50, c.High)
		assert.Equal(t, 41990.00, c.Low)
		assert.Equal(t, 42005.25, c.Close)
		assert.Equal(t, 12.34567, c.Volume)
		assert.Equal(t, 518451.77, c.QuoteVolume)
		assert.Equal(t, int64(1234), c.TradeCount)
		assert.Equal(t, 6.1, c.TakerBuyBaseVolume)
		assert.Equal(t, 256225.88, c.TakerBuyQuoteVolume)
	}
}

func TestParseWireRowBadValues(t *testing.T) {
	open := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	row := wireRow(open, time.Millisecond)
	row[1] = "not-a-price"
	_, err := ParseWireRow(row, timeutil.Minute1, time.Millisecond)
	assert.Error(t, err)

	row = wireRow(open, time.Millisecond)
	row[8] = "1.5"
	_, err = ParseWireRow(row, timeutil.Minute1, time.Millisecond)
	assert.Error(t, err, "trade count must be integral")

	_, err = ParseWireRow([]string{"1710028800000"}, timeutil.Minute1, time.Millisecond)
	assert.Error(t, err, "short row")
}

func TestParseWireRowsDetectsUnitFromFirstRow(t *testing.T) {
	open := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	rows := [][]string{
		wireRow(open, time.Microsecond),
		wireRow(open.Add(time.Minute), time.Microsecond),
	}

	candles, err := ParseWireRows(rows, timeutil.Minute1)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, open, candles[0].OpenTime)
	assert.Equal(t, open.Add(time.Minute), candles[1].OpenTime)
}

func TestParseWireRowsEmpty(t *testing.T) {
	candles, err := ParseWireRows(nil, timeutil.Minute1)
	require.NoError(t, err)
	assert.Empty(t, candles)
}
