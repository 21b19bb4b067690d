package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

func minuteCandles(t *testing.T, start time.Time, n int) []Candle {
	t.Helper()
	out := make([]Candle, n)
	for i := range out {
		out[i] = validCandle(t, start.Add(time.Duration(i)*time.Minute), timeutil.Minute1)
	}
	return out
}

func TestNormalizeSortsAndOrders(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 5)
	// Shuffle deterministically.
	shuffled := []Candle{candles[3], candles[0], candles[4], candles[2], candles[1]}

	f := NewFrame("BTCUSDT", timeutil.Minute1, shuffled)
	out, gaps, err := Normalize(f, NormalizeOptions{})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Equal(t, 5, out.Len())
	for i := 1; i < out.Len(); i++ {
		assert.True(t, out.Candles[i-1].OpenTime.Before(out.Candles[i].OpenTime))
	}
}

func TestNormalizeDedupLaw(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 10)

	once, _, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, candles), NormalizeOptions{})
	require.NoError(t, err)

	doubled := append(append([]Candle{}, candles...), candles...)
	twice, _, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, doubled), NormalizeOptions{})
	require.NoError(t, err)

	assert.Equal(t, once.Candles, twice.Candles, "normalize(F ++ F) == normalize(F)")
}

func TestNormalizeDedupKeepsFirst(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	first := validCandle(t, base, timeutil.Minute1)
	first.Close = 111.0
	first.High = 111.0
	second := validCandle(t, base, timeutil.Minute1)
	second.Close = 222.0
	second.High = 222.0

	out, _, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, []Candle{first, second}), NormalizeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, 111.0, out.Candles[0].Close)
}

func TestNormalizeMergeLaw(t *testing.T) {
	d1 := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC)
	f1 := minuteCandles(t, d1.Add(23*time.Hour+58*time.Minute), 2)
	f2 := minuteCandles(t, d2, 3)

	merged := append(append([]Candle{}, f2...), f1...) // out of order on purpose
	out, gaps, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, merged), NormalizeOptions{})
	require.NoError(t, err)
	assert.Empty(t, gaps, "no false gap at the day seam")
	require.Equal(t, 5, out.Len())
	assert.Equal(t, d2, out.Candles[2].OpenTime, "midnight row present exactly once")
}

func TestNormalizeSeamDuplicateMidnight(t *testing.T) {
	// Older datasets: day D-1's file also carries the midnight row of day D.
	d2 := time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC)
	dayPrev := minuteCandles(t, d2.Add(-2*time.Minute), 3) // 23:58, 23:59, 00:00
	dayNext := minuteCandles(t, d2, 3)                     // 00:00, 00:01, 00:02

	merged := append(append([]Candle{}, dayPrev...), dayNext...)
	out, gaps, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, merged), NormalizeOptions{})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Equal(t, 5, out.Len())

	seen := map[time.Time]int{}
	for _, c := range out.Candles {
		seen[c.OpenTime]++
	}
	assert.Equal(t, 1, seen[d2], "00:00 row deduplicated across the seam")
}

func TestNormalizeDropsMisaligned(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 3)
	bad := validCandle(t, base, timeutil.Minute1)
	bad.OpenTime = base.Add(90 * time.Second)
	candles = append(candles, bad)

	out, _, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, candles), NormalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len())
}

func TestNormalizeGapReport(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 5)
	// Remove minutes 2 and 3.
	sparse := []Candle{candles[0], candles[1], candles[4]}

	out, gaps, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, sparse), NormalizeOptions{GapAction: GapReport})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Len(), "report never fabricates rows")
	require.Len(t, gaps, 1)
	assert.Equal(t, base.Add(2*time.Minute), gaps[0].Start)
	assert.Equal(t, base.Add(4*time.Minute), gaps[0].End)
	assert.Equal(t, 2, gaps[0].Missing)
}

func TestNormalizeGapExpectedRange(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base.Add(2*time.Minute), 2) // 00:02, 00:03

	_, gaps, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, candles), NormalizeOptions{
		ExpectedStart: base,
		ExpectedEnd:   base.Add(6 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, base, gaps[0].Start)
	assert.Equal(t, 2, gaps[0].Missing)
	assert.Equal(t, base.Add(4*time.Minute), gaps[1].Start)
	assert.Equal(t, 2, gaps[1].Missing)
}

func TestNormalizeGapImputeNaN(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 5)
	sparse := []Candle{candles[0], candles[4]}

	out, gaps, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, sparse), NormalizeOptions{GapAction: GapImputeNaN})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, 5, out.Len())
	for i := 1; i < 4; i++ {
		assert.True(t, out.Candles[i].IsImputed(), "row %d imputed", i)
	}
}

func TestNormalizeGapForwardFill(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 4)
	sparse := []Candle{candles[0], candles[3]}

	out, _, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, sparse), NormalizeOptions{GapAction: GapImputeForwardFill})
	require.NoError(t, err)
	require.Equal(t, 4, out.Len())

	prevClose := candles[0].Close
	assert.Equal(t, prevClose, out.Candles[1].Open)
	assert.Equal(t, prevClose, out.Candles[1].Close)
	assert.Equal(t, prevClose, out.Candles[2].Close, "fill carries forward across the run")
	assert.Equal(t, 0.0, out.Candles[1].Volume)
}

func TestNormalizeGapReject(t *testing.T) {
	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(t, base, 3)
	sparse := []Candle{candles[0], candles[2]}

	_, _, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, sparse), NormalizeOptions{GapAction: GapReject})
	assert.Error(t, err)

	_, _, err = Normalize(NewFrame("BTCUSDT", timeutil.Minute1, candles), NormalizeOptions{GapAction: GapReject})
	assert.NoError(t, err)
}

func TestNormalizeEmptyFrame(t *testing.T) {
	out, gaps, err := Normalize(NewFrame("BTCUSDT", timeutil.Minute1, nil), NormalizeOptions{})
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.Empty(t, gaps)

	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	_, gaps, err = Normalize(NewFrame("BTCUSDT", timeutil.Minute1, nil), NormalizeOptions{
		ExpectedStart: base,
		ExpectedEnd:   base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 3, gaps[0].Missing)
}
