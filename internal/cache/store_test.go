package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

func testFrame(t *testing.T, symbol string, iv timeutil.Interval, start time.Time, n int) *models.Frame {
	t.Helper()
	candles := make([]models.Candle, n)
	d, err := iv.Duration()
	require.NoError(t, err)
	for i := range candles {
		open := start.Add(time.Duration(i) * d)
		closeTime, err := models.CloseTimeFor(open, iv)
		require.NoError(t, err)
		candles[i] = models.Candle{
			OpenTime:            open,
			Open:                100 + float64(i),
			High:                101 + float64(i),
			Low:                 99 + float64(i),
			Close:               100.5 + float64(i),
			Volume:              10 * float64(i+1),
			CloseTime:           closeTime,
			QuoteVolume:         1000,
			TradeCount:          int64(50 + i),
			TakerBuyBaseVolume:  5,
			TakerBuyQuoteVolume: 500,
		}
	}
	return models.NewFrame(symbol, iv, candles)
}

func TestLocatePathSchema(t *testing.T) {
	s := NewStore("/data/cache", nil)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC))

	want := filepath.Join("/data/cache", "binance", "spot", "klines", "daily", "BTCUSDT", "1h", "2024-01-15.arrow")
	assert.Equal(t, want, s.Locate(k))
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, day)
	frame := testFrame(t, "BTCUSDT", timeutil.Hour1, day, 24)

	require.NoError(t, s.Store(k, frame, models.SourceArchive))

	loaded, meta, err := s.Load(k)
	require.NoError(t, err)
	assert.Equal(t, frame.Candles, loaded.Candles, "row-wise equal round trip")
	assert.Equal(t, SchemaVersion, meta.SchemaVersion)
	assert.Equal(t, models.SourceArchive, meta.Source)
	assert.Equal(t, "BTCUSDT", meta.Symbol)
	assert.Equal(t, timeutil.Hour1, meta.Interval)
	assert.Equal(t, string(market.Spot), meta.MarketType)
	assert.Equal(t, day, meta.Date)
	assert.Equal(t, 24, meta.RowCount)
	assert.Equal(t, day, meta.MinOpenTime)
	assert.Equal(t, day.Add(23*time.Hour), meta.MaxOpenTime)
	assert.NotEmpty(t, meta.ContentSHA256)
}

func TestLoadMissAbsent(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))

	_, _, err := s.Load(k)
	miss, ok := AsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissAbsent, miss.Reason)
}

func TestLoadQuarantinesCorruptFile(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, day)
	require.NoError(t, s.Store(k, testFrame(t, "BTCUSDT", timeutil.Hour1, day, 24), models.SourceArchive))

	// Truncate the file so the Arrow footer is gone.
	path := s.Locate(k)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, _, err := s.Load(k)
	miss, ok := AsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissMalformed, miss.Reason)

	// Original path is gone, quarantined sibling exists.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// Registry recorded the failure.
	records, err := s.Registry().List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "BTCUSDT", records[0].Symbol)
	assert.False(t, records[0].Resolved)

	// Subsequent loads are plain absent misses.
	_, _, err = s.Load(k)
	miss, ok = AsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissAbsent, miss.Reason)
}

func TestStoreIsAtomic(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root, nil)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, day)
	require.NoError(t, s.Store(k, testFrame(t, "BTCUSDT", timeutil.Hour1, day, 4), models.SourceRest))

	// No temp files survive a successful write.
	matches, err := filepath.Glob(s.Locate(k) + ".tmp-*")
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Overwrite wins.
	bigger := testFrame(t, "BTCUSDT", timeutil.Hour1, day, 24)
	require.NoError(t, s.Store(k, bigger, models.SourceArchive))
	loaded, meta, err := s.Load(k)
	require.NoError(t, err)
	assert.Equal(t, 24, loaded.Len())
	assert.Equal(t, models.SourceArchive, meta.Source)
}

func TestInvalidate(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, day)

	require.NoError(t, s.Invalidate(k), "invalidating an absent entry is not an error")

	require.NoError(t, s.Store(k, testFrame(t, "BTCUSDT", timeutil.Hour1, day, 24), models.SourceArchive))
	require.NoError(t, s.Invalidate(k))

	_, _, err := s.Load(k)
	miss, ok := AsMiss(err)
	require.True(t, ok)
	assert.Equal(t, MissAbsent, miss.Reason)
}

func TestEmptyFrameRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	k := NewKey(market.Spot, "BTCUSDT", timeutil.Hour1, day)

	require.NoError(t, s.Store(k, models.NewFrame("BTCUSDT", timeutil.Hour1, nil), models.SourceRest))
	loaded, meta, err := s.Load(k)
	require.NoError(t, err)
	assert.True(t, loaded.Empty())
	assert.Equal(t, 0, meta.RowCount)
}
