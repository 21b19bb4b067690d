package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// Wire column ordering shared by the bulk archive CSV and the REST response:
// open_time, open, high, low, close, volume, close_time,
// quote_asset_volume, number_of_trades, taker_buy_base_volume,
// taker_buy_quote_volume, ignore.
const WireColumns = 12

// Timestamp digit counts for the two wire granularities. Pre-2025 files
// carry milliseconds; 2025 onwards carry microseconds.
const (
	millisecondDigits = 13
	microsecondDigits = 16
)

// DetectTimestampUnit inspects a raw timestamp and returns its duration per
// unit: time.Millisecond for 13 digits, time.Microsecond for 16.
func DetectTimestampUnit(raw string) (time.Duration, error) {
	n := len(raw)
	if n > 0 && raw[0] == '-' {
		return 0, fmt.Errorf("negative timestamp %q", raw)
	}
	switch n {
	case millisecondDigits:
		return time.Millisecond, nil
	case microsecondDigits:
		return time.Microsecond, nil
	}
	return 0, fmt.Errorf("unrecognized timestamp %q: expected %d digits (ms) or %d digits (us)",
		raw, millisecondDigits, microsecondDigits)
}

// parseWireTime converts a raw integer timestamp with the given unit to UTC.
func parseWireTime(raw string, unit time.Duration) (time.Time, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return time.Unix(0, v*int64(unit)).UTC(), nil
}

// parseWireFloat parses a decimal string exactly and coerces to float64.
// Exchanges ship prices as decimal strings; parsing through decimal rejects
// malformed values that strconv would misread (empty exponent forms etc.)
// and matches the precision semantics of the upstream feed.
func parseWireFloat(field, raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", field, raw, err)
	}
	return d.InexactFloat64(), nil
}

// ParseWireRow converts one raw 12-column kline row into a Candle. The unit
// applies to the open_time column; close_time is derived from the interval
// rather than trusted from the wire.
func ParseWireRow(cols []string, iv timeutil.Interval, unit time.Duration) (Candle, error) {
	if len(cols) < WireColumns-1 {
		return Candle{}, fmt.Errorf("expected %d columns, got %d", WireColumns, len(cols))
	}

	openTime, err := parseWireTime(cols[0], unit)
	if err != nil {
		return Candle{}, err
	}
	closeTime, err := CloseTimeFor(openTime, iv)
	if err != nil {
		return Candle{}, err
	}

	var c Candle
	c.OpenTime = openTime
	c.CloseTime = closeTime

	floatFields := []struct {
		name string
		idx  int
		dst  *float64
	}{
		{"open", 1, &c.Open},
		{"high", 2, &c.High},
		{"low", 3, &c.Low},
		{"close", 4, &c.Close},
		{"volume", 5, &c.Volume},
		{"quote_asset_volume", 7, &c.QuoteVolume},
		{"taker_buy_base_volume", 9, &c.TakerBuyBaseVolume},
		{"taker_buy_quote_volume", 10, &c.TakerBuyQuoteVolume},
	}
	for _, f := range floatFields {
		v, err := parseWireFloat(f.name, cols[f.idx])
		if err != nil {
			return Candle{}, err
		}
		*f.dst = v
	}

	trades, err := strconv.ParseInt(cols[8], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid number_of_trades %q: %w", cols[8], err)
	}
	c.TradeCount = trades

	return c, nil
}

// ParseWireRows converts a batch of raw rows, detecting the timestamp unit
// from the first row and applying it to all.
func ParseWireRows(rows [][]string, iv timeutil.Interval) ([]Candle, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	unit, err := DetectTimestampUnit(rows[0][0])
	if err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(rows))
	for i, cols := range rows {
		c, err := ParseWireRow(cols, iv, unit)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}
