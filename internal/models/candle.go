// Package models provides the typed data model for kline retrieval:
// candles, frames, provenance, wire-row parsing, and normalization.
//
// The schema is fixed: numeric columns are float64, counts are int64, and
// timestamps are UTC with nanosecond precision. Close time is never taken
// from the wire; it is derived from open time and the interval.
package models

import (
	"fmt"
	"math"
	"time"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// Candle is a single OHLCV observation for one interval.
type Candle struct {
	OpenTime            time.Time `json:"open_time"`
	Open                float64   `json:"open"`
	High                float64   `json:"high"`
	Low                 float64   `json:"low"`
	Close               float64   `json:"close"`
	Volume              float64   `json:"volume"`
	CloseTime           time.Time `json:"close_time"`
	QuoteVolume         float64   `json:"quote_asset_volume"`
	TradeCount          int64     `json:"number_of_trades"`
	TakerBuyBaseVolume  float64   `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume float64   `json:"taker_buy_quote_volume"`
}

// CloseTimeFor returns the close time determined by an open time and
// interval: open + interval − 1ns.
func CloseTimeFor(openTime time.Time, iv timeutil.Interval) (time.Time, error) {
	d, err := iv.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return openTime.Add(d - time.Nanosecond), nil
}

// IsImputed reports whether the candle is a gap-fill placeholder (all
// price columns NaN).
func (c *Candle) IsImputed() bool {
	return math.IsNaN(c.Open) && math.IsNaN(c.High) && math.IsNaN(c.Low) && math.IsNaN(c.Close)
}

// Validate performs sanity checks on the candle against its interval:
// open-time alignment, close-time determinism, OHLC ordering, and
// non-negative volume. Imputed candles pass trivially.
func (c *Candle) Validate(iv timeutil.Interval) error {
	if c.OpenTime.IsZero() {
		return fmt.Errorf("open_time must be set")
	}
	if !timeutil.IsAligned(c.OpenTime, iv) {
		return fmt.Errorf("open_time %s is not aligned to %s", c.OpenTime.Format(time.RFC3339Nano), iv)
	}
	want, err := CloseTimeFor(c.OpenTime, iv)
	if err != nil {
		return err
	}
	if !c.CloseTime.Equal(want) {
		return fmt.Errorf("close_time %s does not equal open_time + %s - 1ns", c.CloseTime.Format(time.RFC3339Nano), iv)
	}
	if c.IsImputed() {
		return nil
	}
	lo := math.Min(c.Open, c.Close)
	hi := math.Max(c.Open, c.Close)
	if c.Low > lo {
		return fmt.Errorf("low %v exceeds min(open, close) %v", c.Low, lo)
	}
	if c.High < hi {
		return fmt.Errorf("high %v is below max(open, close) %v", c.High, hi)
	}
	if c.Volume < 0 {
		return fmt.Errorf("volume %v must be >= 0", c.Volume)
	}
	return nil
}

// NewImputed creates a NaN-filled placeholder candle for a missing interval.
func NewImputed(openTime time.Time, iv timeutil.Interval) Candle {
	closeTime, _ := CloseTimeFor(openTime, iv)
	nan := math.NaN()
	return Candle{
		OpenTime:            openTime.UTC(),
		Open:                nan,
		High:                nan,
		Low:                 nan,
		Close:               nan,
		Volume:              nan,
		CloseTime:           closeTime,
		QuoteVolume:         nan,
		TradeCount:          0,
		TakerBuyBaseVolume:  nan,
		TakerBuyQuoteVolume: nan,
	}
}

// String returns a compact representation for logging.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{%s O:%v H:%v L:%v C:%v V:%v}",
		c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}
