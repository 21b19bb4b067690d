package models

import (
	"time"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// Source identifies where a day's rows came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceArchive Source = "archive"
	SourceRest    Source = "rest"
	SourceImputed Source = "imputed"
)

// Provenance records the source identity for one day of the result.
type Provenance struct {
	Day    time.Time `json:"day"`
	Source Source    `json:"source"`
}

// Frame is an ordered table of candles for one (symbol, interval).
type Frame struct {
	Symbol   string
	Interval timeutil.Interval
	Candles  []Candle
}

// NewFrame creates a frame over the given candles without copying.
func NewFrame(symbol string, iv timeutil.Interval, candles []Candle) *Frame {
	return &Frame{Symbol: symbol, Interval: iv, Candles: candles}
}

// Empty reports whether the frame holds no rows.
func (f *Frame) Empty() bool { return len(f.Candles) == 0 }

// Len returns the row count.
func (f *Frame) Len() int { return len(f.Candles) }

// Bounds returns the open times of the first and last rows. The zero time
// is returned for both on an empty frame.
func (f *Frame) Bounds() (time.Time, time.Time) {
	if f.Empty() {
		return time.Time{}, time.Time{}
	}
	return f.Candles[0].OpenTime, f.Candles[len(f.Candles)-1].OpenTime
}

// Trim returns a frame holding only rows with open_time in [start, end).
// Assumes the frame is sorted ascending by open time.
func (f *Frame) Trim(start, end time.Time) *Frame {
	out := make([]Candle, 0, len(f.Candles))
	for _, c := range f.Candles {
		if c.OpenTime.Before(start) {
			continue
		}
		if !c.OpenTime.Before(end) {
			break
		}
		out = append(out, c)
	}
	return NewFrame(f.Symbol, f.Interval, out)
}

// Append concatenates another frame's rows. Ordering is not re-established;
// callers run Normalize afterwards.
func (f *Frame) Append(other *Frame) {
	f.Candles = append(f.Candles, other.Candles...)
}
