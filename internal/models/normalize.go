package models

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// GapAction selects what normalization does about missing intervals.
type GapAction string

const (
	// GapReport leaves gaps unfilled and reports them. This is the default:
	// sparse series (1s data especially) become misleading when padded.
	GapReport GapAction = "report"

	// GapImputeNaN inserts NaN placeholder rows for missing intervals.
	GapImputeNaN GapAction = "impute_nan"

	// GapImputeForwardFill inserts rows carrying the previous close forward.
	GapImputeForwardFill GapAction = "impute_forward_fill"

	// GapReject fails normalization when any interval is missing.
	GapReject GapAction = "reject"
)

// GapRange is a contiguous run of missing intervals, half-open on open times.
type GapRange struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Missing int       `json:"missing"`
}

// NormalizeOptions tunes Normalize behavior.
type NormalizeOptions struct {
	GapAction GapAction

	// ExpectedStart/ExpectedEnd bound gap detection to [ExpectedStart,
	// ExpectedEnd) on open times. When zero, gaps are detected between the
	// first and last observed rows only.
	ExpectedStart time.Time
	ExpectedEnd   time.Time

	Logger *slog.Logger
}

// Normalize validates, orders, and deduplicates a frame's rows, then
// detects (and per GapAction fills) missing intervals.
//
// Steps, in order: drop misaligned rows, stable sort ascending by open
// time, deduplicate by open time keeping the first occurrence, detect gaps.
// Dedup keep-first makes day-boundary merges idempotent: when two adjacent
// day files both carry the midnight row, the seam resolves to one row.
func Normalize(f *Frame, opts NormalizeOptions) (*Frame, []GapRange, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GapAction == "" {
		opts.GapAction = GapReport
	}
	ivDur, err := f.Interval.Duration()
	if err != nil {
		return nil, nil, fmt.Errorf("cannot normalize: %w", err)
	}

	kept := make([]Candle, 0, len(f.Candles))
	dropped := 0
	for _, c := range f.Candles {
		if !timeutil.IsAligned(c.OpenTime, f.Interval) {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	if dropped > 0 {
		logger.Warn("dropped misaligned rows",
			"symbol", f.Symbol,
			"interval", f.Interval.String(),
			"dropped", dropped)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].OpenTime.Before(kept[j].OpenTime)
	})

	deduped := kept[:0]
	for i, c := range kept {
		if i > 0 && c.OpenTime.Equal(kept[i-1].OpenTime) {
			continue
		}
		deduped = append(deduped, c)
	}

	gaps := detectGaps(deduped, ivDur, opts.ExpectedStart, opts.ExpectedEnd)

	out := NewFrame(f.Symbol, f.Interval, deduped)
	switch opts.GapAction {
	case GapReport:
		// Leave the frame as-is; gaps are the report.
	case GapReject:
		if len(gaps) > 0 {
			return nil, gaps, fmt.Errorf("%d gap range(s) detected in %s %s", len(gaps), f.Symbol, f.Interval)
		}
	case GapImputeNaN, GapImputeForwardFill:
		out = fillGaps(out, gaps, opts.GapAction)
	default:
		return nil, nil, fmt.Errorf("unknown gap action %q", string(opts.GapAction))
	}

	return out, gaps, nil
}

// detectGaps walks the sorted, deduplicated rows and collects contiguous
// runs of missing open times. Detection operates on the merged row set, not
// per source file, so a midnight row present in an adjacent day's file does
// not produce a false gap at the seam.
func detectGaps(candles []Candle, ivDur time.Duration, expectedStart, expectedEnd time.Time) []GapRange {
	var gaps []GapRange

	appendGap := func(start, end time.Time) {
		if !start.Before(end) {
			return
		}
		gaps = append(gaps, GapRange{
			Start:   start,
			End:     end,
			Missing: int(end.Sub(start) / ivDur),
		})
	}

	if len(candles) == 0 {
		if !expectedStart.IsZero() && !expectedEnd.IsZero() {
			appendGap(expectedStart, expectedEnd)
		}
		return gaps
	}

	if !expectedStart.IsZero() {
		appendGap(expectedStart, candles[0].OpenTime)
	}
	for i := 1; i < len(candles); i++ {
		expected := candles[i-1].OpenTime.Add(ivDur)
		appendGap(expected, candles[i].OpenTime)
	}
	if !expectedEnd.IsZero() {
		appendGap(candles[len(candles)-1].OpenTime.Add(ivDur), expectedEnd)
	}

	return gaps
}

// fillGaps inserts placeholder rows for every missing interval and returns
// a re-sorted frame.
func fillGaps(f *Frame, gaps []GapRange, action GapAction) *Frame {
	if len(gaps) == 0 {
		return f
	}
	ivDur, err := f.Interval.Duration()
	if err != nil {
		return f
	}

	filled := make([]Candle, 0, f.Len())
	filled = append(filled, f.Candles...)
	for _, g := range gaps {
		for t := g.Start; t.Before(g.End); t = t.Add(ivDur) {
			filled = append(filled, NewImputed(t, f.Interval))
		}
	}
	sort.SliceStable(filled, func(i, j int) bool {
		return filled[i].OpenTime.Before(filled[j].OpenTime)
	})

	if action == GapImputeForwardFill {
		for i := range filled {
			if !filled[i].IsImputed() || i == 0 {
				continue
			}
			prev := filled[i-1]
			if prev.IsImputed() {
				continue
			}
			filled[i].Open = prev.Close
			filled[i].High = prev.Close
			filled[i].Low = prev.Close
			filled[i].Close = prev.Close
			filled[i].Volume = 0
			filled[i].QuoteVolume = 0
			filled[i].TakerBuyBaseVolume = 0
			filled[i].TakerBuyQuoteVolume = 0
		}
	}

	return NewFrame(f.Symbol, f.Interval, filled)
}
