// Package fcp implements the failover control protocol: a deterministic
// retrieval pipeline composing the local columnar cache, the bulk archive,
// and the live REST endpoint into one coherent, temporally-ordered answer.
//
// A request decomposes into UTC day buckets. Each day resolves through the
// source priority cache -> archive -> REST, subject to the publication
// delay: days too recent to have been archived go straight to REST. Per-day
// results merge on open time, deduplicate at day seams, and trim to the
// exact requested range.
package fcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-failover/internal/archive"
	"github.com/johnayoung/go-kline-failover/internal/cache"
	"github.com/johnayoung/go-kline-failover/internal/errs"
	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/metrics"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/rest"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// DefaultParallelism is the archive fan-out over day buckets.
const DefaultParallelism = 4

// Manager orchestrates retrieval across the three sources.
type Manager struct {
	cache   *cache.Store // nil when caching is disabled process-wide
	archive *archive.Client
	rest    *rest.Client
	logger  *slog.Logger
	metrics *metrics.Collector

	publicationDelay time.Duration
	parallelism      int

	// now is the clock; injectable for tests.
	now func() time.Time
}

// Config wires a Manager.
type Config struct {
	Cache   *cache.Store
	Archive *archive.Client
	Rest    *rest.Client
	Logger  *slog.Logger
	Metrics *metrics.Collector

	PublicationDelay time.Duration
	Parallelism      int
	Now              func() time.Time
}

// New creates a Manager. Archive and Rest clients are required; Cache may
// be nil to disable caching.
func New(cfg Config) (*Manager, error) {
	if cfg.Archive == nil {
		return nil, fmt.Errorf("archive client is required")
	}
	if cfg.Rest == nil {
		return nil, fmt.Errorf("rest client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.PublicationDelay <= 0 {
		cfg.PublicationDelay = timeutil.DefaultPublicationDelay
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		cache:            cfg.Cache,
		archive:          cfg.Archive,
		rest:             cfg.Rest,
		logger:           cfg.Logger.With("component", "fcp"),
		metrics:          cfg.Metrics,
		publicationDelay: cfg.PublicationDelay,
		parallelism:      cfg.Parallelism,
		now:              cfg.Now,
	}, nil
}

// Stats returns the accumulated retrieval counters.
func (m *Manager) Stats() metrics.Snapshot { return m.metrics.Get() }

// dayResult is one resolved day bucket. A day either carries a frame with
// its source, or the last error per source consulted.
type dayResult struct {
	day     time.Time
	frame   *models.Frame
	source  models.Source
	srcErrs map[string]error
}

func (r dayResult) failed() bool { return r.frame == nil && len(r.srcErrs) > 0 }

func failedDay(day time.Time, source models.Source, err error) dayResult {
	return dayResult{day: day, srcErrs: map[string]error{string(source): err}}
}

// Get retrieves the requested window, failing over per day across sources.
func (m *Manager) Get(ctx context.Context, req Request, opts Options) (*Result, error) {
	if err := m.validate(req, opts); err != nil {
		return nil, err
	}

	start := req.Start.UTC()
	end := req.End.UTC()

	if start.Equal(end) {
		return &Result{Frame: models.NewFrame(req.Symbol, req.Interval, nil)}, nil
	}

	delay := opts.PublicationDelay
	if delay <= 0 {
		delay = m.publicationDelay
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = m.parallelism
	}

	days := timeutil.EnumerateDays(start, end)
	m.logger.Info("resolving request",
		"symbol", req.Symbol,
		"interval", req.Interval.String(),
		"market", string(req.Market),
		"start", start,
		"end", end,
		"days", len(days),
		"enforce", string(opts.EnforceSource))

	results := m.resolveDays(ctx, req, opts, days, start, end, delay, parallelism)

	var resolved []dayResult
	var failures []errs.DayFailure
	for _, r := range results {
		if r.failed() {
			failures = append(failures, errs.DayFailure{Day: r.day, SourceErrors: r.srcErrs})
			continue
		}
		resolved = append(resolved, r)
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].day.Before(resolved[j].day) })
	sort.Slice(failures, func(i, j int) bool { return failures[i].Day.Before(failures[j].Day) })

	if len(failures) > 0 {
		// An enforced source never falls through, so its first failure is
		// the request's failure. In auto mode a single-source failure
		// surfaces with its own kind; multi-source exhaustion, or any failure
		// once the request context is done, aggregates with the resolved days.
		if opts.EnforceSource != "" && opts.EnforceSource != SourceAuto {
			for _, err := range failures[0].SourceErrors {
				return nil, err
			}
		}
		if len(failures) == 1 && len(failures[0].SourceErrors) == 1 && ctx.Err() == nil {
			for _, err := range failures[0].SourceErrors {
				return nil, err
			}
		}
		resolvedDays := make([]time.Time, len(resolved))
		for i, r := range resolved {
			resolvedDays[i] = r.day
		}
		return nil, &errs.IncompleteError{Failures: failures, Resolved: resolvedDays}
	}

	return m.merge(req, opts, resolved, start, end)
}

// validate applies the fail-fast request checks.
func (m *Manager) validate(req Request, opts Options) error {
	if err := market.ValidateSymbol(req.Symbol, req.Market); err != nil {
		return errs.New(errs.KindValidation, "", "validate", err)
	}
	if !req.Interval.Retrievable() {
		return errs.New(errs.KindValidation, "", "validate",
			fmt.Errorf("interval %q is not retrievable", req.Interval))
	}
	if !market.SupportsInterval(req.Market, req.Interval) {
		return errs.New(errs.KindValidation, "", "validate",
			fmt.Errorf("interval %q is not supported on market %q", req.Interval, req.Market))
	}
	if err := timeutil.ValidateRange(req.Start, req.End, m.now()); err != nil {
		return errs.New(errs.KindValidation, "", "validate", err)
	}
	switch opts.EnforceSource {
	case "", SourceAuto, SourceCacheOnly, SourceArchiveOnly, SourceRestOnly:
	default:
		return errs.New(errs.KindValidation, "", "validate",
			fmt.Errorf("unknown enforce_source %q", opts.EnforceSource))
	}
	return nil
}

// resolveDays fans day buckets out over a bounded worker pool. Workers
// drain a job queue; results are collected over a channel so the caller is
// the sole writer of the result slice.
func (m *Manager) resolveDays(ctx context.Context, req Request, opts Options, days []time.Time, start, end time.Time, delay time.Duration, parallelism int) []dayResult {
	if parallelism > len(days) {
		parallelism = len(days)
	}

	jobs := make(chan time.Time)
	out := make(chan dayResult, len(days))

	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for day := range jobs {
				out <- m.resolveDay(ctx, req, opts, day, start, end, delay)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, day := range days {
			select {
			case jobs <- day:
			case <-ctx.Done():
				out <- failedDay(day, "request", errs.NewDay(
					errs.KindTransport, "request", day, "resolve", ctx.Err()))
			}
		}
	}()

	results := make([]dayResult, 0, len(days))
	for range days {
		results = append(results, <-out)
	}
	wg.Wait()
	return results
}

// resolveDay runs the per-day protocol: cache, then archive for historical
// days, then REST.
func (m *Manager) resolveDay(ctx context.Context, req Request, opts Options, day, start, end time.Time, delay time.Duration) dayResult {
	if ctx.Err() != nil {
		return failedDay(day, "request", errs.NewDay(errs.KindTransport, "request", day, "resolve", ctx.Err()))
	}

	historical := timeutil.IsPastPublicationDelay(day, m.now(), delay)
	key := cache.NewKey(req.Market, req.Symbol, req.Interval, day)

	switch opts.EnforceSource {
	case SourceCacheOnly:
		return m.resolveCacheOnly(key, day, opts)
	case SourceArchiveOnly:
		frame, err := m.fetchArchive(ctx, req, day, opts)
		if err != nil {
			return failedDay(day, models.SourceArchive, err)
		}
		return dayResult{day: day, frame: frame, source: models.SourceArchive}
	case SourceRestOnly:
		frame, _, _, err := m.fetchRestClipped(ctx, req, day, start, end)
		if err != nil {
			return failedDay(day, models.SourceRest, err)
		}
		return dayResult{day: day, frame: frame, source: models.SourceRest}
	}

	// Auto: cache first.
	srcErrs := map[string]error{}
	if opts.UseCache && m.cache != nil {
		frame, _, err := m.cache.Load(key)
		if err == nil {
			m.metrics.CacheHit()
			m.logger.Debug("cache hit", "day", day.Format("2006-01-02"))
			return dayResult{day: day, frame: frame, source: models.SourceCache}
		}
		if miss, ok := cache.AsMiss(err); ok {
			m.metrics.CacheMiss()
			m.logger.Debug("cache miss",
				"day", day.Format("2006-01-02"),
				"reason", string(miss.Reason))
		} else {
			m.metrics.CacheError()
			srcErrs[string(models.SourceCache)] = err
		}
	}

	// Archive for historical days.
	if historical {
		frame, err := m.fetchArchive(ctx, req, day, opts)
		if err == nil {
			if opts.UseCache && m.cache != nil {
				if storeErr := m.cache.Store(key, frame, models.SourceArchive); storeErr != nil {
					m.logger.Error("failed to cache archive day",
						"day", day.Format("2006-01-02"),
						"error", storeErr)
				}
			}
			return dayResult{day: day, frame: frame, source: models.SourceArchive}
		}

		switch errs.KindOf(err) {
		case errs.KindNotFound:
			// Some days legitimately never appear in the archive.
			m.metrics.ArchiveMiss()
			m.logger.Debug("archive day absent, falling through to REST",
				"day", day.Format("2006-01-02"))
		case errs.KindIntegrity:
			// A corrupt archive day aborts rather than silently serving the
			// same day from a weaker source.
			m.metrics.ChecksumFailure()
			return failedDay(day, models.SourceArchive, err)
		default:
			srcErrs[string(models.SourceArchive)] = err
			m.logger.Warn("archive fetch failed, falling through to REST",
				"day", day.Format("2006-01-02"),
				"error", err)
		}
	}

	// REST, for recent days and archive fallthrough.
	frame, restStart, restEnd, err := m.fetchRestClipped(ctx, req, day, start, end)
	if err != nil {
		srcErrs[string(models.SourceRest)] = err
		return dayResult{day: day, srcErrs: srcErrs}
	}

	// A historical day served by REST is complete and immutable, so it is
	// cached when the fetch covered the whole day. Recent days are never
	// cached: the archive has not consolidated them yet.
	dayStart, dayEnd := timeutil.DayBounds(day)
	if historical && opts.UseCache && m.cache != nil &&
		restStart.Equal(dayStart) && restEnd.Equal(dayEnd) {
		if storeErr := m.cache.Store(key, frame, models.SourceRest); storeErr != nil {
			m.logger.Error("failed to cache REST day",
				"day", day.Format("2006-01-02"),
				"error", storeErr)
		}
	}

	return dayResult{day: day, frame: frame, source: models.SourceRest}
}

func (m *Manager) resolveCacheOnly(key cache.Key, day time.Time, opts Options) dayResult {
	if !opts.UseCache || m.cache == nil {
		return failedDay(day, models.SourceCache, errs.NewDay(
			errs.KindPolicy, string(models.SourceCache), day, "resolve",
			fmt.Errorf("enforce_source=cache with caching disabled")))
	}
	frame, _, err := m.cache.Load(key)
	if err != nil {
		m.metrics.CacheMiss()
		return failedDay(day, models.SourceCache, errs.NewDay(
			errs.KindPolicy, string(models.SourceCache), day, "resolve",
			fmt.Errorf("enforce_source=cache but the day is not cached: %w", err)))
	}
	m.metrics.CacheHit()
	return dayResult{day: day, frame: frame, source: models.SourceCache}
}

func (m *Manager) fetchArchive(ctx context.Context, req Request, day time.Time, opts Options) (*models.Frame, error) {
	frame, err := m.archive.FetchDay(ctx, req.Symbol, req.Interval, req.Market, day,
		archive.Options{ProceedOnChecksumFailure: opts.ProceedOnChecksumFailure})
	if err != nil {
		return nil, err
	}
	m.metrics.ArchiveDay()
	return frame, nil
}

// fetchRestClipped retrieves the day's slice of the requested window and
// reports the bounds actually fetched.
func (m *Manager) fetchRestClipped(ctx context.Context, req Request, day, start, end time.Time) (*models.Frame, time.Time, time.Time, error) {
	dayStart, dayEnd := timeutil.DayBounds(day)

	restStart := timeutil.AlignUp(start, req.Interval)
	if restStart.Before(dayStart) {
		restStart = dayStart
	}
	restEnd := end
	if restEnd.After(dayEnd) {
		restEnd = dayEnd
	}

	frame, err := m.rest.FetchRange(ctx, req.Symbol, req.Interval, req.Market, restStart, restEnd)
	if err != nil {
		return nil, restStart, restEnd, err
	}
	m.metrics.RestRange()
	return frame, restStart, restEnd, nil
}

// merge concatenates per-day frames in date order, normalizes across the
// seams, trims to the exact request bounds, and runs the final
// normalization with the expected range for gap reporting.
func (m *Manager) merge(req Request, opts Options, resolved []dayResult, start, end time.Time) (*Result, error) {
	merged := models.NewFrame(req.Symbol, req.Interval, nil)
	for _, r := range resolved {
		if r.frame != nil {
			merged.Append(r.frame)
		}
	}

	// Seam pass: order and deduplicate the concatenation. Gap analysis
	// waits for the final pass so it sees the merged frame, not the files.
	seamed, _, err := models.Normalize(merged, models.NormalizeOptions{Logger: m.logger})
	if err != nil {
		return nil, errs.New(errs.KindValidation, "", "merge", err)
	}

	trimmed := seamed.Trim(start, end)

	gapAction := opts.GapAction
	if gapAction == "" {
		gapAction = models.GapReport
	}
	if opts.AutoReindex {
		gapAction = models.GapImputeNaN
	}

	final, gaps, err := models.Normalize(trimmed, models.NormalizeOptions{
		GapAction:     gapAction,
		ExpectedStart: timeutil.AlignUp(start, req.Interval),
		ExpectedEnd:   end,
		Logger:        m.logger,
	})
	if err != nil {
		return nil, errs.New(errs.KindIncomplete, "", "merge", err)
	}

	provenance := make([]models.Provenance, 0, len(resolved))
	for _, r := range resolved {
		src := r.source
		if r.frame == nil || r.frame.Empty() {
			if !opts.AutoReindex {
				continue
			}
			src = models.SourceImputed
			m.metrics.DayImputed()
		}
		provenance = append(provenance, models.Provenance{Day: r.day, Source: src})
	}

	m.metrics.RowsReturned(int64(final.Len()))
	m.logger.Info("request resolved",
		"symbol", req.Symbol,
		"rows", final.Len(),
		"gaps", len(gaps))

	return &Result{Frame: final, Provenance: provenance, Gaps: gaps}, nil
}
