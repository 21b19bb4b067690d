package fcp

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-kline-failover/internal/cache"
	"github.com/johnayoung/go-kline-failover/internal/errs"
	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// VerifyCache loads the entry for a day and checks it holds what its
// header claims. The returned error is the typed miss on failure.
func (m *Manager) VerifyCache(mkt market.Type, symbol string, iv timeutil.Interval, day time.Time) error {
	if m.cache == nil {
		return errs.New(errs.KindPolicy, string(models.SourceCache), "verify",
			fmt.Errorf("caching is disabled"))
	}
	key := cache.NewKey(mkt, symbol, iv, day)
	frame, meta, err := m.cache.Load(key)
	if err != nil {
		return err
	}
	if frame.Len() != meta.RowCount {
		return errs.New(errs.KindIntegrity, string(models.SourceCache), "verify",
			fmt.Errorf("row count %d does not match header %d", frame.Len(), meta.RowCount))
	}
	return nil
}

// RepairCache invalidates a day's entry and refetches it from the archive
// (or REST when the archive does not hold it), storing the fresh copy.
func (m *Manager) RepairCache(ctx context.Context, mkt market.Type, symbol string, iv timeutil.Interval, day time.Time) error {
	if m.cache == nil {
		return errs.New(errs.KindPolicy, string(models.SourceCache), "repair",
			fmt.Errorf("caching is disabled"))
	}
	day = timeutil.DayOf(day)
	key := cache.NewKey(mkt, symbol, iv, day)

	if err := m.cache.Invalidate(key); err != nil {
		return err
	}

	if !timeutil.IsPastPublicationDelay(day, m.now(), m.publicationDelay) {
		return errs.NewDay(errs.KindPolicy, string(models.SourceCache), day, "repair",
			fmt.Errorf("day is inside the publication delay and is never cached"))
	}

	req := Request{Symbol: symbol, Interval: iv, Market: mkt}
	frame, err := m.fetchArchive(ctx, req, day, Options{})
	source := models.SourceArchive
	if err != nil {
		if !errs.IsKind(err, errs.KindNotFound) {
			return err
		}
		dayStart, dayEnd := timeutil.DayBounds(day)
		frame, err = m.rest.FetchRange(ctx, symbol, iv, mkt, dayStart, dayEnd)
		if err != nil {
			return err
		}
		source = models.SourceRest
	}

	if err := m.cache.Store(key, frame, source); err != nil {
		return err
	}

	m.logger.Info("repaired cache day",
		"symbol", symbol,
		"interval", iv.String(),
		"day", day.Format("2006-01-02"),
		"source", string(source),
		"rows", frame.Len())
	return m.VerifyCache(mkt, symbol, iv, day)
}

// RetryFailedChecksums re-fetches every day with an unresolved
// checksum-failure record for (symbol, interval) and marks the records
// resolved on success. Returns the days that were repaired.
func (m *Manager) RetryFailedChecksums(ctx context.Context, mkt market.Type, symbol string, iv timeutil.Interval) ([]time.Time, error) {
	if m.cache == nil {
		return nil, errs.New(errs.KindPolicy, string(models.SourceCache), "retry_checksums",
			fmt.Errorf("caching is disabled"))
	}
	registry := m.cache.Registry()

	dates, err := registry.UnresolvedDates(symbol, iv.String())
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}

	req := Request{Symbol: symbol, Interval: iv, Market: mkt}
	var repaired []time.Time
	for _, day := range dates {
		if ctx.Err() != nil {
			return repaired, errs.NewDay(errs.KindTransport, "request", day, "retry_checksums", ctx.Err())
		}

		frame, err := m.fetchArchive(ctx, req, day, Options{})
		if err != nil {
			m.logger.Warn("checksum retry failed",
				"symbol", symbol,
				"day", day.Format("2006-01-02"),
				"error", err)
			continue
		}

		key := cache.NewKey(mkt, symbol, iv, day)
		if err := m.cache.Store(key, frame, models.SourceArchive); err != nil {
			m.logger.Error("failed to cache repaired day",
				"day", day.Format("2006-01-02"),
				"error", err)
			continue
		}
		if _, err := registry.Resolve(symbol, iv.String(), day); err != nil {
			m.logger.Error("failed to mark checksum record resolved",
				"day", day.Format("2006-01-02"),
				"error", err)
			continue
		}
		repaired = append(repaired, day)
	}

	m.logger.Info("checksum retry pass finished",
		"symbol", symbol,
		"interval", iv.String(),
		"flagged", len(dates),
		"repaired", len(repaired))
	return repaired, nil
}
