// Package metrics tracks retrieval counters: cache effectiveness, source
// activity, and rows served. Counters are safe for concurrent use.
package metrics

import "sync/atomic"

// Collector accumulates counters across requests.
type Collector struct {
	cacheHits        atomic.Int64
	cacheMisses      atomic.Int64
	cacheErrors      atomic.Int64
	archiveDays      atomic.Int64
	archiveNotFound  atomic.Int64
	checksumFailures atomic.Int64
	restRanges       atomic.Int64
	daysImputed      atomic.Int64
	rowsReturned     atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	CacheErrors      int64 `json:"cache_errors"`
	ArchiveDays      int64 `json:"archive_days"`
	ArchiveNotFound  int64 `json:"archive_not_found"`
	ChecksumFailures int64 `json:"checksum_failures"`
	RestRanges       int64 `json:"rest_ranges"`
	DaysImputed      int64 `json:"days_imputed"`
	RowsReturned     int64 `json:"rows_returned"`
}

// New creates an empty collector.
func New() *Collector { return &Collector{} }

func (c *Collector) CacheHit()            { c.cacheHits.Add(1) }
func (c *Collector) CacheMiss()           { c.cacheMisses.Add(1) }
func (c *Collector) CacheError()          { c.cacheErrors.Add(1) }
func (c *Collector) ArchiveDay()          { c.archiveDays.Add(1) }
func (c *Collector) ArchiveMiss()         { c.archiveNotFound.Add(1) }
func (c *Collector) ChecksumFailure()     { c.checksumFailures.Add(1) }
func (c *Collector) RestRange()           { c.restRanges.Add(1) }
func (c *Collector) DayImputed()          { c.daysImputed.Add(1) }
func (c *Collector) RowsReturned(n int64) { c.rowsReturned.Add(n) }

// Get returns a consistent-enough copy of the counters.
func (c *Collector) Get() Snapshot {
	return Snapshot{
		CacheHits:        c.cacheHits.Load(),
		CacheMisses:      c.cacheMisses.Load(),
		CacheErrors:      c.cacheErrors.Load(),
		ArchiveDays:      c.archiveDays.Load(),
		ArchiveNotFound:  c.archiveNotFound.Load(),
		ChecksumFailures: c.checksumFailures.Load(),
		RestRanges:       c.restRanges.Load(),
		DaysImputed:      c.daysImputed.Load(),
		RowsReturned:     c.rowsReturned.Load(),
	}
}
