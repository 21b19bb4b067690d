package fcp

import (
	"time"

	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// EnforcedSource bypasses failover and pins the request to one source.
type EnforcedSource string

const (
	// SourceAuto applies the full failover sequence: cache, archive, REST.
	SourceAuto EnforcedSource = "auto"

	// SourceCacheOnly serves from cache alone; a miss is a policy failure.
	SourceCacheOnly EnforcedSource = "cache"

	// SourceArchiveOnly serves from the bulk archive alone.
	SourceArchiveOnly EnforcedSource = "archive"

	// SourceRestOnly serves from the REST endpoint alone.
	SourceRestOnly EnforcedSource = "rest"
)

// Request identifies the data to retrieve: a half-open [Start, End) window
// of one symbol and interval on one market.
type Request struct {
	Symbol   string
	Interval timeutil.Interval
	Market   market.Type
	Start    time.Time
	End      time.Time
}

// Options tunes a single Get call. The zero value is not meaningful; use
// DefaultOptions and override.
type Options struct {
	// EnforceSource pins the request to one source with no fallthrough.
	EnforceSource EnforcedSource

	// UseCache enables cache reads and writes. Enforced archive/REST
	// requests bypass the cache entirely regardless of this flag.
	UseCache bool

	// AutoReindex pads missing intervals with NaN rows so the result has
	// exactly ceil((end-start)/interval) rows.
	AutoReindex bool

	// PublicationDelay is the cutoff for archive candidacy. Zero uses the
	// manager default.
	PublicationDelay time.Duration

	// Parallelism bounds the per-day fan-out. Zero uses the manager default.
	Parallelism int

	// GapAction selects gap handling in the final normalization. Ignored
	// when AutoReindex is set (which forces NaN imputation).
	GapAction models.GapAction

	// ProceedOnChecksumFailure accepts archive rows despite a checksum
	// mismatch.
	ProceedOnChecksumFailure bool
}

// DefaultOptions returns the standard retrieval behavior: full failover,
// cache on, no reindexing, gaps reported.
func DefaultOptions() Options {
	return Options{
		EnforceSource: SourceAuto,
		UseCache:      true,
		GapAction:     models.GapReport,
	}
}

// Result is a retrieved frame plus the per-day source identity and gap
// report.
type Result struct {
	Frame      *models.Frame
	Provenance []models.Provenance
	Gaps       []models.GapRange
}
