// Package cache implements the per-day columnar cache: immutable Arrow IPC
// files keyed by a composite path, written atomically, verified by content
// checksum on every load.
//
// Writes assume a single process owns the cache directory; readers are
// concurrency-safe. No cross-process locking is performed.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// MissReason classifies why a load did not return rows.
type MissReason string

const (
	MissAbsent    MissReason = "absent"
	MissChecksum  MissReason = "checksum_mismatch"
	MissSchema    MissReason = "schema_version_mismatch"
	MissMalformed MissReason = "malformed"
	MissIO        MissReason = "io_error"
)

// Miss is the typed cache-miss result. Every failure mode of Load is
// reported as a Miss so the orchestrator can fall through uniformly.
type Miss struct {
	Key    Key
	Reason MissReason
	Err    error
}

// Error implements the error interface.
func (m *Miss) Error() string {
	if m.Err != nil {
		return fmt.Sprintf("cache miss (%s) for %s: %v", m.Reason, m.Key, m.Err)
	}
	return fmt.Sprintf("cache miss (%s) for %s", m.Reason, m.Key)
}

// Unwrap returns the underlying error.
func (m *Miss) Unwrap() error { return m.Err }

// AsMiss extracts a Miss from an error chain.
func AsMiss(err error) (*Miss, bool) {
	var m *Miss
	ok := errors.As(err, &m)
	return m, ok
}

// Key identifies one cache entry: a single UTC day of rows for one
// (symbol, interval) on one market.
type Key struct {
	Provider  market.Provider
	Market    market.Type
	Nature    market.DataNature
	Packaging market.Packaging
	Symbol    string
	Interval  timeutil.Interval
	Date      time.Time
}

// NewKey builds a key with the default provider, nature, and packaging.
func NewKey(mkt market.Type, symbol string, iv timeutil.Interval, date time.Time) Key {
	return Key{
		Provider:  market.ProviderBinance,
		Market:    mkt,
		Nature:    market.NatureKlines,
		Packaging: market.PackagingDaily,
		Symbol:    symbol,
		Interval:  iv,
		Date:      timeutil.DayOf(date),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.Market, k.Symbol, k.Interval, k.Date.Format("2006-01-02"), k.Provider)
}

// Store is the per-day cache over a root directory.
type Store struct {
	root     string
	logger   *slog.Logger
	registry *Registry
}

// NewStore creates a cache store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:     dir,
		logger:   logger.With("component", "cache"),
		registry: NewRegistry(dir),
	}
}

// Registry exposes the checksum-failure registry rooted in this cache.
func (s *Store) Registry() *Registry { return s.registry }

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Locate computes the canonical file path for a key. Pure; the file may or
// may not exist.
func (s *Store) Locate(k Key) string {
	return filepath.Join(
		s.root,
		string(k.Provider),
		string(k.Market),
		string(k.Nature),
		string(k.Packaging),
		k.Symbol,
		k.Interval.String(),
		k.Date.Format("2006-01-02")+".arrow",
	)
}

// Load reads the entry for a key. Rows are returned only when the file
// exists, its schema version is compatible, and the stored content checksum
// revalidates; otherwise a *Miss is returned. Corrupt files are quarantined
// and recorded before being reported as misses.
func (s *Store) Load(k Key) (*models.Frame, *Meta, error) {
	path := s.Locate(k)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, &Miss{Key: k, Reason: MissAbsent}
	}
	if err != nil {
		return nil, nil, &Miss{Key: k, Reason: MissIO, Err: err}
	}
	defer f.Close()

	candles, meta, err := readArrowFile(f)
	if err != nil {
		s.quarantine(k, path, "malformed header", "", "")
		return nil, nil, &Miss{Key: k, Reason: MissMalformed, Err: err}
	}

	if meta.SchemaVersion != SchemaVersion {
		s.logger.Warn("cache schema version mismatch",
			"key", k.String(),
			"file_version", meta.SchemaVersion,
			"want", SchemaVersion)
		return nil, nil, &Miss{Key: k, Reason: MissSchema,
			Err: fmt.Errorf("schema version %s, want %s", meta.SchemaVersion, SchemaVersion)}
	}

	actual := contentChecksum(candles)
	if actual != meta.ContentSHA256 {
		s.quarantine(k, path, "checksum mismatch", meta.ContentSHA256, actual)
		return nil, nil, &Miss{Key: k, Reason: MissChecksum,
			Err: fmt.Errorf("content checksum %s, stored %s", actual, meta.ContentSHA256)}
	}

	return models.NewFrame(k.Symbol, k.Interval, candles), meta, nil
}

// Store persists a frame for a key atomically: write to a sibling temp
// file, fsync, rename. Existing entries are overwritten (last write wins).
func (s *Store) Store(k Key, frame *models.Frame, provenance models.Source) error {
	path := s.Locate(k)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating cache temp file: %w", err)
	}

	writeErr := writeArrowFile(f, frame, Meta{
		Source:     provenance,
		MarketType: string(k.Market),
		Date:       k.Date,
	})
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing cache entry %s: %w", k, writeErr)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing cache entry %s: %w", k, err)
	}

	s.logger.Debug("cached day",
		"key", k.String(),
		"rows", frame.Len(),
		"source", string(provenance))
	return nil
}

// Invalidate removes the entry for a key. Absent entries are not an error.
func (s *Store) Invalidate(k Key) error {
	err := os.Remove(s.Locate(k))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("invalidating cache entry %s: %w", k, err)
	}
	return nil
}

// quarantine renames a corrupt file aside and appends a registry record.
// The cache entry itself is never mutated in place.
func (s *Store) quarantine(k Key, path, cause, expected, actual string) {
	quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UTC().Unix())
	if err := os.Rename(path, quarantined); err != nil {
		s.logger.Error("failed to quarantine corrupt cache file",
			"path", path,
			"error", err)
	} else {
		s.logger.Warn("quarantined corrupt cache file",
			"key", k.String(),
			"cause", cause,
			"quarantined_as", quarantined)
	}

	rec := FailureRecord{
		Symbol:   k.Symbol,
		Interval: k.Interval.String(),
		Date:     k.Date.Format("2006-01-02"),
		Expected: expected,
		Actual:   actual,
		Action:   "quarantined: " + cause,
	}
	if err := s.registry.Append(rec); err != nil {
		s.logger.Error("failed to record cache failure", "error", err)
	}
}
