// Package archive implements the bulk-archive adapter: per-day ZIP files
// on the provider's object store, verified against a sibling .CHECKSUM,
// decompressed in memory, and parsed into candles.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-failover/internal/cache"
	"github.com/johnayoung/go-kline-failover/internal/errs"
	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

const (
	// DefaultBaseURL is the provider's public archive host.
	DefaultBaseURL = "https://data.binance.vision"

	// DefaultTimeout bounds one day's download (data + checksum).
	DefaultTimeout = 3 * time.Second

	// DefaultMaxRetries applies to transport errors only; a 404 is a
	// semantic outcome and never retried.
	DefaultMaxRetries = 2
)

// Options tunes a single fetch.
type Options struct {
	// ProceedOnChecksumFailure accepts the payload despite a checksum
	// mismatch. The failure is still recorded.
	ProceedOnChecksumFailure bool
}

// Client downloads and parses per-day archive files.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
	registry   *cache.Registry
}

// Config configures an archive client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Registry receives checksum-failure records; nil disables recording.
	Registry *cache.Registry
}

// NewClient creates an archive client. Zero-valued config fields fall back
// to defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With("component", "archive"),
		registry:   cfg.Registry,
	}
}

// dataURL builds the archive ZIP URL for one day. 1s archives live under
// the 1m directory segment; the file name retains 1s.
func (c *Client) dataURL(symbol string, iv timeutil.Interval, mkt market.Type, date time.Time) string {
	dirInterval := iv
	if iv == timeutil.Second1 {
		dirInterval = timeutil.Minute1
	}
	archSym := market.ArchiveSymbol(symbol, mkt)
	return fmt.Sprintf("%s/data/%s/daily/klines/%s/%s/%s-%s-%s.zip",
		c.baseURL, mkt.ArchivePath(), archSym, dirInterval, archSym, iv, date.Format("2006-01-02"))
}

// FetchDay retrieves, verifies, and parses one UTC day of klines. A 404 on
// the data file is returned as a typed not-found; transport failures are
// retried up to the configured budget.
func (c *Client) FetchDay(ctx context.Context, symbol string, iv timeutil.Interval, mkt market.Type, date time.Time, opts Options) (*models.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dataURL := c.dataURL(symbol, iv, mkt, date)
	checksumURL := dataURL + ".CHECKSUM"

	c.logger.Debug("fetching archive day",
		"symbol", symbol,
		"interval", iv.String(),
		"date", date.Format("2006-01-02"),
		"url", dataURL)

	var payload, checksumBody []byte
	policy := errs.RetryPolicy{
		MaxRetries:   c.maxRetries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
	}

	// Data and checksum are fetched concurrently; no pre-HEAD.
	var wg sync.WaitGroup
	var dataErr, checksumErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		dataErr = errs.Retry(ctx, c.logger, policy, "archive_data", func() error {
			var err error
			payload, err = c.get(ctx, dataURL, date)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		checksumErr = errs.Retry(ctx, c.logger, policy, "archive_checksum", func() error {
			var err error
			checksumBody, err = c.get(ctx, checksumURL, date)
			return err
		})
	}()
	wg.Wait()

	if dataErr != nil {
		return nil, dataErr
	}

	if err := c.verifyChecksum(symbol, iv, date, payload, checksumBody, checksumErr, opts); err != nil {
		return nil, err
	}

	rows, err := c.extractRows(payload)
	if err != nil {
		return nil, errs.NewDay(errs.KindIntegrity, string(models.SourceArchive), date, "extract", err)
	}

	candles, err := models.ParseWireRows(rows, iv)
	if err != nil {
		return nil, errs.NewDay(errs.KindIntegrity, string(models.SourceArchive), date, "parse", err)
	}

	frame, _, err := models.Normalize(models.NewFrame(symbol, iv, candles), models.NormalizeOptions{Logger: c.logger})
	if err != nil {
		return nil, errs.NewDay(errs.KindIntegrity, string(models.SourceArchive), date, "normalize", err)
	}

	c.logger.Debug("archive day fetched",
		"symbol", symbol,
		"date", date.Format("2006-01-02"),
		"rows", frame.Len())
	return frame, nil
}

// get issues a single GET and classifies the outcome.
func (c *Client) get(ctx context.Context, url string, day time.Time) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.NewDay(errs.KindValidation, string(models.SourceArchive), day, "request", err)
	}
	req.Header.Set("Accept", "application/zip, text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.NewDay(errs.KindTransport, string(models.SourceArchive), day, "get", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, errs.NewDay(errs.KindNotFound, string(models.SourceArchive), day, "get",
			fmt.Errorf("HTTP 404 for %s", url))
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, errs.NewDay(errs.KindTransport, string(models.SourceArchive), day, "get",
			fmt.Errorf("HTTP %d for %s", resp.StatusCode, url))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NewDay(errs.KindTransport, string(models.SourceArchive), day, "read", err)
	}
	return body, nil
}

// verifyChecksum compares the payload SHA-256 with the sibling checksum
// body (format: "{hex}  {filename}"). An unavailable or mismatching
// checksum is an integrity failure unless the caller opted to proceed;
// either way the failure is recorded.
func (c *Client) verifyChecksum(symbol string, iv timeutil.Interval, date time.Time, payload, checksumBody []byte, checksumErr error, opts Options) error {
	actual := fmt.Sprintf("%x", sha256.Sum256(payload))

	var expected string
	if checksumErr == nil {
		fields := strings.Fields(string(checksumBody))
		if len(fields) > 0 {
			expected = fields[0]
		}
	}

	if expected == actual && expected != "" {
		return nil
	}

	cause := "checksum mismatch"
	if checksumErr != nil || expected == "" {
		cause = "checksum unavailable"
		expected = "unknown"
	}

	action := "skipped"
	if opts.ProceedOnChecksumFailure {
		action = "cached_anyway"
	}
	c.recordFailure(symbol, iv, date, expected, actual, action)

	c.logger.Error("archive checksum verification failed",
		"symbol", symbol,
		"interval", iv.String(),
		"date", date.Format("2006-01-02"),
		"expected", expected,
		"actual", actual,
		"proceed", opts.ProceedOnChecksumFailure)

	if opts.ProceedOnChecksumFailure {
		return nil
	}
	return errs.NewDay(errs.KindIntegrity, string(models.SourceArchive), date, "checksum",
		fmt.Errorf("%s: expected %s, actual %s", cause, expected, actual))
}

func (c *Client) recordFailure(symbol string, iv timeutil.Interval, date time.Time, expected, actual, action string) {
	if c.registry == nil {
		return
	}
	err := c.registry.Append(cache.FailureRecord{
		Symbol:   symbol,
		Interval: iv.String(),
		Date:     date.Format("2006-01-02"),
		Expected: expected,
		Actual:   actual,
		Action:   action,
	})
	if err != nil {
		c.logger.Error("failed to record checksum failure", "error", err)
	}
}

// extractRows decompresses the single-entry ZIP in memory and parses its
// CSV. Legacy files carry no header; newer ones may. Sniff by checking
// whether the first row's first column is numeric.
func (c *Client) extractRows(payload []byte) ([][]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("zip archive is empty")
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("opening zip entry %s: %w", zr.File[0].Name, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(records) > 0 && !isNumeric(records[0][0]) {
		records = records[1:]
	}
	return records, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
