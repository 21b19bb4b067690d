// Package rest implements the live REST adapter: a paginated, rate-limited
// window over the provider's klines endpoint.
//
// The endpoint returns up to MaxLimit rows per request, inclusive of
// startTime, ascending. The adapter paginates by advancing the cursor to
// the last row's open time plus one interval, which cannot duplicate the
// boundary row.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-kline-failover/internal/errs"
	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

const (
	// DefaultWeightPerMinute is the vendor's per-minute request weight
	// budget. The exact weight per endpoint varies by vendor version, so
	// both knobs are configuration.
	DefaultWeightPerMinute = 6000

	// DefaultKlinesWeight is the weight of one klines page request.
	DefaultKlinesWeight = 2

	// DefaultPageTimeout bounds a single page request.
	DefaultPageTimeout = 10 * time.Second

	// DefaultMaxRetries applies per page on 429 and 5xx responses.
	DefaultMaxRetries = 3
)

// Client fetches bounded row windows from the REST endpoint.
type Client struct {
	httpClient  *http.Client
	baseURL     string // overrides the market's endpoint when set (tests)
	limiter     *rate.Limiter
	weight      int
	pageTimeout time.Duration
	maxRetries  int
	logger      *slog.Logger
}

// Config configures a REST client.
type Config struct {
	// BaseURL overrides the market capability endpoint. Empty uses the
	// market's primary endpoint.
	BaseURL string

	WeightPerMinute int
	KlinesWeight    int
	PageTimeout     time.Duration
	MaxRetries      int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// NewClient creates a REST client. Zero-valued config fields fall back to
// defaults.
func NewClient(cfg Config) *Client {
	if cfg.WeightPerMinute <= 0 {
		cfg.WeightPerMinute = DefaultWeightPerMinute
	}
	if cfg.KlinesWeight <= 0 {
		cfg.KlinesWeight = DefaultKlinesWeight
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
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

	// The limiter meters weight units; a page consumes KlinesWeight tokens
	// and the bucket refills at the per-minute budget.
	perSecond := rate.Limit(float64(cfg.WeightPerMinute) / 60.0)
	limiter := rate.NewLimiter(perSecond, cfg.WeightPerMinute)

	return &Client{
		httpClient:  cfg.HTTPClient,
		baseURL:     cfg.BaseURL,
		limiter:     limiter,
		weight:      cfg.KlinesWeight,
		pageTimeout: cfg.PageTimeout,
		maxRetries:  cfg.MaxRetries,
		logger:      cfg.Logger.With("component", "rest"),
	}
}

// endpoints resolves the klines URLs for a market: the primary first, then
// the backup hosts. Retried pages rotate through them.
func (c *Client) endpoints(mkt market.Type) ([]string, error) {
	caps, err := market.GetCapabilities(mkt)
	if err != nil {
		return nil, err
	}
	if c.baseURL != "" {
		return []string{c.baseURL + caps.KlinesPath()}, nil
	}
	urls := make([]string, 0, 1+len(caps.BackupEndpoints))
	urls = append(urls, caps.PrimaryEndpoint+caps.KlinesPath())
	for _, host := range caps.BackupEndpoints {
		urls = append(urls, host+caps.KlinesPath())
	}
	return urls, nil
}

// FetchRange retrieves all rows with open_time in [start, end), paginating
// as needed. Rows are normalized before return.
func (c *Client) FetchRange(ctx context.Context, symbol string, iv timeutil.Interval, mkt market.Type, start, end time.Time) (*models.Frame, error) {
	ivDur, err := iv.Duration()
	if err != nil {
		return nil, errs.New(errs.KindValidation, string(models.SourceRest), "fetch_range", err)
	}
	caps, err := market.GetCapabilities(mkt)
	if err != nil {
		return nil, errs.New(errs.KindValidation, string(models.SourceRest), "fetch_range", err)
	}
	endpointURLs, err := c.endpoints(mkt)
	if err != nil {
		return nil, errs.New(errs.KindValidation, string(models.SourceRest), "fetch_range", err)
	}

	start = start.UTC()
	end = end.UTC()
	if !start.Before(end) {
		return models.NewFrame(symbol, iv, nil), nil
	}

	c.logger.Debug("fetching REST range",
		"symbol", symbol,
		"interval", iv.String(),
		"start", start,
		"end", end)

	var candles []models.Candle
	cursor := start
	pages := 0

	for cursor.Before(end) {
		rows, err := c.fetchPage(ctx, endpointURLs, symbol, iv, cursor, end, caps.MaxLimit)
		if err != nil {
			return nil, err
		}
		pages++
		if len(rows) == 0 {
			break
		}

		page, err := models.ParseWireRows(rows, iv)
		if err != nil {
			return nil, errs.NewDay(errs.KindIntegrity, string(models.SourceRest), timeutil.DayOf(cursor), "parse", err)
		}

		last := page[len(page)-1].OpenTime
		for _, cd := range page {
			if cd.OpenTime.Before(end) {
				candles = append(candles, cd)
			}
		}
		if !last.Before(end) {
			break
		}

		// Advancing by one interval past the last row is what prevents the
		// boundary row from being fetched twice.
		cursor = last.Add(ivDur)
	}

	c.logger.Debug("REST range fetched",
		"symbol", symbol,
		"rows", len(candles),
		"pages", pages)

	frame, _, err := models.Normalize(models.NewFrame(symbol, iv, candles), models.NormalizeOptions{Logger: c.logger})
	if err != nil {
		return nil, errs.New(errs.KindIntegrity, string(models.SourceRest), "normalize", err)
	}
	return frame, nil
}

// fetchPage requests one page, honoring the weight budget and retrying
// rate-limit and server errors. Retries rotate through the market's backup
// endpoints.
func (c *Client) fetchPage(ctx context.Context, endpointURLs []string, symbol string, iv timeutil.Interval, cursor, end time.Time, limit int) ([][]string, error) {
	day := timeutil.DayOf(cursor)

	var rows [][]string
	policy := errs.RetryPolicy{
		MaxRetries:   c.maxRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}

	attempt := 0
	err := errs.Retry(ctx, c.logger, policy, "rest_page", func() error {
		endpointURL := endpointURLs[attempt%len(endpointURLs)]
		attempt++
		if err := c.limiter.WaitN(ctx, c.weight); err != nil {
			return errs.NewDay(errs.KindTransport, string(models.SourceRest), day, "weight_budget", err)
		}

		pageCtx, cancel := context.WithTimeout(ctx, c.pageTimeout)
		defer cancel()

		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("interval", iv.String())
		q.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		q.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
		q.Set("limit", strconv.Itoa(limit))

		req, err := http.NewRequestWithContext(pageCtx, http.MethodGet, endpointURL+"?"+q.Encode(), nil)
		if err != nil {
			return errs.NewDay(errs.KindValidation, string(models.SourceRest), day, "request", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errs.NewDay(errs.KindTransport, string(models.SourceRest), day, "get", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
			io.Copy(io.Discard, resp.Body)
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				c.logger.Warn("rate limited, honoring Retry-After", "wait", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return errs.NewDay(errs.KindTransport, string(models.SourceRest), day, "rate_limit", ctx.Err())
				}
			}
			return errs.NewDay(errs.KindRateLimit, string(models.SourceRest), day, "get",
				fmt.Errorf("HTTP %d", resp.StatusCode))
		case resp.StatusCode == http.StatusForbidden:
			io.Copy(io.Discard, resp.Body)
			// A 403 on a future start time is the vendor's way of refusing a
			// nonsensical window.
			if cursor.After(time.Now().UTC()) {
				return errs.NewDay(errs.KindValidation, string(models.SourceRest), day, "get",
					fmt.Errorf("HTTP 403 for future startTime %s", cursor.Format(time.RFC3339)))
			}
			return errs.NewDay(errs.KindTransport, string(models.SourceRest), day, "get",
				fmt.Errorf("HTTP 403"))
		case resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return errs.NewDay(errs.KindTransport, string(models.SourceRest), day, "get",
				fmt.Errorf("HTTP %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			body, _ := io.ReadAll(resp.Body)
			return errs.NewDay(errs.KindValidation, string(models.SourceRest), day, "get",
				fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
		}

		parsed, err := decodeKlines(resp.Body)
		if err != nil {
			return errs.NewDay(errs.KindIntegrity, string(models.SourceRest), day, "decode", err)
		}
		rows = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// decodeKlines parses the JSON array-of-arrays response into raw string
// rows sharing the archive CSV column ordering.
func decodeKlines(r io.Reader) ([][]string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw [][]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding klines response: %w", err)
	}

	rows := make([][]string, 0, len(raw))
	for i, arr := range raw {
		if len(arr) < models.WireColumns-1 {
			return nil, fmt.Errorf("row %d has %d elements, want %d", i, len(arr), models.WireColumns)
		}
		cols := make([]string, len(arr))
		for j, elem := range arr {
			cols[j] = decodeElement(elem)
		}
		rows = append(rows, cols)
	}
	return rows, nil
}

// decodeElement renders a JSON scalar (string or number) as its string form.
func decodeElement(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
