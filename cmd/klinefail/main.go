// Kline retrieval CLI with layered failover.
// This application retrieves historical OHLCV candlesticks for a requested
// (symbol, interval, market, time range), composing a local columnar cache,
// the provider's bulk archive, and the live REST endpoint into one
// normalized, temporally-ordered table.
//
// Usage:
//
//	klinefail fetch --symbol BTCUSDT --interval 1h --market spot --start 2024-01-15 --end 2024-01-16
//	klinefail fetch --symbol BTCUSDT --interval 1m --start 2024-03-10T00:00:00Z --end 2024-03-10T01:00:00Z --output csv
//	klinefail verify-cache --symbol BTCUSDT --interval 1h --market spot --date 2024-01-15
//	klinefail retry-checksums --symbol BTCUSDT --interval 1m --market spot
//
// For detailed help on any command, use: klinefail <command> --help
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/johnayoung/go-kline-failover/internal/archive"
	"github.com/johnayoung/go-kline-failover/internal/cache"
	"github.com/johnayoung/go-kline-failover/internal/config"
	"github.com/johnayoung/go-kline-failover/internal/fcp"
	"github.com/johnayoung/go-kline-failover/internal/logger"
	"github.com/johnayoung/go-kline-failover/internal/market"
	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/rest"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

const (
	appName = "klinefail"
	version = "1.0.0"
)

// Exit codes following standard conventions
const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitDataError   = 4
	exitInterrupt   = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitUsageError
	}

	switch args[0] {
	case "fetch":
		return cmdFetch(args[1:])
	case "verify-cache":
		return cmdVerifyCache(args[1:])
	case "retry-checksums":
		return cmdRetryChecksums(args[1:])
	case "version":
		fmt.Printf("%s %s\n", appName, version)
		return exitSuccess
	case "help", "-h", "--help":
		printUsage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return exitUsageError
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - kline retrieval with layered failover

Commands:
  fetch            Retrieve a normalized candle table for a time range
  verify-cache     Validate a cached day against its embedded header
  retry-checksums  Re-fetch days with recorded checksum failures
  version          Print version information

Use '%s <command> --help' for command-specific flags.
`, appName, appName)
}

// commonFlags holds flags shared by every command.
type commonFlags struct {
	configPath string
	symbol     string
	interval   string
	marketType string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", "", "path to JSON config file")
	fs.StringVar(&cf.symbol, "symbol", "", "trading symbol, e.g. BTCUSDT")
	fs.StringVar(&cf.interval, "interval", "1h", "kline interval (1s..1d)")
	fs.StringVar(&cf.marketType, "market", "spot", "market type: spot, futures_usdt, futures_coin")
	return cf
}

// buildManager wires the full stack from configuration.
func buildManager(configPath string) (*fcp.Manager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	var store *cache.Store
	if cfg.Cache.Enabled {
		store = cache.NewStore(cfg.Cache.Dir, log)
	}

	var registry *cache.Registry
	if store != nil {
		registry = store.Registry()
	}

	archClient := archive.NewClient(archive.Config{
		BaseURL:    cfg.Archive.BaseURL,
		Timeout:    cfg.ArchiveTimeout(),
		MaxRetries: cfg.Archive.MaxRetries,
		Logger:     log,
		Registry:   registry,
	})
	restClient := rest.NewClient(rest.Config{
		BaseURL:         cfg.Rest.BaseURL,
		WeightPerMinute: cfg.Rest.WeightPerMinute,
		KlinesWeight:    cfg.Rest.KlinesWeight,
		PageTimeout:     cfg.RestPageTimeout(),
		MaxRetries:      cfg.Rest.MaxRetries,
		Logger:          log,
	})

	mgr, err := fcp.New(fcp.Config{
		Cache:            store,
		Archive:          archClient,
		Rest:             restClient,
		Logger:           log,
		PublicationDelay: cfg.PublicationDelay(),
		Parallelism:      cfg.FCP.Parallelism,
	})
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}

	return mgr, func() { logCloser.Close() }, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseMarketInterval(cf *commonFlags) (market.Type, timeutil.Interval, error) {
	mkt, err := market.ParseType(cf.marketType)
	if err != nil {
		return "", "", err
	}
	iv, err := timeutil.ParseInterval(cf.interval)
	if err != nil {
		return "", "", err
	}
	if cf.symbol == "" {
		return "", "", fmt.Errorf("--symbol is required")
	}
	return mkt, iv, nil
}

// parseTimeFlag accepts RFC 3339 or a bare date.
func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("time value is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", value)
}

func cmdFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	startStr := fs.String("start", "", "range start (inclusive), RFC 3339 or YYYY-MM-DD")
	endStr := fs.String("end", "", "range end (exclusive), RFC 3339 or YYYY-MM-DD")
	enforce := fs.String("source", "auto", "enforce source: auto, cache, archive, rest")
	noCache := fs.Bool("no-cache", false, "disable cache reads and writes")
	reindex := fs.Bool("reindex", false, "pad missing intervals with NaN rows")
	gapAction := fs.String("gap-action", "report", "gap handling: report, impute_nan, impute_forward_fill, reject")
	proceedChecksum := fs.Bool("proceed-on-checksum-failure", false, "accept archive rows despite checksum mismatch")
	output := fs.String("output", "json", "output format: json, csv")
	fs.Parse(args)

	mkt, iv, err := parseMarketInterval(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsageError
	}
	start, err := parseTimeFlag(*startStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --start: %v\n", err)
		return exitUsageError
	}
	end, err := parseTimeFlag(*endStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --end: %v\n", err)
		return exitUsageError
	}

	mgr, cleanup, err := buildManager(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfigError
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	opts := fcp.DefaultOptions()
	opts.EnforceSource = fcp.EnforcedSource(*enforce)
	opts.UseCache = !*noCache
	opts.AutoReindex = *reindex
	opts.GapAction = models.GapAction(*gapAction)
	opts.ProceedOnChecksumFailure = *proceedChecksum

	res, err := mgr.Get(ctx, fcp.Request{
		Symbol:   cf.symbol,
		Interval: iv,
		Market:   mkt,
		Start:    start,
		End:      end,
	}, opts)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "interrupted")
			return exitInterrupt
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitDataError
	}

	if err := writeResult(os.Stdout, res, *output); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitDataError
	}
	return exitSuccess
}

func writeResult(w *os.File, res *fcp.Result, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Candles    []models.Candle     `json:"candles"`
			Provenance []models.Provenance `json:"provenance"`
			Gaps       []models.GapRange   `json:"gaps,omitempty"`
		}{res.Frame.Candles, res.Provenance, res.Gaps})
	case "csv":
		cw := csv.NewWriter(w)
		header := []string{
			"open_time", "open", "high", "low", "close", "volume",
			"close_time", "quote_asset_volume", "number_of_trades",
			"taker_buy_base_volume", "taker_buy_quote_volume",
		}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, c := range res.Frame.Candles {
			row := []string{
				c.OpenTime.Format(time.RFC3339Nano),
				formatFloat(c.Open), formatFloat(c.High), formatFloat(c.Low),
				formatFloat(c.Close), formatFloat(c.Volume),
				c.CloseTime.Format(time.RFC3339Nano),
				formatFloat(c.QuoteVolume),
				strconv.FormatInt(c.TradeCount, 10),
				formatFloat(c.TakerBuyBaseVolume), formatFloat(c.TakerBuyQuoteVolume),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func cmdVerifyCache(args []string) int {
	fs := flag.NewFlagSet("verify-cache", flag.ExitOnError)
	cf := addCommonFlags(fs)
	dateStr := fs.String("date", "", "UTC day to verify, YYYY-MM-DD")
	repair := fs.Bool("repair", false, "refetch and rewrite the day on failure")
	fs.Parse(args)

	mkt, iv, err := parseMarketInterval(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsageError
	}
	day, err := parseTimeFlag(*dateStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --date: %v\n", err)
		return exitUsageError
	}

	mgr, cleanup, err := buildManager(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfigError
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	verifyErr := mgr.VerifyCache(mkt, cf.symbol, iv, day)
	if verifyErr == nil {
		fmt.Printf("cache entry for %s %s %s is valid\n", cf.symbol, iv, day.Format("2006-01-02"))
		return exitSuccess
	}

	fmt.Fprintf(os.Stderr, "cache entry invalid: %v\n", verifyErr)
	if !*repair {
		return exitDataError
	}

	if err := mgr.RepairCache(ctx, mkt, cf.symbol, iv, day); err != nil {
		fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
		return exitDataError
	}
	fmt.Printf("repaired cache entry for %s %s %s\n", cf.symbol, iv, day.Format("2006-01-02"))
	return exitSuccess
}

func cmdRetryChecksums(args []string) int {
	fs := flag.NewFlagSet("retry-checksums", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fs.Parse(args)

	mkt, iv, err := parseMarketInterval(cf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsageError
	}

	mgr, cleanup, err := buildManager(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfigError
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	repaired, err := mgr.RetryFailedChecksums(ctx, mkt, cf.symbol, iv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitDataError
	}
	if len(repaired) == 0 {
		fmt.Println("no flagged days to retry")
		return exitSuccess
	}
	for _, day := range repaired {
		fmt.Printf("repaired %s\n", day.Format("2006-01-02"))
	}
	return exitSuccess
}
