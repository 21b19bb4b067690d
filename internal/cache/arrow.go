package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/johnayoung/go-kline-failover/internal/models"
	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// SchemaVersion is embedded in every cache file. Readers reject files with
// a different version as a typed miss.
const SchemaVersion = "1"

// Metadata keys embedded in the Arrow schema.
const (
	metaSchemaVersion = "schema_version"
	metaSource        = "source"
	metaSymbol        = "symbol"
	metaInterval      = "interval"
	metaMarketType    = "market_type"
	metaDate          = "date"
	metaRowCount      = "row_count"
	metaContentSHA256 = "content_sha256"
	metaMinOpenTimeNS = "min_open_time_ns"
	metaMaxOpenTimeNS = "max_open_time_ns"
)

// Meta is the decoded header of a cache file.
type Meta struct {
	SchemaVersion string
	Source        models.Source
	Symbol        string
	Interval      timeutil.Interval
	MarketType    string
	Date          time.Time
	RowCount      int
	ContentSHA256 string
	MinOpenTime   time.Time
	MaxOpenTime   time.Time
}

var tsType = &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}

func frameSchema(md arrow.Metadata) *arrow.Schema {
	fields := []arrow.Field{
		{Name: "open_time", Type: tsType},
		{Name: "open", Type: arrow.PrimitiveTypes.Float64},
		{Name: "high", Type: arrow.PrimitiveTypes.Float64},
		{Name: "low", Type: arrow.PrimitiveTypes.Float64},
		{Name: "close", Type: arrow.PrimitiveTypes.Float64},
		{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "close_time", Type: tsType},
		{Name: "quote_asset_volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "number_of_trades", Type: arrow.PrimitiveTypes.Int64},
		{Name: "taker_buy_base_volume", Type: arrow.PrimitiveTypes.Float64},
		{Name: "taker_buy_quote_volume", Type: arrow.PrimitiveTypes.Float64},
	}
	return arrow.NewSchema(fields, &md)
}

// contentChecksum computes a SHA-256 over a canonical little-endian row
// encoding, independent of the container format.
func contentChecksum(candles []models.Candle) string {
	h := sha256.New()
	buf := make([]byte, 8)
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf, v)
		h.Write(buf)
	}
	for _, c := range candles {
		writeU64(uint64(c.OpenTime.UnixNano()))
		writeU64(math.Float64bits(c.Open))
		writeU64(math.Float64bits(c.High))
		writeU64(math.Float64bits(c.Low))
		writeU64(math.Float64bits(c.Close))
		writeU64(math.Float64bits(c.Volume))
		writeU64(uint64(c.CloseTime.UnixNano()))
		writeU64(math.Float64bits(c.QuoteVolume))
		writeU64(uint64(c.TradeCount))
		writeU64(math.Float64bits(c.TakerBuyBaseVolume))
		writeU64(math.Float64bits(c.TakerBuyQuoteVolume))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// writeArrowFile encodes a frame as a single-record Arrow IPC file with the
// metadata header embedded in the schema.
func writeArrowFile(w io.Writer, frame *models.Frame, meta Meta) error {
	var minNS, maxNS int64
	if !frame.Empty() {
		first, last := frame.Bounds()
		minNS, maxNS = first.UnixNano(), last.UnixNano()
	}

	md := arrow.NewMetadata(
		[]string{
			metaSchemaVersion, metaSource, metaSymbol, metaInterval,
			metaMarketType, metaDate, metaRowCount, metaContentSHA256,
			metaMinOpenTimeNS, metaMaxOpenTimeNS,
		},
		[]string{
			SchemaVersion,
			string(meta.Source),
			frame.Symbol,
			frame.Interval.String(),
			meta.MarketType,
			meta.Date.Format("2006-01-02"),
			strconv.Itoa(frame.Len()),
			contentChecksum(frame.Candles),
			strconv.FormatInt(minNS, 10),
			strconv.FormatInt(maxNS, 10),
		},
	)
	schema := frameSchema(md)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, c := range frame.Candles {
		b.Field(0).(*array.TimestampBuilder).Append(arrow.Timestamp(c.OpenTime.UnixNano()))
		b.Field(1).(*array.Float64Builder).Append(c.Open)
		b.Field(2).(*array.Float64Builder).Append(c.High)
		b.Field(3).(*array.Float64Builder).Append(c.Low)
		b.Field(4).(*array.Float64Builder).Append(c.Close)
		b.Field(5).(*array.Float64Builder).Append(c.Volume)
		b.Field(6).(*array.TimestampBuilder).Append(arrow.Timestamp(c.CloseTime.UnixNano()))
		b.Field(7).(*array.Float64Builder).Append(c.QuoteVolume)
		b.Field(8).(*array.Int64Builder).Append(c.TradeCount)
		b.Field(9).(*array.Float64Builder).Append(c.TakerBuyBaseVolume)
		b.Field(10).(*array.Float64Builder).Append(c.TakerBuyQuoteVolume)
	}

	rec := b.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("creating arrow writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("writing arrow record: %w", err)
	}
	return fw.Close()
}

// readArrowFile decodes a cache file into candles plus its metadata header.
func readArrowFile(f *os.File) ([]models.Candle, *Meta, error) {
	r, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("opening arrow file: %w", err)
	}
	defer r.Close()

	meta, err := decodeMeta(r.Schema().Metadata())
	if err != nil {
		return nil, nil, err
	}

	var candles []models.Candle
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading arrow record: %w", err)
		}
		if rec.NumCols() != 11 {
			return nil, nil, fmt.Errorf("expected 11 columns, got %d", rec.NumCols())
		}

		openTimes := rec.Column(0).(*array.Timestamp)
		opens := rec.Column(1).(*array.Float64)
		highs := rec.Column(2).(*array.Float64)
		lows := rec.Column(3).(*array.Float64)
		closes := rec.Column(4).(*array.Float64)
		volumes := rec.Column(5).(*array.Float64)
		closeTimes := rec.Column(6).(*array.Timestamp)
		quoteVols := rec.Column(7).(*array.Float64)
		trades := rec.Column(8).(*array.Int64)
		takerBase := rec.Column(9).(*array.Float64)
		takerQuote := rec.Column(10).(*array.Float64)

		for i := 0; i < int(rec.NumRows()); i++ {
			candles = append(candles, models.Candle{
				OpenTime:            time.Unix(0, int64(openTimes.Value(i))).UTC(),
				Open:                opens.Value(i),
				High:                highs.Value(i),
				Low:                 lows.Value(i),
				Close:               closes.Value(i),
				Volume:              volumes.Value(i),
				CloseTime:           time.Unix(0, int64(closeTimes.Value(i))).UTC(),
				QuoteVolume:         quoteVols.Value(i),
				TradeCount:          trades.Value(i),
				TakerBuyBaseVolume:  takerBase.Value(i),
				TakerBuyQuoteVolume: takerQuote.Value(i),
			})
		}
	}

	return candles, meta, nil
}

func decodeMeta(md arrow.Metadata) (*Meta, error) {
	get := func(key string) (string, error) {
		idx := md.FindKey(key)
		if idx < 0 {
			return "", fmt.Errorf("cache file header missing %q", key)
		}
		return md.Values()[idx], nil
	}

	var meta Meta
	var err error
	if meta.SchemaVersion, err = get(metaSchemaVersion); err != nil {
		return nil, err
	}
	src, err := get(metaSource)
	if err != nil {
		return nil, err
	}
	meta.Source = models.Source(src)
	if meta.Symbol, err = get(metaSymbol); err != nil {
		return nil, err
	}
	ivStr, err := get(metaInterval)
	if err != nil {
		return nil, err
	}
	meta.Interval = timeutil.Interval(ivStr)
	if meta.MarketType, err = get(metaMarketType); err != nil {
		return nil, err
	}
	dateStr, err := get(metaDate)
	if err != nil {
		return nil, err
	}
	if meta.Date, err = time.ParseInLocation("2006-01-02", dateStr, time.UTC); err != nil {
		return nil, fmt.Errorf("cache file header has bad date %q: %w", dateStr, err)
	}
	rowStr, err := get(metaRowCount)
	if err != nil {
		return nil, err
	}
	if meta.RowCount, err = strconv.Atoi(rowStr); err != nil {
		return nil, fmt.Errorf("cache file header has bad row_count %q: %w", rowStr, err)
	}
	if meta.ContentSHA256, err = get(metaContentSHA256); err != nil {
		return nil, err
	}
	minStr, err := get(metaMinOpenTimeNS)
	if err != nil {
		return nil, err
	}
	minNS, err := strconv.ParseInt(minStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache file header has bad min_open_time_ns %q: %w", minStr, err)
	}
	maxStr, err := get(metaMaxOpenTimeNS)
	if err != nil {
		return nil, err
	}
	maxNS, err := strconv.ParseInt(maxStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache file header has bad max_open_time_ns %q: %w", maxStr, err)
	}
	meta.MinOpenTime = time.Unix(0, minNS).UTC()
	meta.MaxOpenTime = time.Unix(0, maxNS).UTC()

	return &meta, nil
}
