// Package market describes the provider markets the retriever can serve:
// market types, their archive path segments, REST endpoint capabilities,
// and symbol format validation.
package market

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/johnayoung/go-kline-failover/internal/timeutil"
)

// Provider identifies the upstream data provider.
type Provider string

const ProviderBinance Provider = "binance"

// DataNature identifies the kind of series being retrieved.
type DataNature string

const NatureKlines DataNature = "klines"

// Packaging identifies the archive packaging frequency.
type Packaging string

const PackagingDaily Packaging = "daily"

// Type is the market type a symbol trades on.
type Type string

const (
	Spot        Type = "spot"
	FuturesUSDT Type = "futures_usdt"
	FuturesCoin Type = "futures_coin"
)

// ParseType converts a string to a known market Type. The short archive
// aliases "um" and "cm" are accepted.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "spot":
		return Spot, nil
	case "futures_usdt", "um", "futures":
		return FuturesUSDT, nil
	case "futures_coin", "cm":
		return FuturesCoin, nil
	}
	return "", fmt.Errorf("unknown market type %q", s)
}

// ArchivePath returns the bulk-archive path segment for the market.
func (t Type) ArchivePath() string {
	switch t {
	case Spot:
		return "spot"
	case FuturesUSDT:
		return "futures/um"
	case FuturesCoin:
		return "futures/cm"
	}
	return ""
}

// IsFutures reports whether the market is any futures variant.
func (t Type) IsFutures() bool { return t == FuturesUSDT || t == FuturesCoin }

// Capabilities encapsulates the REST-side constraints of a market type.
type Capabilities struct {
	PrimaryEndpoint string
	BackupEndpoints []string
	APIVersion      string
	MaxLimit        int
	SymbolFormat    string
}

// KlinesPath returns the klines resource path for the market's API version.
func (c Capabilities) KlinesPath() string {
	return fmt.Sprintf("/api/%s/klines", c.APIVersion)
}

var capabilities = map[Type]Capabilities{
	Spot: {
		PrimaryEndpoint: "https://api.binance.com",
		BackupEndpoints: []string{
			"https://api1.binance.com",
			"https://api2.binance.com",
			"https://api3.binance.com",
			"https://api4.binance.com",
		},
		APIVersion:   "v3",
		MaxLimit:     1000,
		SymbolFormat: "BTCUSDT",
	},
	FuturesUSDT: {
		PrimaryEndpoint: "https://fapi.binance.com",
		BackupEndpoints: []string{
			"https://fapi1.binance.com",
			"https://fapi2.binance.com",
			"https://fapi3.binance.com",
		},
		APIVersion:   "v1",
		MaxLimit:     1500,
		SymbolFormat: "BTCUSDT",
	},
	FuturesCoin: {
		PrimaryEndpoint: "https://dapi.binance.com",
		BackupEndpoints: []string{
			"https://dapi1.binance.com",
			"https://dapi2.binance.com",
			"https://dapi3.binance.com",
		},
		APIVersion:   "v1",
		MaxLimit:     1500,
		SymbolFormat: "BTCUSD_PERP",
	},
}

// GetCapabilities returns the capabilities for a market type.
func GetCapabilities(t Type) (Capabilities, error) {
	c, ok := capabilities[t]
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown market type %q", string(t))
	}
	return c, nil
}

// SupportsInterval reports whether the market serves the interval.
// 1s klines exist for spot only.
func SupportsInterval(t Type, iv timeutil.Interval) bool {
	if !iv.Retrievable() {
		return false
	}
	if iv == timeutil.Second1 {
		return t == Spot
	}
	return true
}

var (
	plainSymbolRe = regexp.MustCompile(`^[A-Z0-9]{4,20}$`)
	perpSymbolRe  = regexp.MustCompile(`^[A-Z0-9]{4,20}_PERP$`)
)

// ValidateSymbol checks the symbol format against the market type.
// Symbols are upper-case; coin-margined perpetuals carry a _PERP suffix.
func ValidateSymbol(symbol string, t Type) error {
	if symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if symbol != strings.ToUpper(symbol) {
		return fmt.Errorf("symbol %q must be upper-case", symbol)
	}
	switch t {
	case FuturesCoin:
		if !perpSymbolRe.MatchString(symbol) {
			return fmt.Errorf("symbol %q does not match coin-margined format %s", symbol, capabilities[t].SymbolFormat)
		}
	case Spot, FuturesUSDT:
		if !plainSymbolRe.MatchString(symbol) {
			return fmt.Errorf("symbol %q does not match %s format %s", symbol, string(t), capabilities[t].SymbolFormat)
		}
	default:
		return fmt.Errorf("unknown market type %q", string(t))
	}
	return nil
}

// ArchiveSymbol returns the symbol form used in archive URLs. Coin-margined
// perpetual symbols already carry the _PERP suffix after validation, so the
// canonical form is the validated symbol itself.
func ArchiveSymbol(symbol string, t Type) string {
	return strings.ToUpper(symbol)
}
