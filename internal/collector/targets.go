package collector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// defaultExcludedAssets keeps BTC and the stablecoins out of the historical
// pull set.
var defaultExcludedAssets = map[string]bool{
	"BTC":   true,
	"USDT":  true,
	"USDC":  true,
	"FDUSD": true,
	"TUSD":  true,
	"DAI":   true,
	"BUSD":  true,
	"USDD":  true,
	"USDP":  true,
	"GUSD":  true,
	"LUSD":  true,
	"USDX":  true,
	"EURT":  true,
	"PYUSD": true,
}

// RankedAsset is one row of the external ranked-asset list.
type RankedAsset struct {
	Rank   int
	Name   string
	Symbol string
}

// LoadRankedAssets reads the ranked CSV (header row with at least rank,
// name, symbol; RFC 4180 quoting).
func LoadRankedAssets(path string) ([]RankedAsset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open asset list: %w", err)
	}
	defer f.Close()
	return parseRankedAssets(f)
}

func parseRankedAssets(r io.Reader) ([]RankedAsset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read asset list header: %w", err)
	}
	idx := map[string]int{}
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"rank", "name", "symbol"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("asset list missing %q column", required)
		}
	}
	var out []RankedAsset
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read asset list row: %w", err)
		}
		get := func(col string) string {
			i := idx[col]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		symbol := strings.ToUpper(get("symbol"))
		if symbol == "" {
			continue
		}
		rank, _ := strconv.Atoi(get("rank"))
		out = append(out, RankedAsset{Rank: rank, Name: get("name"), Symbol: symbol})
	}
	return out, nil
}

// SymbolLister reads active venue symbols.
type SymbolLister interface {
	ListActiveSymbols(ctx context.Context, venue market.Venue) ([]market.Symbol, error)
}

// TargetResolver maps the ranked-asset list onto pull targets.
type TargetResolver struct {
	store      SymbolLister
	assetsPath string
	excluded   map[string]bool
	logger     zerolog.Logger
}

// NewTargetResolver builds a resolver; excluded overrides the default
// exclusion set when non-nil.
func NewTargetResolver(store SymbolLister, assetsPath string, excluded map[string]bool, logger zerolog.Logger) *TargetResolver {
	if excluded == nil {
		excluded = defaultExcludedAssets
	}
	return &TargetResolver{
		store:      store,
		assetsPath: assetsPath,
		excluded:   excluded,
		logger:     logger.With().Str("component", "target_resolver").Logger(),
	}
}

// Resolve pairs each ranked asset with any matching venue symbol: active
// spot instruments quoted in USDT and active USDT-margined perpetuals. An
// asset may yield zero, one or two targets.
func (t *TargetResolver) Resolve(ctx context.Context) ([]Target, error) {
	assets, err := LoadRankedAssets(t.assetsPath)
	if err != nil {
		return nil, err
	}

	spot, err := t.store.ListActiveSymbols(ctx, market.VenueSpot)
	if err != nil {
		return nil, fmt.Errorf("list spot symbols: %w", err)
	}
	spotByBase := make(map[string]string)
	for _, s := range spot {
		if s.QuoteAsset == "USDT" {
			spotByBase[strings.ToUpper(s.BaseAsset)] = s.Symbol
		}
	}

	usdm, err := t.store.ListActiveSymbols(ctx, market.VenueUSDM)
	if err != nil {
		return nil, fmt.Errorf("list usdm symbols: %w", err)
	}
	usdmByBase := make(map[string]string)
	for _, s := range usdm {
		if s.ContractType == "" || s.ContractType == "PERPETUAL" {
			usdmByBase[strings.ToUpper(s.BaseAsset)] = s.Symbol
		}
	}

	var targets []Target
	for _, asset := range assets {
		if t.excluded[asset.Symbol] {
			continue
		}
		if sym, ok := spotByBase[asset.Symbol]; ok {
			targets = append(targets, Target{Asset: asset.Symbol, Symbol: sym, Venue: market.VenueSpot})
		}
		if sym, ok := usdmByBase[asset.Symbol]; ok {
			targets = append(targets, Target{Asset: asset.Symbol, Symbol: sym, Venue: market.VenueUSDM})
		}
	}
	t.logger.Debug().Int("assets", len(assets)).Int("targets", len(targets)).Msg("targets resolved")
	return targets, nil
}
