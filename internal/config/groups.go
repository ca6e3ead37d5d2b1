package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/senni000/crypto-data-binance/internal/cvd"
	"github.com/senni000/crypto-data-binance/internal/market"
)

// groupSpec is the external aggregator schema shared by the JSON env value
// and the TOML groups file.
type groupSpec struct {
	ID            string       `json:"id" toml:"id"`
	DisplayName   string       `json:"displayName" toml:"displayName"`
	Streams       []streamSpec `json:"streams" toml:"streams"`
	AlertsEnabled *bool        `json:"alertsEnabled" toml:"alertsEnabled"`
}

type streamSpec struct {
	Symbol     string `json:"symbol" toml:"symbol"`
	MarketType string `json:"marketType" toml:"marketType"`
	StreamType string `json:"streamType" toml:"streamType"`
}

type groupsFile struct {
	Groups []groupSpec `toml:"groups"`
}

// loadGroups resolves aggregator configs from, in precedence order, the
// JSON env value, the TOML file, then the built-in defaults.
func loadGroups(jsonValue, filePath string) ([]cvd.GroupConfig, error) {
	if strings.TrimSpace(jsonValue) != "" {
		return ParseGroupsJSON([]byte(jsonValue))
	}
	if strings.TrimSpace(filePath) != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("config: read groups file: %w", err)
		}
		return ParseGroupsTOML(data)
	}
	return DefaultGroups(), nil
}

// ParseGroupsJSON decodes the BINANCE_CVD_GROUPS value.
func ParseGroupsJSON(data []byte) ([]cvd.GroupConfig, error) {
	var specs []groupSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("config: parse BINANCE_CVD_GROUPS: %w", err)
	}
	return convertGroups(specs)
}

// ParseGroupsTOML decodes a groups file.
func ParseGroupsTOML(data []byte) ([]cvd.GroupConfig, error) {
	var file groupsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse groups file: %w", err)
	}
	return convertGroups(file.Groups)
}

func convertGroups(specs []groupSpec) ([]cvd.GroupConfig, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("config: aggregator group list is empty")
	}
	seen := make(map[string]bool, len(specs))
	out := make([]cvd.GroupConfig, 0, len(specs))
	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("config: aggregator group without id")
		}
		if seen[id] {
			return nil, fmt.Errorf("config: duplicate aggregator id %q", id)
		}
		seen[id] = true
		if len(spec.Streams) == 0 {
			return nil, fmt.Errorf("config: aggregator %q has no streams", id)
		}
		g := cvd.GroupConfig{
			ID:            id,
			DisplayName:   spec.DisplayName,
			AlertsEnabled: spec.AlertsEnabled == nil || *spec.AlertsEnabled,
		}
		for _, s := range spec.Streams {
			venue, err := market.ParseVenue(s.MarketType)
			if err != nil {
				return nil, fmt.Errorf("config: aggregator %q: %w", id, err)
			}
			streamType := market.StreamAggTrade
			switch strings.TrimSpace(s.StreamType) {
			case "", string(market.StreamAggTrade):
			case string(market.StreamTrade):
				streamType = market.StreamTrade
			default:
				return nil, fmt.Errorf("config: aggregator %q: unknown stream type %q", id, s.StreamType)
			}
			symbol := strings.ToUpper(strings.TrimSpace(s.Symbol))
			if symbol == "" {
				return nil, fmt.Errorf("config: aggregator %q: stream without symbol", id)
			}
			g.Streams = append(g.Streams, market.StreamSpec{
				Symbol:     symbol,
				Venue:      venue,
				StreamType: streamType,
			})
		}
		out = append(out, g)
	}
	return out, nil
}

// DefaultGroups covers the majors when no explicit config is given.
func DefaultGroups() []cvd.GroupConfig {
	return []cvd.GroupConfig{
		{
			ID:            "BTC",
			DisplayName:   "Bitcoin",
			AlertsEnabled: true,
			Streams: []market.StreamSpec{
				{Symbol: "BTCUSDT", Venue: market.VenueSpot, StreamType: market.StreamAggTrade},
				{Symbol: "BTCUSDT", Venue: market.VenueUSDM, StreamType: market.StreamAggTrade},
			},
		},
		{
			ID:            "ETH",
			DisplayName:   "Ethereum",
			AlertsEnabled: true,
			Streams: []market.StreamSpec{
				{Symbol: "ETHUSDT", Venue: market.VenueSpot, StreamType: market.StreamAggTrade},
				{Symbol: "ETHUSDT", Venue: market.VenueUSDM, StreamType: market.StreamAggTrade},
			},
		},
	}
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func siblingDir(dbPath, name string) string {
	return filepath.Join(filepath.Dir(dbPath), name)
}
