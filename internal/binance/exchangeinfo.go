package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// ExchangeSymbol is one raw catalog entry across venue schemas. Spot uses
// status/permissions, coin-margined uses contractStatus.
type ExchangeSymbol struct {
	Symbol               string          `json:"symbol"`
	Status               string          `json:"status"`
	ContractStatus       string          `json:"contractStatus"`
	BaseAsset            string          `json:"baseAsset"`
	QuoteAsset           string          `json:"quoteAsset"`
	ContractType         string          `json:"contractType"`
	DeliveryDate         int64           `json:"deliveryDate"`
	OnboardDate          int64           `json:"onboardDate"`
	Permissions          []string        `json:"permissions"`
	PermissionSets       [][]string      `json:"permissionSets"`
	IsSpotTradingAllowed bool            `json:"isSpotTradingAllowed"`
	Filters              []symbolFilter  `json:"filters"`
}

type symbolFilter struct {
	FilterType  string          `json:"filterType"`
	TickSize    market.StrOrNum `json:"tickSize"`
	StepSize    market.StrOrNum `json:"stepSize"`
	MinNotional market.StrOrNum `json:"minNotional"`
	Notional    market.StrOrNum `json:"notional"`
}

type exchangeInfoMsg struct {
	Symbols []ExchangeSymbol `json:"symbols"`
}

// FetchExchangeInfo loads the full symbol catalog of one venue.
func (c *RestClient) FetchExchangeInfo(ctx context.Context, venue market.Venue) ([]ExchangeSymbol, error) {
	var (
		path   string
		weight int
	)
	switch venue {
	case market.VenueSpot:
		path, weight = "/api/v3/exchangeInfo", weightExchangeInfoSpot
	case market.VenueUSDM:
		path, weight = "/fapi/v1/exchangeInfo", weightExchangeInfoPerps
	case market.VenueCoinM:
		path, weight = "/dapi/v1/exchangeInfo", weightExchangeInfoPerps
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	body, err := c.get(ctx, venue, path, nil, weight, 0, "exchangeInfo:"+string(venue))
	if err != nil {
		return nil, err
	}
	var msg exchangeInfoMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	return msg.Symbols, nil
}

// TradingStatus returns the exchange lifecycle state regardless of venue
// schema.
func (e ExchangeSymbol) TradingStatus() string {
	if e.Status != "" {
		return e.Status
	}
	return e.ContractStatus
}

// SpotEligible reports whether a spot catalog entry actually trades on the
// spot market: SPOT permission directly, inside a permission set, or the
// legacy flag.
func (e ExchangeSymbol) SpotEligible() bool {
	for _, p := range e.Permissions {
		if strings.EqualFold(p, "SPOT") {
			return true
		}
	}
	for _, set := range e.PermissionSets {
		for _, p := range set {
			if strings.EqualFold(p, "SPOT") {
				return true
			}
		}
	}
	return e.IsSpotTradingAllowed
}

// ToSymbol maps a catalog entry onto the stored model. Exchange status
// TRADING becomes ACTIVE; everything else INACTIVE.
func (e ExchangeSymbol) ToSymbol(venue market.Venue) market.Symbol {
	status := market.SymbolInactive
	if e.TradingStatus() == "TRADING" {
		status = market.SymbolActive
	}
	sym := market.Symbol{
		Symbol:       e.Symbol,
		Venue:        venue,
		BaseAsset:    e.BaseAsset,
		QuoteAsset:   e.QuoteAsset,
		Status:       status,
		ContractType: e.ContractType,
		DeliveryDate: e.DeliveryDate,
		OnboardDate:  e.OnboardDate,
	}
	for _, f := range e.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			sym.TickSize = f.TickSize.Float()
		case "LOT_SIZE":
			sym.StepSize = f.StepSize.Float()
		case "MIN_NOTIONAL":
			if !f.MinNotional.IsZero() {
				sym.MinNotional = f.MinNotional.Float()
			} else {
				sym.MinNotional = f.Notional.Float()
			}
		case "NOTIONAL":
			sym.MinNotional = f.Notional.Float()
		}
	}
	return sym
}
