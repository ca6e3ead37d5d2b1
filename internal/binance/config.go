package binance

import (
	"strings"
	"time"
)

// Venues carries the REST and push base URLs of the three market segments.
type Venues struct {
	SpotRESTURL  string
	USDMRESTURL  string
	CoinMRESTURL string
	SpotWSURL    string
	USDMWSURL    string
	CoinMWSURL   string
}

func (v Venues) withDefaults() Venues {
	def := func(s, fallback string) string {
		if strings.TrimSpace(s) == "" {
			return fallback
		}
		return strings.TrimRight(strings.TrimSpace(s), "/")
	}
	v.SpotRESTURL = def(v.SpotRESTURL, "https://api.binance.com")
	v.USDMRESTURL = def(v.USDMRESTURL, "https://fapi.binance.com")
	v.CoinMRESTURL = def(v.CoinMRESTURL, "https://dapi.binance.com")
	v.SpotWSURL = def(v.SpotWSURL, "wss://stream.binance.com:9443")
	v.USDMWSURL = def(v.USDMWSURL, "wss://fstream.binance.com")
	v.CoinMWSURL = def(v.CoinMWSURL, "wss://dstream.binance.com")
	return v
}

// Endpoint keys: one token bucket per venue, shared by all REST operations
// of that venue, matching the exchange's per-host weight budget.
const (
	EndpointSpot  = "spot"
	EndpointUSDM  = "usdm"
	EndpointCoinM = "coinm"
)

// Declared per-minute weight capacities of the venue hosts.
const (
	spotWeightPerMinute  = 6000
	usdmWeightPerMinute  = 2400
	coinmWeightPerMinute = 2400
)

// Request weights per operation.
const (
	weightKlines            = 2
	weightAggTradesSpot     = 2
	weightAggTradesUSDM     = 20
	weightTopTrader         = 20
	weightExchangeInfoSpot  = 10
	weightExchangeInfoPerps = 1
)

const defaultHTTPTimeout = 10 * time.Second

// usedWeightHeader is the server usage feedback header consumed by the
// rate limiter.
const usedWeightHeader = "X-Mbx-Used-Weight-1m"
