package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/ratelimit"
)

// ErrUnknownVenue indicates an operation against a venue it does not exist on.
var ErrUnknownVenue = errors.New("binance: unknown venue for operation")

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

// RateLimited classifies the error for the rate limiter's retry path.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == -1003
}

// RestClient is a thin venue-aware wrapper around the rate limiter.
type RestClient struct {
	venues  Venues
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// NewRestClient builds the client and registers the venue endpoint buckets.
// buffer shrinks the declared capacities, e.g. 0.1 keeps 90%.
func NewRestClient(venues Venues, limiter *ratelimit.Limiter, buffer float64, logger zerolog.Logger) *RestClient {
	v := venues.withDefaults()
	if buffer < 0 || buffer >= 1 {
		buffer = 0.1
	}
	scale := func(capacity int) int {
		c := int(float64(capacity) * (1 - buffer))
		if c < 1 {
			c = 1
		}
		return c
	}
	limiter.Register(ratelimit.Endpoint{Key: EndpointSpot, Capacity: scale(spotWeightPerMinute), RefillInterval: time.Minute})
	limiter.Register(ratelimit.Endpoint{Key: EndpointUSDM, Capacity: scale(usdmWeightPerMinute), RefillInterval: time.Minute})
	limiter.Register(ratelimit.Endpoint{Key: EndpointCoinM, Capacity: scale(coinmWeightPerMinute), RefillInterval: time.Minute})
	return &RestClient{
		venues:  v,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		limiter: limiter,
		logger:  logger.With().Str("component", "binance_rest").Logger(),
	}
}

func (c *RestClient) endpointFor(venue market.Venue) (key, base string, limit int, err error) {
	switch venue {
	case market.VenueSpot:
		return EndpointSpot, c.venues.SpotRESTURL, spotWeightPerMinute, nil
	case market.VenueUSDM:
		return EndpointUSDM, c.venues.USDMRESTURL, usdmWeightPerMinute, nil
	case market.VenueCoinM:
		return EndpointCoinM, c.venues.CoinMRESTURL, coinmWeightPerMinute, nil
	default:
		return "", "", 0, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
}

// get runs one admitted GET and returns the raw body.
func (c *RestClient) get(ctx context.Context, venue market.Venue, path string, query url.Values, weight, priority int, identifier string) ([]byte, error) {
	key, base, limit, err := c.endpointFor(venue)
	if err != nil {
		return nil, err
	}
	full := base + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	res, err := c.limiter.Schedule(ctx, ratelimit.Request{
		Endpoint:   key,
		Identifier: identifier,
		Weight:     weight,
		Priority:   priority,
	}, func(ctx context.Context) (any, error) {
		c.logger.Debug().Str("url", full).Msg("REST request")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if used, err := strconv.Atoi(resp.Header.Get(usedWeightHeader)); err == nil {
			c.limiter.ObserveUsage(key, used, limit)
		}
		if resp.StatusCode/100 != 2 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var payload struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}
			if json.Unmarshal(body, &payload) == nil {
				apiErr.Code = payload.Code
				apiErr.Message = payload.Msg
			}
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
			return nil, apiErr
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// FetchCandles returns klines for a symbol ordered by open time ascending.
func (c *RestClient) FetchCandles(ctx context.Context, symbol string, interval market.CandleInterval, venue market.Venue, startTime int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	var path string
	switch venue {
	case market.VenueSpot:
		path = "/api/v3/klines"
	case market.VenueUSDM:
		path = "/fapi/v1/klines"
	case market.VenueCoinM:
		path = "/dapi/v1/klines"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	q.Set("limit", "1000")
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	body, err := c.get(ctx, venue, path, q, weightKlines, 0, fmt.Sprintf("klines:%s:%s", symbol, interval))
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 7 {
			continue
		}
		out = append(out, market.Candle{
			Symbol:      symbol,
			OpenTime:    market.ToInt64(k[0]),
			Open:        market.ToFloat(k[1]),
			High:        market.ToFloat(k[2]),
			Low:         market.ToFloat(k[3]),
			Close:       market.ToFloat(k[4]),
			Volume:      market.ToFloat(k[5]),
			CloseTime:   market.ToInt64(k[6]),
			QuoteVolume: market.ToFloat(valueAt(k, 7)),
			TradeCount:  market.ToInt64At(k, 8),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

// AggTradeQuery narrows an aggregated-trade fetch.
type AggTradeQuery struct {
	StartTime int64
	EndTime   int64
	FromID    int64
	Limit     int
}

type aggTradeMsg struct {
	AggID        int64           `json:"a"`
	Price        market.StrOrNum `json:"p"`
	Quantity     market.StrOrNum `json:"q"`
	FirstTradeID int64           `json:"f"`
	LastTradeID  int64           `json:"l"`
	TradeTime    int64           `json:"T"`
	IsBuyerMaker bool            `json:"m"`
	IsBestMatch  bool            `json:"M"`
}

// FetchAggTrades returns aggregated trades ordered by trade time ascending.
// Only spot and USDT-margined venues expose the endpoint.
func (c *RestClient) FetchAggTrades(ctx context.Context, symbol string, venue market.Venue, query AggTradeQuery) ([]market.AggTrade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	var (
		path   string
		weight int
	)
	switch venue {
	case market.VenueSpot:
		path, weight = "/api/v3/aggTrades", weightAggTradesSpot
	case market.VenueUSDM:
		path, weight = "/fapi/v1/aggTrades", weightAggTradesUSDM
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
	limit := query.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))
	if query.StartTime > 0 {
		q.Set("startTime", strconv.FormatInt(query.StartTime, 10))
	}
	if query.EndTime > 0 {
		q.Set("endTime", strconv.FormatInt(query.EndTime, 10))
	}
	if query.FromID > 0 {
		q.Set("fromId", strconv.FormatInt(query.FromID, 10))
	}
	body, err := c.get(ctx, venue, path, q, weight, 0, fmt.Sprintf("aggTrades:%s", symbol))
	if err != nil {
		return nil, err
	}
	var raw []aggTradeMsg
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode agg trades: %w", err)
	}
	out := make([]market.AggTrade, 0, len(raw))
	for _, m := range raw {
		out = append(out, market.AggTrade{
			Symbol:       symbol,
			Venue:        venue,
			TradeID:      m.AggID,
			Price:        m.Price.Float(),
			Quantity:     m.Quantity.Float(),
			FirstTradeID: m.FirstTradeID,
			LastTradeID:  m.LastTradeID,
			TradeTime:    m.TradeTime,
			IsBuyerMaker: m.IsBuyerMaker,
			IsBestMatch:  m.IsBestMatch,
			Source:       market.SourceRest,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeTime < out[j].TradeTime })
	return out, nil
}

type ratioMsg struct {
	Symbol         string          `json:"symbol"`
	LongShortRatio market.StrOrNum `json:"longShortRatio"`
	LongAccount    market.StrOrNum `json:"longAccount"`
	ShortAccount   market.StrOrNum `json:"shortAccount"`
	Timestamp      int64           `json:"timestamp"`
}

// FetchTopTraderPositions returns the 5m top-trader position ratio series.
func (c *RestClient) FetchTopTraderPositions(ctx context.Context, symbol string) ([]market.RatioSample, error) {
	return c.fetchRatio(ctx, symbol, "/futures/data/topLongShortPositionRatio")
}

// FetchTopTraderAccounts returns the 5m top-trader account ratio series.
func (c *RestClient) FetchTopTraderAccounts(ctx context.Context, symbol string) ([]market.RatioSample, error) {
	return c.fetchRatio(ctx, symbol, "/futures/data/topLongShortAccountRatio")
}

func (c *RestClient) fetchRatio(ctx context.Context, symbol, path string) ([]market.RatioSample, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", "5m")
	q.Set("limit", "12")
	body, err := c.get(ctx, market.VenueUSDM, path, q, weightTopTrader, 0, fmt.Sprintf("ratio:%s:%s", path, symbol))
	if err != nil {
		return nil, err
	}
	var raw []ratioMsg
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode ratio series: %w", err)
	}
	out := make([]market.RatioSample, 0, len(raw))
	for _, m := range raw {
		out = append(out, market.RatioSample{
			Symbol:         symbol,
			Timestamp:      m.Timestamp,
			LongShortRatio: m.LongShortRatio.Float(),
			LongRatio:      m.LongAccount.Float(),
			ShortRatio:     m.ShortAccount.Float(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func valueAt(row []any, idx int) any {
	if idx < 0 || idx >= len(row) {
		return nil
	}
	return row[idx]
}
