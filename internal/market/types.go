package market

import (
	"fmt"
	"strings"
)

// Venue identifies one of the three Binance market segments.
type Venue string

const (
	VenueSpot  Venue = "SPOT"
	VenueUSDM  Venue = "USDT-M"
	VenueCoinM Venue = "COIN-M"
)

// ParseVenue maps a config string onto a Venue.
func ParseVenue(s string) (Venue, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SPOT":
		return VenueSpot, nil
	case "USDT-M", "USDM", "USD-M":
		return VenueUSDM, nil
	case "COIN-M", "COINM":
		return VenueCoinM, nil
	default:
		return "", fmt.Errorf("unknown venue %q", s)
	}
}

// StreamType names the push channel kind a trade arrived on.
type StreamType string

const (
	StreamAggTrade StreamType = "aggTrade"
	StreamTrade    StreamType = "trade"
)

// Direction of the taker side of a trade.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// SymbolStatus is the stored lifecycle state of an instrument.
type SymbolStatus string

const (
	SymbolActive   SymbolStatus = "ACTIVE"
	SymbolInactive SymbolStatus = "INACTIVE"
)

// Symbol is one instrument on one venue.
type Symbol struct {
	Symbol       string
	Venue        Venue
	BaseAsset    string
	QuoteAsset   string
	Status       SymbolStatus
	ContractType string
	DeliveryDate int64
	OnboardDate  int64
	TickSize     float64
	StepSize     float64
	MinNotional  float64
	UpdatedAt    int64
}

// Candle is one OHLCV bar. Times are unix milliseconds.
type Candle struct {
	Symbol      string
	OpenTime    int64
	CloseTime   int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	TradeCount  int64
}

// CandleInterval is one of the persisted bar widths.
type CandleInterval string

const (
	Interval1m  CandleInterval = "1m"
	Interval30m CandleInterval = "30m"
	Interval1d  CandleInterval = "1d"
)

// TradeSource marks how an aggregated trade reached the store.
type TradeSource string

const (
	SourcePush TradeSource = "push"
	SourceRest TradeSource = "rest"
)

// AggTrade is one exchange-aggregated trade.
type AggTrade struct {
	Symbol       string
	Venue        Venue
	TradeID      int64
	Price        float64
	Quantity     float64
	FirstTradeID int64
	LastTradeID  int64
	TradeTime    int64
	IsBuyerMaker bool
	IsBestMatch  bool
	Source       TradeSource
}

// Trade is one real-time trade as emitted by a push channel.
type Trade struct {
	Symbol     string
	Venue      Venue
	TradeID    int64
	Timestamp  int64
	Price      float64
	Amount     float64
	Direction  Direction
	StreamType StreamType
}

// SignedAmount returns the CVD contribution of the trade.
func (t Trade) SignedAmount() float64 {
	if t.Direction == DirectionSell {
		return -t.Amount
	}
	return t.Amount
}

// LiquidationEvent is one forced order seen on a futures venue.
type LiquidationEvent struct {
	Venue       Venue
	Symbol      string
	OrderID     int64
	Side        string
	Price       float64
	OrigQty     float64
	FilledQty   float64
	OrderStatus string
	EventTime   int64
	TradeTime   int64
}

// EventID derives the dedup key. Orders carry an order id when the venue
// provides one; otherwise the identity falls back to the event tuple.
func (e LiquidationEvent) EventID() string {
	if e.OrderID != 0 {
		return fmt.Sprintf("%s:%d", e.Venue, e.OrderID)
	}
	return fmt.Sprintf("%s:%s-%d-%d-%s-%s", e.Venue, e.Symbol, e.EventTime, e.TradeTime, e.Side, formatQty(e.FilledQty))
}

// RatioSample is one long/short ratio observation for a symbol.
type RatioSample struct {
	Symbol         string
	Timestamp      int64
	LongShortRatio float64
	LongRatio      float64
	ShortRatio     float64
}

// CvdRecord is one computed CVD point for an aggregator.
type CvdRecord struct {
	AggregatorID string
	Timestamp    int64
	CvdValue     float64
	ZScore       float64
	Delta        float64
	DeltaZScore  float64
}

// StreamSpec declares one (symbol, venue, streamType) source of an aggregator.
type StreamSpec struct {
	Symbol     string
	Venue      Venue
	StreamType StreamType
}

// Matches reports whether a trade belongs to this stream.
func (s StreamSpec) Matches(t Trade) bool {
	return s.Symbol == t.Symbol && s.Venue == t.Venue && s.StreamType == t.StreamType
}

// Channel renders the push subscription name, e.g. btcusdt@aggTrade.
func (s StreamSpec) Channel() string {
	return strings.ToLower(s.Symbol) + "@" + string(s.StreamType)
}

func formatQty(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.8f", v), "0"), ".")
}
