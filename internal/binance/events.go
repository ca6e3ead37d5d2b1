package binance

import (
	"encoding/json"
	"strings"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// combined stream frames wrap the event in a data envelope; raw connections
// deliver the event directly.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// unwrapFrame returns the inner event payload.
func unwrapFrame(b []byte) []byte {
	var frame streamFrame
	if err := json.Unmarshal(b, &frame); err == nil && len(frame.Data) > 0 {
		return frame.Data
	}
	return b
}

type tradeEventMsg struct {
	EventType    string          `json:"e"`
	EventTime    int64           `json:"E"`
	Symbol       string          `json:"s"`
	AggTradeID   int64           `json:"a"`
	TradeID      int64           `json:"t"`
	Price        market.StrOrNum `json:"p"`
	Quantity     market.StrOrNum `json:"q"`
	TradeTime    int64           `json:"T"`
	IsBuyerMaker bool            `json:"m"`
}

// DecodeTrade parses an aggTrade or trade push event. Unknown event types
// report ok=false and are dropped by the caller.
func DecodeTrade(venue market.Venue, payload []byte) (market.Trade, bool) {
	var msg tradeEventMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return market.Trade{}, false
	}
	var (
		streamType market.StreamType
		tradeID    int64
	)
	switch msg.EventType {
	case "aggTrade":
		streamType, tradeID = market.StreamAggTrade, msg.AggTradeID
	case "trade":
		streamType, tradeID = market.StreamTrade, msg.TradeID
	default:
		return market.Trade{}, false
	}
	direction := market.DirectionBuy
	if msg.IsBuyerMaker {
		direction = market.DirectionSell
	}
	ts := msg.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}
	return market.Trade{
		Symbol:     strings.ToUpper(msg.Symbol),
		Venue:      venue,
		TradeID:    tradeID,
		Timestamp:  ts,
		Price:      msg.Price.Float(),
		Amount:     msg.Quantity.Float(),
		Direction:  direction,
		StreamType: streamType,
	}, true
}

type forceOrderMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol      string          `json:"s"`
		Side        string          `json:"S"`
		OrderID     int64           `json:"i"`
		OrigQty     market.StrOrNum `json:"q"`
		Price       market.StrOrNum `json:"p"`
		LastPrice   market.StrOrNum `json:"L"`
		AvgPrice    market.StrOrNum `json:"ap"`
		OrderStatus string          `json:"X"`
		FilledQty   market.StrOrNum `json:"z"`
		TradeTime   int64           `json:"T"`
	} `json:"o"`
}

// DecodeLiquidation parses a forceOrder push event. Events without a usable
// side or quantities report ok=false.
func DecodeLiquidation(venue market.Venue, payload []byte) (market.LiquidationEvent, bool) {
	var msg forceOrderMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return market.LiquidationEvent{}, false
	}
	if msg.EventType != "forceOrder" {
		return market.LiquidationEvent{}, false
	}
	side := strings.ToUpper(msg.Order.Side)
	if side != "BUY" && side != "SELL" {
		return market.LiquidationEvent{}, false
	}
	if msg.Order.OrigQty.IsZero() || msg.Order.FilledQty.IsZero() {
		return market.LiquidationEvent{}, false
	}
	price := msg.Order.Price.Float()
	if price == 0 {
		price = msg.Order.LastPrice.Float()
	}
	if price == 0 {
		price = msg.Order.AvgPrice.Float()
	}
	return market.LiquidationEvent{
		Venue:       venue,
		Symbol:      strings.ToUpper(msg.Order.Symbol),
		OrderID:     msg.Order.OrderID,
		Side:        side,
		Price:       price,
		OrigQty:     msg.Order.OrigQty.Float(),
		FilledQty:   msg.Order.FilledQty.Float(),
		OrderStatus: msg.Order.OrderStatus,
		EventTime:   msg.EventTime,
		TradeTime:   msg.Order.TradeTime,
	}, true
}
