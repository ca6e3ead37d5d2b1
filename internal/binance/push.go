package binance

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// wsBase returns the push base URL for a venue.
func (v Venues) wsBase(venue market.Venue) (string, error) {
	switch venue {
	case market.VenueSpot:
		return v.SpotWSURL, nil
	case market.VenueUSDM:
		return v.USDMWSURL, nil
	case market.VenueCoinM:
		return v.CoinMWSURL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}
}

// TradeStream fans venue-segregated push connections into one typed trade
// channel.
type TradeStream struct {
	venues Venues
	logger zerolog.Logger

	out  chan market.Trade
	errs chan error

	mu      sync.Mutex
	clients []*streamClient
}

// NewTradeStream builds an idle stream; Subscribe opens the connections.
func NewTradeStream(venues Venues, logger zerolog.Logger) *TradeStream {
	return &TradeStream{
		venues: venues.withDefaults(),
		logger: logger.With().Str("component", "trade_stream").Logger(),
		out:    make(chan market.Trade, 1024),
		errs:   make(chan error, 16),
	}
}

// Subscribe groups the specs by venue and opens one combined-streams
// connection per venue.
func (s *TradeStream) Subscribe(specs []market.StreamSpec) error {
	byVenue := make(map[market.Venue][]string)
	for _, spec := range specs {
		byVenue[spec.Venue] = append(byVenue[spec.Venue], spec.Channel())
	}
	for venue, channels := range byVenue {
		base, err := s.venues.wsBase(venue)
		if err != nil {
			return err
		}
		v := venue
		client := newStreamClient(streamURL(base, channels), func(msg []byte) {
			payload := unwrapFrame(msg)
			trade, ok := DecodeTrade(v, payload)
			if !ok {
				return
			}
			select {
			case s.out <- trade:
			default:
				s.logger.Warn().Str("venue", string(v)).Msg("trade channel full, dropping event")
			}
		}, s.emitError, s.logger.With().Str("venue", string(venue)).Logger())
		if err := client.Connect(); err != nil {
			s.Close()
			return err
		}
		s.mu.Lock()
		s.clients = append(s.clients, client)
		s.mu.Unlock()
	}
	return nil
}

// Events is the typed trade feed.
func (s *TradeStream) Events() <-chan market.Trade { return s.out }

// Errors surfaces transport errors; the stream keeps running.
func (s *TradeStream) Errors() <-chan error { return s.errs }

func (s *TradeStream) emitError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Close disconnects every venue connection.
func (s *TradeStream) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	for _, c := range clients {
		c.Disconnect()
	}
}

// LiquidationStream is the forceOrder variant of TradeStream. Liquidations
// exist on the futures venues only.
type LiquidationStream struct {
	venues Venues
	logger zerolog.Logger

	out  chan market.LiquidationEvent
	errs chan error

	mu      sync.Mutex
	clients []*streamClient
}

// NewLiquidationStream builds an idle stream; Subscribe opens connections.
func NewLiquidationStream(venues Venues, logger zerolog.Logger) *LiquidationStream {
	return &LiquidationStream{
		venues: venues.withDefaults(),
		logger: logger.With().Str("component", "liquidation_stream").Logger(),
		out:    make(chan market.LiquidationEvent, 512),
		errs:   make(chan error, 16),
	}
}

// Subscribe opens one connection per futures venue with the symbols'
// forceOrder channels.
func (s *LiquidationStream) Subscribe(symbolsByVenue map[market.Venue][]string) error {
	for venue, symbols := range symbolsByVenue {
		if venue == market.VenueSpot {
			return fmt.Errorf("binance: spot venue has no liquidation channel")
		}
		if len(symbols) == 0 {
			continue
		}
		base, err := s.venues.wsBase(venue)
		if err != nil {
			return err
		}
		channels := make([]string, 0, len(symbols))
		for _, sym := range symbols {
			channels = append(channels, strings.ToLower(sym)+"@forceOrder")
		}
		v := venue
		client := newStreamClient(streamURL(base, channels), func(msg []byte) {
			payload := unwrapFrame(msg)
			event, ok := DecodeLiquidation(v, payload)
			if !ok {
				return
			}
			select {
			case s.out <- event:
			default:
				s.logger.Warn().Str("venue", string(v)).Msg("liquidation channel full, dropping event")
			}
		}, s.emitError, s.logger.With().Str("venue", string(venue)).Logger())
		if err := client.Connect(); err != nil {
			s.Close()
			return err
		}
		s.mu.Lock()
		s.clients = append(s.clients, client)
		s.mu.Unlock()
	}
	return nil
}

// Events is the typed liquidation feed.
func (s *LiquidationStream) Events() <-chan market.LiquidationEvent { return s.out }

// Errors surfaces transport errors; the stream keeps running.
func (s *LiquidationStream) Errors() <-chan error { return s.errs }

func (s *LiquidationStream) emitError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Close disconnects every venue connection.
func (s *LiquidationStream) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	for _, c := range clients {
		c.Disconnect()
	}
}
