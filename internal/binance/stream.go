package binance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// ConnState is the lifecycle of one push connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 10 * time.Second
)

// streamClient maintains one combined-streams connection. The subscription
// set is fixed at construction and encoded in the URL, so reconnecting the
// same URL re-subscribes everything.
type streamClient struct {
	url     string
	session string
	logger  zerolog.Logger

	pingInterval time.Duration
	handler      func([]byte)
	onError      func(error)

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	stopped bool
	done    chan struct{}
}

// streamURL renders the combined endpoint for a channel set.
func streamURL(base string, channels []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(channels, "/")
}

func newStreamClient(url string, handler func([]byte), onError func(error), logger zerolog.Logger) *streamClient {
	session := uuid.NewString()[:8]
	return &streamClient{
		url:          url,
		session:      session,
		logger:       logger.With().Str("component", "push").Str("session", session).Logger(),
		pingInterval: defaultPingInterval,
		handler:      handler,
		onError:      onError,
		state:        StateDisconnected,
		done:         make(chan struct{}),
	}
}

// Connect dials the stream and starts the read and heartbeat loops. The
// initial dial error is returned to the caller; later failures reconnect.
func (c *streamClient) Connect() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("binance: stream client already stopped")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.state = StateReady
	c.mu.Unlock()
	c.logger.Info().Str("url", c.url).Msg("stream connected")

	go c.readLoop(conn)
	go c.heartbeat(conn)
	return nil
}

func (c *streamClient) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := d.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetPongHandler(func(string) error { return nil })
	conn.SetPingHandler(func(appData string) error {
		deadline := time.Now().Add(writeTimeout)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})
	return conn, nil
}

// State returns the current connection state.
func (c *streamClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *streamClient) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *streamClient) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.handler(message)
	}
}

func (c *streamClient) handleReadError(conn *websocket.Conn, err error) {
	_ = conn.Close()
	c.mu.Lock()
	stopped := c.stopped
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if stopped {
		return
	}
	if c.onError != nil {
		c.onError(err)
	}
	// normal close means the peer finished the session on purpose
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Info().Msg("stream closed normally")
		return
	}
	c.logger.Warn().Err(err).Msg("stream dropped, reconnecting")
	go c.reconnectLoop()
}

// reconnectLoop redials with truncated exponential backoff until it
// succeeds or the client is stopped.
func (c *streamClient) reconnectLoop() {
	b := &backoff.Backoff{Min: defaultReconnectDelay, Max: maxReconnectDelay, Factor: 2, Jitter: true}
	for {
		delay := b.Duration()
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.Connect(); err != nil {
			c.logger.Warn().Err(err).Dur("next_delay", delay).Msg("reconnect failed")
			continue
		}
		return
	}
}

func (c *streamClient) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				return
			}
		}
	}
}

// Disconnect stops the client for good: no reconnects, timers cleared.
func (c *streamClient) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.logger.Info().Msg("stream disconnected")
}
