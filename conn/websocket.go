package conn

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the websocket upgrade.
const DefaultHandshakeTimeout = 10 * time.Second

// WSDialer opens websocket channels. It accepts http/https URLs and
// rewrites the scheme, so callers can pass worker base URLs unchanged.
type WSDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// Compile-time assertion that WSDialer implements Dialer.
var _ Dialer = (*WSDialer)(nil)

// WSDialerOption configures a WSDialer.
type WSDialerOption func(*WSDialer)

// WithHandshakeTimeout bounds the websocket upgrade handshake.
func WithHandshakeTimeout(d time.Duration) WSDialerOption {
	return func(w *WSDialer) {
		w.dialer.HandshakeTimeout = d
	}
}

// WithHeader adds request headers to the upgrade request, e.g. cookies or
// authorization.
func WithHeader(header http.Header) WSDialerOption {
	return func(w *WSDialer) {
		w.header = header
	}
}

// NewWSDialer creates a websocket dialer with default settings.
func NewWSDialer(opts ...WSDialerOption) *WSDialer {
	w := &WSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Dial opens a websocket channel to the given URL.
func (w *WSDialer) Dial(ctx context.Context, rawURL string) (Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported channel scheme %q", u.Scheme)
	}

	wsConn, resp, err := w.dialer.DialContext(ctx, u.String(), w.header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()

			return nil, fmt.Errorf("open channel: %w (status %s)", err, resp.Status)
		}

		return nil, fmt.Errorf("open channel: %w", err)
	}

	ch := &wsChannel{
		conn: wsConn,
		recv: make(chan []byte, 16),
	}
	go ch.readLoop()

	return ch, nil
}

// wsChannel adapts a websocket connection to the Channel interface.
type wsChannel struct {
	conn    *websocket.Conn
	recv    chan []byte
	writeMu sync.Mutex
}

func (c *wsChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Recv() <-chan []byte {
	return c.recv
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

func (c *wsChannel) readLoop() {
	defer close(c.recv)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		c.recv <- data
	}
}
