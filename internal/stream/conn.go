// Package stream owns the persistent websocket connection and the routing
// of inbound frames to outstanding requests.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley-go/internal/wire"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Conn wraps a single websocket connection. It performs no routing itself:
// decoded frames are handed to the onFrame callback and a read failure is
// reported once through onClose. Writes are serialized; gorilla allows only
// one concurrent writer.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	onFrame func(wire.Inbound)
	onClose func(*Conn, error)

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// AuthURL merges the bearer token into the base websocket URL as a "token"
// query parameter, preserving any parameters already present.
func AuthURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens an authenticated connection and starts the read loop.
// onClose fires exactly once, when the read loop exits; it receives the
// connection so the owner can distinguish a stale close from the live one.
func Dial(ctx context.Context, wsURL string, onFrame func(wire.Inbound), onClose func(*Conn, error), logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	c := &Conn{
		ws:      ws,
		logger:  logger,
		onFrame: onFrame,
		onClose: onClose,
	}
	go c.readLoop()
	return c, nil
}

// Send marshals v and writes it as one text frame.
func (c *Conn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

// Close tears down the connection. Safe to call more than once and never
// returns an error from the close-frame write; the peer may already be gone.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// readLoop delivers decoded frames until the connection fails or is closed.
// Malformed and unknown frames are dropped; the protocol tolerates partial
// garbage without destabilizing the connection.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.onClose(c, err)
			return
		}

		frame, err := wire.DecodeInbound(data)
		if err != nil {
			c.logger.Debug("dropping inbound frame", slog.String("error", err.Error()))
			continue
		}
		c.onFrame(frame)
	}
}
