// Package relayclient keeps a peer connected to the relay: it dials with
// exponential backoff, sends application pings and fans inbound messages out
// to subscribers.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/roomshare/internal/events"
	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/util"
)

// ErrNotConnected is returned by Send while no relay connection is open
var ErrNotConnected = errors.New("relay not connected")

// Close codes the relay uses to refuse a connection; they are not retried
const (
	closeMissingRoom  = 4000
	closeRoomNotFound = 4004
)

const (
	DefaultPingInterval = 25 * time.Second
	writeWait           = 10 * time.Second
)

// Options configures a Client
type Options struct {
	// URL is the relay base URL, http(s):// or ws(s)://
	URL          string
	RoomID       string
	PingInterval time.Duration
	Retry        util.RetryConfig
	Dialer       *websocket.Dialer
}

// Client is a reconnecting relay connection
type Client struct {
	opts     Options
	messages *events.Bus[protocol.Message]
	states   *events.Bus[bool]

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New creates a client; call Run to connect
func New(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Retry.InitialBackoff == 0 {
		opts.Retry = util.ReconnectRetryConfig()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:     opts,
		messages: events.NewBus[protocol.Message](),
		states:   events.NewBus[bool](),
	}
}

// OnMessage subscribes to inbound relay messages. Handlers run on the
// reader goroutine in arrival order.
func (c *Client) OnMessage(fn func(protocol.Message)) (unsubscribe func()) {
	return c.messages.Subscribe(fn)
}

// OnConnectionChange subscribes to connect (true) and disconnect (false)
func (c *Client) OnConnectionChange(fn func(bool)) (unsubscribe func()) {
	return c.states.Subscribe(fn)
}

// Connected reports whether a relay connection is open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send writes msg to the relay
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Run connects and stays connected until ctx is cancelled or the relay
// refuses the room
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := WebSocketURL(c.opts.URL, c.opts.RoomID)
	if err != nil {
		return err
	}

	for {
		var ws *websocket.Conn
		err := util.RetryWithJitter(ctx, c.opts.Retry, func() error {
			conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
			if err != nil {
				slog.Debug("Relay dial failed", "url", endpoint, "error", err)
				return err
			}
			ws = conn
			return nil
		}, util.DefaultShouldRetry)
		if err != nil {
			return fmt.Errorf("failed to connect to relay: %w", err)
		}

		slog.Info("Connected to relay", "url", endpoint, "room", c.opts.RoomID)
		c.setConn(ws)
		c.states.Publish(true)

		err = c.serve(ctx, ws)

		c.setConn(nil)
		c.states.Publish(false)

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && (closeErr.Code == closeMissingRoom || closeErr.Code == closeRoomNotFound) {
			return fmt.Errorf("relay refused connection: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("Relay connection lost, reconnecting", "error", err)
	}
}

// serve reads until the connection fails, pinging on the side
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				ws.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := c.Send(protocol.Message{Type: protocol.TypePing}); err != nil {
					slog.Debug("Relay ping failed", "error", err)
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			ws.Close()
			return err
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			slog.Debug("Ignoring malformed relay message", "error", err)
			continue
		}
		if msg.Type == protocol.TypePong {
			continue
		}
		c.messages.Publish(msg)
	}
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// WebSocketURL builds the relay endpoint for a room from its base URL
func WebSocketURL(base, roomID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"roomId": {roomID}}.Encode()
	return u.String(), nil
}

// HTTPURL converts a relay base URL to its http(s) form
func HTTPURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
