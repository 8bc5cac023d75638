package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/roomshare/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	// maxMessageBytes bounds one inbound frame. A manifest entry is a few
	// hundred bytes, so this holds manifests of tens of thousands of files.
	// Larger frames close the connection.
	maxMessageBytes = 16 << 20
)

// conn is one peer's relay connection. Reads and writes run in their own
// goroutines; everything else talks to the peer through enqueue.
type conn struct {
	ws       *websocket.Conn
	peerID   string
	roomID   string
	joinedAt time.Time

	// alive is cleared by every heartbeat and set again by a pong
	alive atomic.Bool

	sendCh  chan []byte
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func newConn(ws *websocket.Conn, peerID, roomID string, queue int) *conn {
	c := &conn{
		ws:       ws,
		peerID:   peerID,
		roomID:   roomID,
		joinedAt: time.Now().UTC(),
		sendCh:   make(chan []byte, queue),
		closeCh:  make(chan struct{}),
	}
	c.alive.Store(true)
	ws.SetReadLimit(maxMessageBytes)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// send encodes msg and queues it. Best effort: a closed connection or a
// full queue drops the message.
func (c *conn) send(msg protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode relay message", "type", msg.Type, "error", err)
		return false
	}
	return c.enqueue(data)
}

func (c *conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.sendCh <- data:
		return true
	default:
		slog.Warn("Relay send queue full, dropping message", "peer", c.peerID)
		return false
	}
}

// close stops the write pump and closes the socket; the read pump then exits
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
	c.ws.Close()
}

// ping sends a WebSocket ping; safe to call alongside the write pump
func (c *conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// readPump delivers frames to handle until the socket fails
func (c *conn) readPump(handle func([]byte)) {
	defer c.close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("Relay read error", "peer", c.peerID, "error", err)
			}
			return
		}
		handle(data)
	}
}

func (c *conn) writePump() {
	defer c.close()

	for {
		select {
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Relay write error", "peer", c.peerID, "error", err)
				return
			}

		case <-c.closeCh:
			return
		}
	}
}

// refuse closes a freshly upgraded socket with an application close code
func refuse(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	ws.Close()
}
