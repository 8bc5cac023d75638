// Package relay is the signaling server: it tracks peer membership per room,
// broadcasts join, leave and new-content events, routes point-to-point
// signaling messages and runs liveness heartbeats.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/repository"
)

// Close codes sent when a connection is refused
const (
	CloseMissingRoom  = 4000
	CloseRoomNotFound = 4004
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendQueue         = 64
	DefaultSTUNServer        = "stun:stun.l.google.com:19302"
)

// Options configures a Relay
type Options struct {
	// ICEServers are handed to every peer in its welcome message
	ICEServers        []protocol.ICEServer
	HeartbeatInterval time.Duration
	SendQueue         int
}

// DefaultICEServers returns the public STUN server plus an optional TURN server
func DefaultICEServers(turnURL, turnUsername, turnCredential string) []protocol.ICEServer {
	servers := []protocol.ICEServer{{URLs: []string{DefaultSTUNServer}}}
	if turnURL != "" {
		servers = append(servers, protocol.ICEServer{
			URLs:       []string{turnURL},
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers
}

// Relay tracks rooms and their connected peers
type Relay struct {
	repo     repository.Repository
	opts     Options
	upgrader websocket.Upgrader

	// roomID -> peerID -> connection; a room exists only while it has peers
	rooms map[string]map[string]*conn
	mu    sync.RWMutex
}

// New creates a relay backed by repo
func New(repo repository.Repository, opts Options) *Relay {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.ICEServers == nil {
		opts.ICEServers = DefaultICEServers("", "", "")
	}

	return &Relay{
		repo:  repo,
		opts:  opts,
		rooms: make(map[string]map[string]*conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run drives the heartbeat until ctx is cancelled, then closes every
// connection
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.Heartbeat()
		}
	}
}

// Heartbeat performs one liveness cycle: connections that did not answer
// the previous probe are terminated, the rest are marked unacknowledged
// and probed again.
func (r *Relay) Heartbeat() {
	conns := r.allConns()

	terminated := 0
	for _, c := range conns {
		if !c.alive.Swap(false) {
			slog.Info("Terminating unresponsive peer", "peer", c.peerID, "room", c.roomID)
			c.close()
			terminated++
			continue
		}
		if err := c.ping(); err != nil {
			slog.Debug("Failed to send heartbeat", "peer", c.peerID, "error", err)
		}
	}

	slog.Debug("Heartbeat", "connections", len(conns), "terminated", terminated)
}

// PublishContent broadcasts content:new to every peer of the item's room
func (r *Relay) PublishContent(item protocol.ContentItem) {
	r.broadcast(item.RoomID, protocol.ContentNew(item), "")
}

// Stats returns the number of live rooms and connected peers
func (r *Relay) Stats() (rooms, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		peers += len(room)
	}
	return len(r.rooms), peers
}

// ServeWS upgrades a request to a relay connection
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Warn("Failed to upgrade connection", "error", err)
		return
	}

	roomID := req.URL.Query().Get("roomId")
	if roomID == "" {
		refuse(ws, CloseMissingRoom, "Missing roomId")
		return
	}

	exists, err := r.repo.Exists(req.Context(), roomID)
	if err != nil {
		slog.Error("Failed to look up room", "room", roomID, "error", err)
		refuse(ws, websocket.CloseInternalServerErr, "Internal error")
		return
	}
	if !exists {
		refuse(ws, CloseRoomNotFound, "Room not found")
		return
	}

	c := newConn(ws, uuid.NewString(), roomID, r.opts.SendQueue)
	r.join(c)

	go c.writePump()
	go func() {
		c.readPump(func(data []byte) { r.handleMessage(c, data) })
		r.leave(c)
	}()
}

// join registers c, greets it with the current member list and announces it
func (r *Relay) join(c *conn) {
	r.mu.Lock()
	room, ok := r.rooms[c.roomID]
	if !ok {
		room = make(map[string]*conn)
		r.rooms[c.roomID] = room
	}

	peers := make([]protocol.PeerInfo, 0, len(room))
	for _, other := range room {
		peers = append(peers, protocol.PeerInfo{PeerID: other.peerID, JoinedAt: other.joinedAt})
	}
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].JoinedAt.Before(peers[j].JoinedAt)
		}
		return peers[i].PeerID < peers[j].PeerID
	})

	// Queued under the lock so welcome precedes anything broadcast to c
	c.send(protocol.Welcome(c.peerID, peers, r.opts.ICEServers))
	room[c.peerID] = c
	r.mu.Unlock()

	slog.Info("Peer joined", "peer", c.peerID, "room", c.roomID, "others", len(peers))
	r.broadcast(c.roomID, protocol.PeerJoin(c.peerID, c.joinedAt), c.peerID)
}

// leave removes c and announces its departure
func (r *Relay) leave(c *conn) {
	r.mu.Lock()
	room := r.rooms[c.roomID]
	if room == nil || room[c.peerID] != c {
		r.mu.Unlock()
		return
	}
	delete(room, c.peerID)
	if len(room) == 0 {
		delete(r.rooms, c.roomID)
	}
	r.mu.Unlock()

	slog.Info("Peer left", "peer", c.peerID, "room", c.roomID)
	r.broadcast(c.roomID, protocol.PeerLeave(c.peerID), "")
}

func (r *Relay) handleMessage(c *conn, data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		slog.Debug("Ignoring malformed relay message", "peer", c.peerID, "error", err)
		return
	}

	switch {
	case msg.Type == protocol.TypePing:
		c.send(protocol.Message{Type: protocol.TypePong})

	case msg.Type.IsSignal():
		if msg.To == "" {
			return
		}
		msg.From = c.peerID
		target := r.peer(c.roomID, msg.To)
		if target == nil {
			slog.Debug("Dropping signal for departed peer", "from", c.peerID, "to", msg.To)
			return
		}
		slog.Debug("Relaying signal", "type", msg.Type, "from", c.peerID, "to", msg.To)
		target.send(msg)

	case msg.Type == protocol.TypeManifestAnnounce:
		slog.Debug("Relaying manifest", "peer", c.peerID, "entries", len(msg.Manifest))
		r.broadcast(c.roomID, protocol.ManifestUpdate(c.peerID, msg.Manifest), c.peerID)
	}
}

func (r *Relay) peer(roomID, peerID string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID][peerID]
}

// broadcast sends msg to every peer of roomID except excludePeerID
func (r *Relay) broadcast(roomID string, msg protocol.Message, excludePeerID string) {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.rooms[roomID]))
	for id, c := range r.rooms[roomID] {
		if id != excludePeerID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.send(msg)
	}
}

func (r *Relay) allConns() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var conns []*conn
	for _, room := range r.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	return conns
}

// CloseAll drops every connection; peers see it as a relay restart
func (r *Relay) CloseAll() {
	for _, c := range r.allConns() {
		c.close()
	}
}
