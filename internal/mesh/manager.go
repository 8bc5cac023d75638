// Package mesh establishes and tears down direct peer links, using the relay
// as signaling transport, under a cap on concurrent links.
package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/imdevinc/roomshare/internal/peer"
	"github.com/imdevinc/roomshare/internal/protocol"
)

// DefaultMaxPeers caps concurrent links
const DefaultMaxPeers = 6

// ErrNoLink is returned when there is no open link to a peer
var ErrNoLink = errors.New("no open link to peer")

// Signaler sends signaling messages through the relay
type Signaler interface {
	Send(msg protocol.Message) error
}

// Handler receives link events. Calls are never made while the manager
// holds its lock.
type Handler interface {
	ControlOpened(peerID string)
	ControlMessage(peerID string, data []byte)
	TransferMessage(peerID string, data []byte)
	LinkClosed(peerID string)
}

// Options configures a Manager
type Options struct {
	MaxPeers int
	Factory  ConnFactory
}

// Manager owns the registry of links keyed by remote peer id
type Manager struct {
	signaler Signaler
	handler  Handler
	factory  ConnFactory
	maxPeers int

	mu      sync.Mutex
	localID string
	config  webrtc.Configuration
	links   map[string]*Link
}

// NewManager creates a manager with no identity; call Reset once the relay
// has assigned one
func NewManager(signaler Signaler, handler Handler, opts Options) *Manager {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = DefaultMaxPeers
	}
	if opts.Factory == nil {
		opts.Factory = NewPionConn
	}
	return &Manager{
		signaler: signaler,
		handler:  handler,
		factory:  opts.Factory,
		maxPeers: opts.MaxPeers,
		links:    make(map[string]*Link),
	}
}

// Reset closes every link and adopts a new local identity and ICE servers.
// Called on every relay welcome.
func (m *Manager) Reset(localID string, servers []protocol.ICEServer) {
	m.mu.Lock()
	old := m.links
	m.links = make(map[string]*Link)
	m.localID = localID
	m.config = Configuration(servers)
	m.mu.Unlock()

	for id, link := range old {
		if link.close() {
			m.handler.LinkClosed(id)
		}
	}
	slog.Info("Mesh ready", "localPeer", localID, "maxPeers", m.maxPeers)
}

// Close tears down every link
func (m *Manager) Close() {
	m.mu.Lock()
	old := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()

	for id, link := range old {
		if link.close() {
			m.handler.LinkClosed(id)
		}
	}
}

// LocalID returns the local peer id
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// ConnectToPeer initiates a link to peerID. It is a no-op when a link
// already exists, when the cap is reached, or when the remote id sorts
// lower than the local one (the remote side initiates instead).
func (m *Manager) ConnectToPeer(peerID string) error {
	m.mu.Lock()
	if _, exists := m.links[peerID]; exists {
		m.mu.Unlock()
		return nil
	}
	if len(m.links) >= m.maxPeers {
		m.mu.Unlock()
		slog.Debug("Mesh at capacity, not connecting", "peer", peerID, "links", m.maxPeers)
		return nil
	}
	if !peer.Initiates(m.localID, peerID) {
		m.mu.Unlock()
		return nil
	}
	link, err := m.newLinkLocked(peerID)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := m.initiate(link); err != nil {
		m.drop(link)
		return err
	}
	return nil
}

func (m *Manager) initiate(link *Link) error {
	for _, label := range []string{ControlLabel, TransferLabel} {
		ch, err := link.conn.CreateDataChannel(label, true)
		if err != nil {
			return err
		}
		m.attach(link, ch)
	}

	offer, err := link.conn.CreateOffer()
	if err != nil {
		return err
	}
	msg, err := protocol.Signal(protocol.TypeSignalOffer, link.PeerID(), offer)
	if err != nil {
		return err
	}
	if err := m.signaler.Send(msg); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	link.LogSend("Sent offer")
	return nil
}

// HandleSignal applies an offer, answer or ICE candidate from the relay
func (m *Manager) HandleSignal(msg protocol.Message) error {
	if msg.From == "" {
		return fmt.Errorf("%w: signal without sender", protocol.ErrMalformed)
	}

	switch msg.Type {
	case protocol.TypeSignalOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &offer); err != nil {
			return fmt.Errorf("%w: bad offer: %v", protocol.ErrMalformed, err)
		}
		return m.handleOffer(msg.From, offer)

	case protocol.TypeSignalAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			return fmt.Errorf("%w: bad answer: %v", protocol.ErrMalformed, err)
		}
		link, ok := m.Link(msg.From)
		if !ok {
			return nil
		}
		if err := link.conn.SetAnswer(answer); err != nil {
			return err
		}
		link.remoteApplied()
		link.LogReceive("Applied answer")
		return nil

	case protocol.TypeSignalICE:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return fmt.Errorf("%w: bad candidate: %v", protocol.ErrMalformed, err)
		}
		link, ok := m.Link(msg.From)
		if !ok {
			return nil
		}
		return link.addRemoteCandidate(candidate)

	default:
		return fmt.Errorf("%w: %s is not a signal", protocol.ErrMalformed, msg.Type)
	}
}

func (m *Manager) handleOffer(from string, offer webrtc.SessionDescription) error {
	m.mu.Lock()
	var stale *Link
	if existing, ok := m.links[from]; ok {
		// The remote restarted its side of the pair
		stale = existing
		delete(m.links, from)
	}
	if len(m.links) >= m.maxPeers {
		m.mu.Unlock()
		if stale != nil && stale.close() {
			m.handler.LinkClosed(from)
		}
		slog.Debug("Mesh at capacity, ignoring offer", "peer", from)
		return nil
	}
	link, err := m.newLinkLocked(from)
	m.mu.Unlock()

	if stale != nil && stale.close() {
		m.handler.LinkClosed(from)
	}
	if err != nil {
		return err
	}

	answer, err := link.conn.AcceptOffer(offer)
	if err != nil {
		m.drop(link)
		return err
	}
	link.remoteApplied()

	msg, err := protocol.Signal(protocol.TypeSignalAnswer, from, answer)
	if err == nil {
		err = m.signaler.Send(msg)
	}
	if err != nil {
		m.drop(link)
		return fmt.Errorf("failed to send answer: %w", err)
	}
	link.LogSend("Sent answer")
	return nil
}

// newLinkLocked creates and registers a link; m.mu must be held
func (m *Manager) newLinkLocked(peerID string) (*Link, error) {
	conn, err := m.factory(m.config)
	if err != nil {
		return nil, err
	}
	link := newLink(peerID, conn)
	m.links[peerID] = link

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		msg, err := protocol.Signal(protocol.TypeSignalICE, peerID, c)
		if err != nil {
			return
		}
		if err := m.signaler.Send(msg); err != nil {
			link.LogDebug("Failed to send ICE candidate", "error", err)
		}
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		link.LogDebug("Connection state changed", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			m.drop(link)
		}
	})
	conn.OnDataChannel(func(ch Channel) {
		m.attach(link, ch)
	})

	link.LogInfo("Link created")
	return link, nil
}

// attach wires a channel of link to the handler
func (m *Manager) attach(link *Link, ch Channel) {
	if !link.setChannel(ch) {
		ch.Close()
		return
	}
	peerID := link.PeerID()

	switch ch.Label() {
	case ControlLabel:
		opened := func() {
			if m.isCurrent(link) && link.markOpen() {
				link.LogInfo("Control channel open")
				m.handler.ControlOpened(peerID)
			}
		}
		ch.OnOpen(opened)
		ch.OnMessage(func(msg webrtc.DataChannelMessage) {
			if m.isCurrent(link) {
				m.handler.ControlMessage(peerID, msg.Data)
			}
		})
		if ch.ReadyState() == webrtc.DataChannelStateOpen {
			opened()
		}

	case TransferLabel:
		ch.OnMessage(func(msg webrtc.DataChannelMessage) {
			if m.isCurrent(link) {
				m.handler.TransferMessage(peerID, msg.Data)
			}
		})
	}
}

func (m *Manager) isCurrent(link *Link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[link.PeerID()] == link
}

// drop removes link if it is still registered and closes it
func (m *Manager) drop(link *Link) {
	m.mu.Lock()
	registered := m.links[link.PeerID()] == link
	if registered {
		delete(m.links, link.PeerID())
	}
	m.mu.Unlock()

	if link.close() && registered {
		link.LogInfo("Link closed")
		m.handler.LinkClosed(link.PeerID())
	}
}

// DisconnectPeer closes the link to peerID and removes it
func (m *Manager) DisconnectPeer(peerID string) {
	if link, ok := m.Link(peerID); ok {
		m.drop(link)
	}
}

// Link returns the registered link to peerID
func (m *Manager) Link(peerID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[peerID]
	return link, ok
}

// Peers returns the ids of all registered links, sorted
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered links
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// ControlOpen reports whether the control channel to peerID is open
func (m *Manager) ControlOpen(peerID string) bool {
	link, ok := m.Link(peerID)
	if !ok {
		return false
	}
	_, open := link.Control()
	return open
}

// SendControl sends a control message to peerID
func (m *Manager) SendControl(peerID string, msg protocol.ControlMessage) error {
	link, ok := m.Link(peerID)
	if !ok {
		return ErrNoLink
	}
	ch, ok := link.Control()
	if !ok {
		return ErrNoLink
	}
	text, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := ch.SendText(text); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type, peerID, err)
	}
	return nil
}

// TransferChannel returns the open transfer channel to peerID
func (m *Manager) TransferChannel(peerID string) (Channel, bool) {
	link, ok := m.Link(peerID)
	if !ok {
		return nil, false
	}
	return link.Transfer()
}
