package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned for payloads that cannot be decoded or lack
// required fields. Receivers drop such messages.
var ErrMalformed = errors.New("malformed message")

// MessageType names a relay message
type MessageType string

const (
	// Server -> client
	TypeWelcome        MessageType = "welcome"
	TypePeerJoin       MessageType = "peer:join"
	TypePeerLeave      MessageType = "peer:leave"
	TypeContentNew     MessageType = "content:new"
	TypeManifestUpdate MessageType = "manifest:update"
	TypePong           MessageType = "pong"

	// Client -> server
	TypePing             MessageType = "ping"
	TypeManifestAnnounce MessageType = "manifest:announce"

	// Both directions; the relay stamps From when forwarding
	TypeSignalOffer  MessageType = "signal:offer"
	TypeSignalAnswer MessageType = "signal:answer"
	TypeSignalICE    MessageType = "signal:ice"
)

// IsSignal reports whether t is one of the point-to-point signaling types
func (t MessageType) IsSignal() bool {
	return t == TypeSignalOffer || t == TypeSignalAnswer || t == TypeSignalICE
}

// Message is the single envelope used on the relay connection. Only the
// fields relevant to Type are populated.
type Message struct {
	Type       MessageType     `json:"type"`
	PeerID     string          `json:"peerId,omitempty"`
	JoinedAt   *time.Time      `json:"joinedAt,omitempty"`
	Peers      []PeerInfo      `json:"peers,omitempty"`
	ICEServers []ICEServer     `json:"iceServers,omitempty"`
	Item       *ContentItem    `json:"item,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Manifest   Manifest        `json:"manifest,omitempty"`
}

// MarshalJSON always emits the peers array on welcome, even when empty
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != TypeWelcome {
		return json.Marshal(plain(m))
	}
	peers := m.Peers
	if peers == nil {
		peers = []PeerInfo{}
	}
	return json.Marshal(struct {
		plain
		Peers []PeerInfo `json:"peers"`
	}{plain(m), peers})
}

// Welcome builds the greeting sent to a newly joined peer
func Welcome(peerID string, peers []PeerInfo, ice []ICEServer) Message {
	return Message{Type: TypeWelcome, PeerID: peerID, Peers: peers, ICEServers: ice}
}

// PeerJoin builds a join broadcast
func PeerJoin(peerID string, joinedAt time.Time) Message {
	return Message{Type: TypePeerJoin, PeerID: peerID, JoinedAt: &joinedAt}
}

// PeerLeave builds a leave broadcast
func PeerLeave(peerID string) Message {
	return Message{Type: TypePeerLeave, PeerID: peerID}
}

// ContentNew builds a new-content broadcast
func ContentNew(item ContentItem) Message {
	return Message{Type: TypeContentNew, Item: &item}
}

// ManifestUpdate builds the rebroadcast of a peer's announced manifest
func ManifestUpdate(peerID string, m Manifest) Message {
	return Message{Type: TypeManifestUpdate, PeerID: peerID, Manifest: m}
}

// ManifestAnnounce builds the client's announcement of its own manifest
func ManifestAnnounce(m Manifest) Message {
	return Message{Type: TypeManifestAnnounce, Manifest: m}
}

// Signal builds an outbound signaling message carrying a JSON payload
func Signal(t MessageType, to string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Message{Type: t, To: to, Payload: raw}, nil
}

// DecodeMessage parses a relay frame and checks the fields its type requires
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case TypeWelcome, TypePeerJoin, TypePeerLeave, TypeManifestUpdate:
		if msg.PeerID == "" {
			return Message{}, fmt.Errorf("%w: %s without peerId", ErrMalformed, msg.Type)
		}
	case TypeContentNew:
		if msg.Item == nil || msg.Item.ID == "" {
			return Message{}, fmt.Errorf("%w: content:new without item", ErrMalformed)
		}
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		if msg.To == "" && msg.From == "" {
			return Message{}, fmt.Errorf("%w: %s without peer", ErrMalformed, msg.Type)
		}
		if len(msg.Payload) == 0 {
			return Message{}, fmt.Errorf("%w: %s without payload", ErrMalformed, msg.Type)
		}
	case TypePing, TypePong, TypeManifestAnnounce:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}

	return msg, nil
}
