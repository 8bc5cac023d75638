package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/imdevinc/roomshare/internal/protocol"
)

// Channel is one direction-agnostic data channel of a link.
// *webrtc.DataChannel satisfies it.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// PeerConn is the underlying peer connection of a link
type PeerConn interface {
	CreateDataChannel(label string, ordered bool) (Channel, error)
	// CreateOffer creates an offer and sets it as the local description
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the local answer
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnDataChannel(f func(Channel))
	Close() error
}

// ConnFactory creates peer connections
type ConnFactory func(cfg webrtc.Configuration) (PeerConn, error)

// NewPionConn is the ConnFactory backed by pion/webrtc
func NewPionConn(cfg webrtc.Configuration) (PeerConn, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (p *pionConn) CreateDataChannel(label string, ordered bool) (Channel, error) {
	dc, err := p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s channel: %w", label, err)
	}
	return dc, nil
}

func (p *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (p *pionConn) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (p *pionConn) SetAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (p *pionConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionConn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c != nil {
			f(c.ToJSON())
		}
	})
}

func (p *pionConn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionConn) OnDataChannel(f func(Channel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

// Configuration converts relay-provided ICE servers to a pion configuration
func Configuration(servers []protocol.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return cfg
}
