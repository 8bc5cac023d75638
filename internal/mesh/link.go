package mesh

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/imdevinc/roomshare/internal/peer"
)

// Channel labels
const (
	ControlLabel  = "control"
	TransferLabel = "transfer"
)

// LinkState is the lifecycle of a link
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkOpen
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkOpen:
		return "open"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the direct connection to one remote peer. It becomes open when
// its control channel opens.
type Link struct {
	peer.Base
	conn PeerConn

	mu       sync.Mutex
	state    LinkState
	control  Channel
	transfer Channel

	// Remote candidates are held until the remote description is applied
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
}

func newLink(peerID string, conn PeerConn) *Link {
	return &Link{
		Base:  peer.NewBase("mesh", peerID),
		conn:  conn,
		state: LinkConnecting,
	}
}

// PeerID returns the remote peer id
func (l *Link) PeerID() string {
	return l.ID()
}

// State returns the current link state
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Control returns the control channel when it is open
func (l *Link) Control() (Channel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkOpen || l.control == nil || l.control.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, false
	}
	return l.control, true
}

// Transfer returns the transfer channel when it is open
func (l *Link) Transfer() (Channel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed || l.transfer == nil || l.transfer.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, false
	}
	return l.transfer, true
}

// setChannel stores ch under its label; false for unknown labels or a closed link
func (l *Link) setChannel(ch Channel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return false
	}
	switch ch.Label() {
	case ControlLabel:
		l.control = ch
	case TransferLabel:
		l.transfer = ch
	default:
		return false
	}
	return true
}

// markOpen moves a connecting link to open; true only on the transition
func (l *Link) markOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkConnecting || l.control == nil {
		return false
	}
	l.state = LinkOpen
	return true
}

// addRemoteCandidate applies c, or queues it until the remote description is set
func (l *Link) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pendingICE = append(l.pendingICE, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.conn.AddICECandidate(c)
}

// remoteApplied flushes queued candidates once the remote description is set
func (l *Link) remoteApplied() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pendingICE
	l.pendingICE = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.LogDebug("Failed to add queued ICE candidate", "error", err)
		}
	}
}

// close tears down both channels and the connection; false if already closed
func (l *Link) close() bool {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return false
	}
	l.state = LinkClosed
	control, transfer := l.control, l.transfer
	l.mu.Unlock()

	if control != nil {
		control.Close()
	}
	if transfer != nil {
		transfer.Close()
	}
	if err := l.conn.Close(); err != nil {
		l.LogDebug("Error closing peer connection", "error", err)
	}
	return true
}
