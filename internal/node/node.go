// Package node runs one room member: it keeps the relay connection, builds
// the peer mesh from relay events, exchanges manifests over new links and
// serves and fetches content through the transfer engine.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/imdevinc/roomshare/internal/events"
	"github.com/imdevinc/roomshare/internal/manifest"
	"github.com/imdevinc/roomshare/internal/mesh"
	"github.com/imdevinc/roomshare/internal/peer"
	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/storage"
	"github.com/imdevinc/roomshare/internal/transfer"
	"github.com/imdevinc/roomshare/internal/util"
)

// Relay is the signaling connection the node runs on
type Relay interface {
	Send(msg protocol.Message) error
	OnMessage(fn func(protocol.Message)) (unsubscribe func())
	Run(ctx context.Context) error
}

// Options configures a Node
type Options struct {
	RoomID string
	// RelayURL is the relay base URL used for the file endpoint
	RelayURL    string
	DownloadDir string
	SeedDir     string
	MaxPeers    int
	Transfer    transfer.Options
	HTTPClient  *http.Client
	// Factory overrides the peer connection implementation
	Factory mesh.ConnFactory
}

// Node wires relay, mesh, manifests, transfers and the local cache together
type Node struct {
	opts      Options
	relay     Relay
	store     *storage.Store
	mesh      *mesh.Manager
	manifests *manifest.Service
	transfers *transfer.Engine
	notices   *events.Notices
	seeds     *SeedWatcher
	http      *http.Client

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a node for opts.RoomID on top of relay and store
func New(relay Relay, store *storage.Store, notices *events.Notices, opts Options) *Node {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if notices == nil {
		notices = events.NewNotices()
	}

	n := &Node{
		opts:    opts,
		relay:   relay,
		store:   store,
		notices: notices,
		http:    opts.HTTPClient,
		ready:   make(chan struct{}),
	}
	n.mesh = mesh.NewManager(relay, n, mesh.Options{MaxPeers: opts.MaxPeers, Factory: opts.Factory})
	n.manifests = manifest.NewService(n.mesh, store, opts.RoomID)

	topts := opts.Transfer
	topts.RoomID = opts.RoomID
	topts.OnStored = n.contentStored
	n.transfers = transfer.NewEngine(n.mesh, n.manifests, store, topts)

	if opts.SeedDir != "" {
		n.seeds = NewSeedWatcher(opts.SeedDir, n.importSeed)
	}

	relay.OnMessage(n.handleRelayMessage)
	return n
}

// Notices returns the bus user-facing notices are published on
func (n *Node) Notices() *events.Notices {
	return n.notices
}

// Ready is closed once the relay has welcomed the node
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// LocalID returns the id the relay assigned, empty before the first welcome
func (n *Node) LocalID() string {
	return n.mesh.LocalID()
}

// Links returns the ids of linked peers
func (n *Node) Links() []string {
	return n.mesh.Peers()
}

// Run serves until ctx is cancelled or the relay refuses the room
func (n *Node) Run(ctx context.Context) error {
	if n.seeds != nil {
		if err := n.seeds.Start(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to start seed watcher: %w", err)
		}
		defer n.seeds.Stop()
	}
	defer n.mesh.Close()

	slog.Info("Node starting", "room", n.opts.RoomID, "relay", n.opts.RelayURL)
	err := n.relay.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) handleRelayMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeWelcome:
		n.mesh.Reset(msg.PeerID, msg.ICEServers)
		n.manifests.Reset()
		n.readyOnce.Do(func() { close(n.ready) })

		others := peer.Others(msg.PeerID, msg.Peers)
		slog.Info("Joined room", "room", n.opts.RoomID, "peerId", msg.PeerID, "peers", len(others))
		for _, p := range others {
			if err := n.mesh.ConnectToPeer(p.PeerID); err != nil {
				slog.Warn("Failed to connect to peer", "peer", p.PeerID, "error", err)
			}
		}
		n.announce()

	case protocol.TypePeerJoin:
		if err := n.mesh.ConnectToPeer(msg.PeerID); err != nil {
			slog.Warn("Failed to connect to peer", "peer", msg.PeerID, "error", err)
		}

	case protocol.TypePeerLeave:
		n.mesh.DisconnectPeer(msg.PeerID)
		n.transfers.RemovePeer(msg.PeerID)
		n.manifests.Remove(msg.PeerID)

	case protocol.TypeManifestUpdate:
		n.manifests.Update(msg.PeerID, msg.Manifest)

	case protocol.TypeContentNew:
		if msg.Item != nil {
			n.contentAnnounced(*msg.Item)
		}

	case protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalICE:
		if err := n.mesh.HandleSignal(msg); err != nil {
			slog.Debug("Dropping signal", "type", msg.Type, "from", msg.From, "error", err)
		}
	}
}

func (n *Node) contentAnnounced(item protocol.ContentItem) {
	if item.RoomID != n.opts.RoomID {
		return
	}
	if err := n.store.PutMeta(item); err != nil {
		slog.Error("Failed to cache content metadata", "contentId", item.ID, "error", err)
		return
	}
	if n.seeds != nil && item.FileHash != "" {
		if path, ok := n.seeds.PathForHash(item.FileHash); ok {
			n.importSeed(path, item.FileHash)
		}
	}
}

// ControlOpened sends the local manifest over a newly opened link
func (n *Node) ControlOpened(peerID string) {
	if err := n.manifests.SendLocal(peerID); err != nil {
		slog.Warn("Failed to exchange manifest", "peer", peerID, "error", err)
	}
}

// ControlMessage routes a control frame to the manifest service or the
// transfer engine
func (n *Node) ControlMessage(peerID string, data []byte) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		slog.Debug("Dropping control message", "peer", peerID, "error", err)
		return
	}
	if msg.Type == protocol.ControlManifestExchange {
		n.manifests.Update(peerID, msg.Manifest)
		return
	}
	n.transfers.HandleControl(peerID, msg)
}

// TransferMessage hands a binary chunk to the transfer engine
func (n *Node) TransferMessage(peerID string, data []byte) {
	n.transfers.HandleChunk(peerID, data)
}

// LinkClosed fails transfers over the link and forgets the peer manifest
func (n *Node) LinkClosed(peerID string) {
	n.transfers.RemovePeer(peerID)
	n.manifests.Remove(peerID)
}

// contentStored runs after new bytes land in the cache
func (n *Node) contentStored(item protocol.ContentItem) {
	evicted, err := n.store.Evict()
	if err != nil {
		slog.Error("Cache eviction failed", "error", err)
	} else if len(evicted) > 0 {
		slog.Info("Evicted cached content", "count", len(evicted))
	}
	n.announce()
}

// announce publishes the local manifest through the relay
func (n *Node) announce() {
	m, err := n.manifests.Local()
	if err != nil {
		slog.Error("Failed to build manifest", "error", err)
		return
	}
	if err := n.relay.Send(protocol.ManifestAnnounce(m)); err != nil {
		slog.Debug("Failed to announce manifest", "error", err)
	}
}

// importSeed caches a seed file when it matches room content we lack
func (n *Node) importSeed(path, hash string) {
	item, ok, err := n.store.FindByHash(n.opts.RoomID, hash)
	if err != nil {
		slog.Error("Failed to look up seed hash", "path", path, "error", err)
		return
	}
	if !ok || n.store.HasBlob(item.ID) {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read seed file", "path", path, "error", err)
		return
	}
	if !util.HashMatches(data, item.FileHash) {
		slog.Debug("Seed file changed while importing", "path", path)
		return
	}
	if err := n.store.PutContent(item, data); err != nil {
		slog.Error("Failed to cache seed file", "contentId", item.ID, "error", err)
		return
	}
	slog.Info("Imported seed file", "contentId", item.ID, "path", path, "bytes", len(data))
	n.contentStored(item)
}
