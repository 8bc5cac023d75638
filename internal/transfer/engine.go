// Package transfer moves file bytes between linked peers: requesting content
// from a peer that advertises its hash, serving requests from the local
// cache, and checkpointing interrupted downloads so they can resume.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/imdevinc/roomshare/internal/mesh"
	"github.com/imdevinc/roomshare/internal/peer"
	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/storage"
	"github.com/imdevinc/roomshare/internal/util"
)

// Defaults
const (
	DefaultChunkSize     = 16 * 1024
	DefaultHighWatermark = 1024 * 1024
	DefaultLowWatermark  = 256 * 1024
	DefaultTimeout       = 120 * time.Second
	DefaultSettleDelay   = 2 * time.Second
)

// NotAvailableReason is sent when a requested blob cannot be served
const NotAvailableReason = "File not available"

// Links is the subset of the mesh the engine needs
type Links interface {
	SendControl(peerID string, msg protocol.ControlMessage) error
	TransferChannel(peerID string) (mesh.Channel, bool)
}

// PeerFinder lists peers advertising a hash, in preference order
type PeerFinder interface {
	PeersWithHash(hash string) []string
}

// Store is the subset of the local cache the engine needs
type Store interface {
	GetBlob(contentID string) ([]byte, bool, error)
	GetMeta(contentID string) (protocol.ContentItem, bool, error)
	PutContent(item protocol.ContentItem, data []byte) error
	PutPending(p storage.PendingTransfer) error
	GetPending(contentID string) (*storage.PendingTransfer, error)
	DeletePending(contentID string) error
}

// ProgressFunc receives integer percent complete
type ProgressFunc func(percent int)

// Options configures an Engine
type Options struct {
	RoomID        string
	ChunkSize     int
	HighWatermark int
	LowWatermark  int
	Timeout       time.Duration
	// SettleDelay is how long a peer stays unused after one of its streams
	// is abandoned, so chunks still in flight are not taken for the next one
	SettleDelay time.Duration
	// OnStored runs after a downloaded blob has been written to the cache
	OnStored func(item protocol.ContentItem)
}

// Engine runs the requesting and serving sides of transfers
type Engine struct {
	links  Links
	finder PeerFinder
	store  Store
	opts   Options

	mu     sync.Mutex
	active map[string]*activeTransfer
	// byPeer holds the one download each peer is serving. Chunks carry no
	// content id, so a peer never has two requests open.
	byPeer   map[string]*activeTransfer
	settling map[string]*time.Timer
	// freed is closed and replaced whenever a peer becomes usable again
	freed    chan struct{}
	outbound map[string]*outboundQueue
}

// activeTransfer is one in-flight download. Guarded by Engine.mu.
type activeTransfer struct {
	peer.Base
	contentID string
	fileHash  string
	peerID    string
	offset    int64

	chunks       [][]byte
	received     int64
	totalSize    int64
	accepted     bool
	completeSeen bool
	finished     bool
	progress     []ProgressFunc
	// dropped marks a download discarded by a cancel from the serving peer
	dropped bool

	done chan struct{}
	data []byte
	err  error
}

func (t *activeTransfer) full() bool {
	return t.accepted && t.received >= t.totalSize
}

func (t *activeTransfer) percent() int {
	if t.totalSize <= 0 {
		return 100
	}
	p := int(t.received * 100 / t.totalSize)
	if p > 100 {
		p = 100
	}
	return p
}

// NewEngine creates a transfer engine
func NewEngine(links Links, finder PeerFinder, store Store, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.HighWatermark <= 0 {
		opts.HighWatermark = DefaultHighWatermark
	}
	if opts.LowWatermark <= 0 || opts.LowWatermark > opts.HighWatermark {
		opts.LowWatermark = opts.HighWatermark / 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	return &Engine{
		links:    links,
		finder:   finder,
		store:    store,
		opts:     opts,
		active:   make(map[string]*activeTransfer),
		byPeer:   make(map[string]*activeTransfer),
		settling: make(map[string]*time.Timer),
		freed:    make(chan struct{}),
		outbound: make(map[string]*outboundQueue),
	}
}

// RequestFile downloads contentID from a peer advertising fileHash and
// stores it in the cache. A second request for the same content while one
// is in flight waits for the first and shares its result. When every
// advertising peer is busy serving another download, the request waits
// for one of them.
func (e *Engine) RequestFile(ctx context.Context, contentID, fileHash string, onProgress ProgressFunc) ([]byte, error) {
	var t *activeTransfer
	waited := false
	for t == nil {
		if waited {
			// Another caller may have fetched it while this one queued
			if data, ok, err := e.store.GetBlob(contentID); err == nil && ok && (fileHash == "" || util.HashMatches(data, fileHash)) {
				return data, nil
			}
		}
		candidates := e.finder.PeersWithHash(fileHash)

		e.mu.Lock()
		if existing, ok := e.active[contentID]; ok {
			return e.joinLocked(ctx, existing, onProgress)
		}
		peerID, busy := e.pickPeerLocked(candidates)
		if peerID == "" {
			freed := e.freed
			e.mu.Unlock()
			if !busy {
				return nil, ErrNoPeerAvailable
			}
			select {
			case <-freed:
				waited = true
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		t = &activeTransfer{
			Base:      peer.NewBase("transfer", peerID),
			contentID: contentID,
			fileHash:  fileHash,
			peerID:    peerID,
			done:      make(chan struct{}),
		}
		if onProgress != nil {
			t.progress = append(t.progress, onProgress)
		}
		e.active[contentID] = t
		e.byPeer[peerID] = t
		e.mu.Unlock()
	}

	// Nothing arrives from the peer before the request goes out
	pending, err := e.store.GetPending(contentID)
	if err != nil {
		e.mu.Lock()
		e.detachLocked(t)
		e.mu.Unlock()
		e.finish(t, nil, err)
		return nil, err
	}
	if pending != nil {
		e.mu.Lock()
		t.chunks = pending.Chunks
		t.offset = pending.Offset
		t.received = pending.Offset
		e.mu.Unlock()
	}

	if err := e.links.SendControl(t.peerID, protocol.TransferRequest(contentID, fileHash, t.offset)); err != nil {
		e.mu.Lock()
		e.detachLocked(t)
		e.mu.Unlock()
		e.finish(t, nil, fmt.Errorf("failed to send transfer request: %w", err))
		return nil, t.err
	}
	t.LogSend("Requested content", "contentId", contentID, "offset", t.offset)

	timer := time.NewTimer(e.opts.Timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.data, t.err
	case <-timer.C:
		return e.abandon(t, ErrTransferTimeout)
	case <-ctx.Done():
		return e.abandon(t, ctx.Err())
	}
}

// joinLocked waits for the shared download t. Called with e.mu held;
// releases it.
func (e *Engine) joinLocked(ctx context.Context, t *activeTransfer, onProgress ProgressFunc) ([]byte, error) {
	if onProgress != nil {
		t.progress = append(t.progress, onProgress)
	}
	e.mu.Unlock()
	select {
	case <-t.done:
		return t.data, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pickPeerLocked returns the first candidate that is neither serving a
// download nor settling after one. busy reports whether any candidate was
// skipped for that reason.
func (e *Engine) pickPeerLocked(candidates []string) (peerID string, busy bool) {
	for _, id := range candidates {
		if e.byPeer[id] != nil || e.settling[id] != nil {
			busy = true
			continue
		}
		return id, busy
	}
	return "", busy
}

// wakeLocked releases requests waiting for a peer
func (e *Engine) wakeLocked() {
	close(e.freed)
	e.freed = make(chan struct{})
}

// settleLocked keeps peerID unused for SettleDelay
func (e *Engine) settleLocked(peerID string) {
	if old := e.settling[peerID]; old != nil {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(e.opts.SettleDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.settling[peerID] == timer {
			delete(e.settling, peerID)
			e.wakeLocked()
		}
	})
	e.settling[peerID] = timer
}

// Active reports the number of in-flight downloads
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// HandleControl processes a transfer control message from peerID
func (e *Engine) HandleControl(peerID string, msg protocol.ControlMessage) {
	switch msg.Type {
	case protocol.ControlTransferRequest:
		e.enqueueOutbound(peerID, msg)

	case protocol.ControlTransferAccept:
		e.mu.Lock()
		t := e.inboundLocked(peerID, msg.ContentID)
		if t == nil {
			e.mu.Unlock()
			return
		}
		t.accepted = true
		t.totalSize = msg.TotalSize
		e.mu.Unlock()
		t.LogReceive("Transfer accepted", "contentId", msg.ContentID, "totalSize", msg.TotalSize)
		e.tryComplete(t)

	case protocol.ControlTransferReject:
		e.mu.Lock()
		t := e.inboundLocked(peerID, msg.ContentID)
		if t == nil {
			e.mu.Unlock()
			return
		}
		e.detachLocked(t)
		t.progress = nil
		e.mu.Unlock()
		t.LogReceive("Transfer rejected", "contentId", msg.ContentID, "reason", msg.Reason)
		// A saved offset the peer cannot serve would be refused on every retry
		if t.offset > 0 {
			if err := e.store.DeletePending(t.contentID); err != nil {
				t.LogError("Failed to delete checkpoint", "contentId", t.contentID, "error", err)
			}
		}
		e.finish(t, nil, &RejectedError{Reason: msg.Reason})

	case protocol.ControlTransferComplete:
		e.mu.Lock()
		t := e.inboundLocked(peerID, msg.ContentID)
		if t == nil {
			e.mu.Unlock()
			return
		}
		t.completeSeen = true
		e.mu.Unlock()
		e.tryComplete(t)

	case protocol.ControlTransferCancel:
		e.abortOutbound(peerID, msg.ContentID)

		// The download is dropped without waking its waiter, which then
		// runs into its deadline and checkpoints what arrived
		e.mu.Lock()
		if t := e.inboundLocked(peerID, msg.ContentID); t != nil {
			e.settleLocked(peerID)
			e.detachLocked(t)
			t.dropped = true
			t.LogReceive("Transfer cancelled by peer", "contentId", msg.ContentID)
		}
		e.mu.Unlock()
	}
}

// HandleChunk appends a binary chunk from peerID to the download that peer
// is serving. Chunks may arrive before the accept.
func (e *Engine) HandleChunk(peerID string, data []byte) {
	e.mu.Lock()
	t := e.byPeer[peerID]
	if t == nil || t.full() {
		e.mu.Unlock()
		slog.Debug("Dropping unattributed chunk", "component", "transfer", "peer", peerID, "bytes", len(data))
		return
	}
	t.chunks = append(t.chunks, append([]byte(nil), data...))
	t.received += int64(len(data))
	var percent int
	var progress []ProgressFunc
	if t.accepted {
		percent = t.percent()
		progress = append(progress, t.progress...)
	}
	e.mu.Unlock()

	for _, fn := range progress {
		fn(percent)
	}
	e.tryComplete(t)
}

// RemovePeer fails the download served by peerID, checkpointing partial
// progress, and stops every stream to it
func (e *Engine) RemovePeer(peerID string) {
	e.mu.Lock()
	t := e.byPeer[peerID]
	if t != nil {
		e.detachLocked(t)
	}
	if timer := e.settling[peerID]; timer != nil {
		timer.Stop()
		delete(e.settling, peerID)
		e.wakeLocked()
	}
	e.mu.Unlock()

	e.stopOutbound(peerID)

	if t != nil {
		t.LogInfo("Peer lost during transfer", "contentId", t.contentID, "received", t.received)
		e.checkpoint(t)
		e.finish(t, nil, ErrPeerDisconnected)
	}
}

// inboundLocked finds the download of contentID served by peerID
func (e *Engine) inboundLocked(peerID, contentID string) *activeTransfer {
	t, ok := e.active[contentID]
	if !ok || t.peerID != peerID || t.finished {
		return nil
	}
	return t
}

// detachLocked removes t from the tables and marks it finished
func (e *Engine) detachLocked(t *activeTransfer) {
	t.finished = true
	if e.active[t.contentID] == t {
		delete(e.active, t.contentID)
	}
	if e.byPeer[t.peerID] == t {
		delete(e.byPeer, t.peerID)
		e.wakeLocked()
	}
}

// tryComplete finalises t once the complete message and every byte arrived
func (e *Engine) tryComplete(t *activeTransfer) {
	e.mu.Lock()
	if t.finished || !t.completeSeen || !t.full() {
		e.mu.Unlock()
		return
	}
	e.detachLocked(t)
	chunks := t.chunks
	e.mu.Unlock()

	data := make([]byte, 0, t.totalSize)
	for _, c := range chunks {
		data = append(data, c...)
	}

	if t.fileHash != "" && !util.HashMatches(data, t.fileHash) {
		t.LogWarn("Hash mismatch, discarding", "contentId", t.contentID, "bytes", len(data))
		if err := e.store.DeletePending(t.contentID); err != nil {
			t.LogError("Failed to delete checkpoint", "contentId", t.contentID, "error", err)
		}
		e.finish(t, nil, ErrHashMismatch)
		return
	}

	item := e.itemFor(t, data)
	if err := e.store.PutContent(item, data); err != nil {
		e.finish(t, nil, err)
		return
	}
	if err := e.store.DeletePending(t.contentID); err != nil {
		t.LogError("Failed to delete checkpoint", "contentId", t.contentID, "error", err)
	}
	t.LogInfo("Transfer complete", "contentId", t.contentID, "bytes", len(data))

	if e.opts.OnStored != nil {
		e.opts.OnStored(item)
	}
	e.finish(t, data, nil)
}

func (e *Engine) itemFor(t *activeTransfer, data []byte) protocol.ContentItem {
	item, ok, err := e.store.GetMeta(t.contentID)
	if err == nil && ok {
		return item
	}
	hash := t.fileHash
	if hash == "" {
		hash = util.ComputeHash(data)
	}
	return protocol.ContentItem{
		ID:        t.contentID,
		RoomID:    e.opts.RoomID,
		Type:      protocol.ContentFile,
		FileSize:  int64(len(data)),
		FileHash:  hash,
		CreatedAt: time.Now(),
	}
}

// abandon ends t on timeout or cancellation, keeping partial progress
func (e *Engine) abandon(t *activeTransfer, cause error) ([]byte, error) {
	e.mu.Lock()
	if t.finished && !t.dropped {
		e.mu.Unlock()
		<-t.done
		return t.data, t.err
	}
	notify := !t.dropped
	if notify {
		e.settleLocked(t.peerID)
	}
	e.detachLocked(t)
	e.mu.Unlock()

	if notify {
		if err := e.links.SendControl(t.peerID, protocol.TransferCancel(t.contentID)); err != nil {
			t.LogDebug("Failed to send cancel", "contentId", t.contentID, "error", err)
		}
	}
	t.LogInfo("Transfer abandoned", "contentId", t.contentID, "received", t.received, "error", cause)
	e.checkpoint(t)
	e.finish(t, nil, cause)
	return nil, cause
}

// checkpoint persists the bytes received so far. t must be detached.
func (e *Engine) checkpoint(t *activeTransfer) {
	if t.received == 0 {
		return
	}
	err := e.store.PutPending(storage.PendingTransfer{
		ContentID: t.contentID,
		Chunks:    t.chunks,
		Offset:    t.received,
	})
	if err != nil {
		t.LogError("Failed to checkpoint transfer", "contentId", t.contentID, "error", err)
	}
}

// finish resolves t exactly once
func (e *Engine) finish(t *activeTransfer, data []byte, err error) {
	select {
	case <-t.done:
		return
	default:
	}
	t.data = data
	t.err = err
	close(t.done)
}
