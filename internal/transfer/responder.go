package transfer

import (
	"time"

	"github.com/imdevinc/roomshare/internal/mesh"
	"github.com/imdevinc/roomshare/internal/peer"
	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/util"
)

// outboundQueue serialises the streams sent to one peer. Guarded by Engine.mu.
type outboundQueue struct {
	peer.Base
	pending []protocol.ControlMessage
	running bool
	current string
	abort   chan struct{}
}

func (q *outboundQueue) abortCurrent() {
	if q.abort != nil {
		close(q.abort)
		q.abort = nil
	}
}

// enqueueOutbound queues a request from peerID, starting the stream worker
// for that peer when idle
func (e *Engine) enqueueOutbound(peerID string, req protocol.ControlMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.outbound[peerID]
	if !ok {
		q = &outboundQueue{Base: peer.NewBase("transfer", peerID)}
		e.outbound[peerID] = q
	}
	q.pending = append(q.pending, req)
	q.LogReceive("Transfer requested", "contentId", req.ContentID, "offset", req.Offset, "queued", len(q.pending))
	if !q.running {
		q.running = true
		go e.drainOutbound(peerID, q)
	}
}

func (e *Engine) drainOutbound(peerID string, q *outboundQueue) {
	for {
		e.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			if e.outbound[peerID] == q {
				delete(e.outbound, peerID)
			}
			e.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		q.current = req.ContentID
		abort := make(chan struct{})
		q.abort = abort
		e.mu.Unlock()

		e.serve(peerID, q, req, abort)

		e.mu.Lock()
		q.current = ""
		q.abort = nil
		e.mu.Unlock()
	}
}

// serve answers one request: reject, or accept then stream from the
// requested offset then complete
func (e *Engine) serve(peerID string, q *outboundQueue, req protocol.ControlMessage, abort <-chan struct{}) {
	blob, ok, err := e.store.GetBlob(req.ContentID)
	if err != nil {
		q.LogError("Failed to read blob", "contentId", req.ContentID, "error", err)
		ok = false
	}
	ch, chOK := e.links.TransferChannel(peerID)
	if !ok || !chOK || req.Offset > int64(len(blob)) {
		if err := e.links.SendControl(peerID, protocol.TransferReject(req.ContentID, NotAvailableReason)); err != nil {
			q.LogDebug("Failed to send reject", "contentId", req.ContentID, "error", err)
		}
		q.LogSend("Rejected request", "contentId", req.ContentID)
		return
	}

	if err := e.links.SendControl(peerID, protocol.TransferAccept(req.ContentID, int64(len(blob)))); err != nil {
		q.LogDebug("Failed to send accept", "contentId", req.ContentID, "error", err)
		return
	}

	start := time.Now()
	if err := e.sendChunks(ch, blob[req.Offset:], abort); err != nil {
		q.LogWarn("Stream stopped", "contentId", req.ContentID, "error", err)
		return
	}

	hash := req.FileHash
	if meta, ok, err := e.store.GetMeta(req.ContentID); err == nil && ok && meta.FileHash != "" {
		hash = meta.FileHash
	} else if hash == "" {
		hash = util.ComputeHash(blob)
	}
	if err := e.links.SendControl(peerID, protocol.TransferComplete(req.ContentID, hash)); err != nil {
		q.LogDebug("Failed to send complete", "contentId", req.ContentID, "error", err)
		return
	}
	q.LogSend("Served content", "contentId", req.ContentID, "bytes", int64(len(blob))-req.Offset, "elapsed", time.Since(start))
}

// sendChunks writes data in chunks, pausing while the channel buffer is
// above the high watermark until it drains to the low watermark
func (e *Engine) sendChunks(ch mesh.Channel, data []byte, abort <-chan struct{}) error {
	high := uint64(e.opts.HighWatermark)
	low := uint64(e.opts.LowWatermark)

	drained := make(chan struct{}, 1)
	ch.SetBufferedAmountLowThreshold(low)
	ch.OnBufferedAmountLow(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	for off := 0; off < len(data); off += e.opts.ChunkSize {
		if ch.BufferedAmount() > high {
			for ch.BufferedAmount() > low {
				select {
				case <-drained:
				case <-abort:
					return errAborted
				case <-time.After(e.opts.Timeout):
					return ErrTransferTimeout
				}
			}
		}

		select {
		case <-abort:
			return errAborted
		default:
		}

		end := off + e.opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := ch.Send(data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// abortOutbound stops the stream of contentID to peerID, queued or live
func (e *Engine) abortOutbound(peerID, contentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.outbound[peerID]
	if !ok {
		return
	}
	kept := q.pending[:0]
	for _, req := range q.pending {
		if req.ContentID != contentID {
			kept = append(kept, req)
		}
	}
	q.pending = kept
	if q.current == contentID {
		q.abortCurrent()
	}
}

// stopOutbound drops every stream to peerID
func (e *Engine) stopOutbound(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.outbound[peerID]
	if !ok {
		return
	}
	q.pending = nil
	q.abortCurrent()
	delete(e.outbound, peerID)
}
