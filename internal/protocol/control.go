package protocol

import (
	"encoding/json"
	"fmt"
)

// ControlType names a peer control-channel message
type ControlType string

const (
	ControlManifestExchange ControlType = "manifest:exchange"
	ControlTransferRequest  ControlType = "transfer:request"
	ControlTransferAccept   ControlType = "transfer:accept"
	ControlTransferReject   ControlType = "transfer:reject"
	ControlTransferComplete ControlType = "transfer:complete"
	ControlTransferCancel   ControlType = "transfer:cancel"
)

// ControlMessage is sent as a JSON text frame on the ordered "control" channel
type ControlMessage struct {
	Type      ControlType `json:"type"`
	ContentID string      `json:"contentId,omitempty"`
	FileHash  string      `json:"fileHash,omitempty"`
	Offset    int64       `json:"offset,omitempty"`
	TotalSize int64       `json:"totalSize,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Manifest  Manifest    `json:"manifest,omitempty"`
}

// ManifestExchange builds the one-shot manifest message sent when a link opens
func ManifestExchange(m Manifest) ControlMessage {
	return ControlMessage{Type: ControlManifestExchange, Manifest: m}
}

// TransferRequest asks a peer for content, resuming from offset
func TransferRequest(contentID, fileHash string, offset int64) ControlMessage {
	return ControlMessage{Type: ControlTransferRequest, ContentID: contentID, FileHash: fileHash, Offset: offset}
}

// TransferAccept announces the full size of the content about to stream
func TransferAccept(contentID string, totalSize int64) ControlMessage {
	return ControlMessage{Type: ControlTransferAccept, ContentID: contentID, TotalSize: totalSize}
}

// TransferReject refuses a request with a human-readable reason
func TransferReject(contentID, reason string) ControlMessage {
	return ControlMessage{Type: ControlTransferReject, ContentID: contentID, Reason: reason}
}

// TransferComplete follows the last chunk
func TransferComplete(contentID, fileHash string) ControlMessage {
	return ControlMessage{Type: ControlTransferComplete, ContentID: contentID, FileHash: fileHash}
}

// TransferCancel aborts a transfer in either direction
func TransferCancel(contentID string) ControlMessage {
	return ControlMessage{Type: ControlTransferCancel, ContentID: contentID}
}

// Encode marshals the message for SendText
func (m ControlMessage) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return string(data), nil
}

// DecodeControl parses a control frame
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case ControlManifestExchange:
	case ControlTransferRequest, ControlTransferAccept, ControlTransferReject,
		ControlTransferComplete, ControlTransferCancel:
		if msg.ContentID == "" {
			return ControlMessage{}, fmt.Errorf("%w: %s without contentId", ErrMalformed, msg.Type)
		}
		if msg.Offset < 0 || msg.TotalSize < 0 {
			return ControlMessage{}, fmt.Errorf("%w: negative size in %s", ErrMalformed, msg.Type)
		}
	default:
		return ControlMessage{}, fmt.Errorf("%w: unknown control type %q", ErrMalformed, msg.Type)
	}

	return msg, nil
}
