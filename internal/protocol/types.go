// Package protocol defines the relay wire messages, the peer control-channel
// messages and the content records both carry.
package protocol

import "time"

// ContentType is the kind of a content item
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentFile  ContentType = "file"
	ContentImage ContentType = "image"
)

// ContentItem is one piece of room content. Immutable once created except
// for PurgedAt, which is set once when the server drops the file bytes.
type ContentItem struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"roomId"`
	Type        ContentType `json:"type"`
	TextContent string      `json:"textContent,omitempty"`
	FileName    string      `json:"fileName,omitempty"`
	FileSize    int64       `json:"fileSize,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
	FileHash    string      `json:"fileHash,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	PurgedAt    *time.Time  `json:"purgedAt,omitempty"`
}

// IsFile reports whether the item carries file bytes
func (c ContentItem) IsFile() bool {
	return c.Type == ContentFile || c.Type == ContentImage
}

// IsPurged reports whether the server no longer holds the file bytes
func (c ContentItem) IsPurged() bool {
	return c.PurgedAt != nil
}

// ManifestEntry describes one piece of content a peer can serve
type ManifestEntry struct {
	ContentID string `json:"contentId"`
	FileHash  string `json:"fileHash"`
	FileSize  int64  `json:"fileSize"`
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
}

// Manifest is a snapshot of what a peer holds
type Manifest []ManifestEntry

// HasHash reports whether any entry carries the given content hash
func (m Manifest) HasHash(hash string) bool {
	for _, e := range m {
		if e.FileHash == hash {
			return true
		}
	}
	return false
}

// EntryForHash returns the first entry carrying the hash
func (m Manifest) EntryForHash(hash string) (ManifestEntry, bool) {
	for _, e := range m {
		if e.FileHash == hash {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// PeerInfo is a room member as advertised by the relay
type PeerInfo struct {
	PeerID   string    `json:"peerId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ICEServer mirrors the browser RTCIceServer shape
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
