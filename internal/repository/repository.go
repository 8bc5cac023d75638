// Package repository holds the room and content lookups the relay consumes.
package repository

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/util"
)

// ErrNotFound is returned when a room or content item does not exist
var ErrNotFound = errors.New("not found")

// RoomRepository answers whether a room exists
type RoomRepository interface {
	Exists(ctx context.Context, roomID string) (bool, error)
}

// ContentRepository looks up content items and their server-side files
type ContentRepository interface {
	// GetByID returns ErrNotFound for unknown ids
	GetByID(ctx context.Context, contentID string) (protocol.ContentItem, error)

	// FilePathIfNotPurged returns the on-disk path of the item's file. ok is
	// false when the item has no file or it has been purged.
	FilePathIfNotPurged(ctx context.Context, contentID string) (path string, ok bool, err error)
}

// Repository combines both lookups
type Repository interface {
	RoomRepository
	ContentRepository
}

// withFileDefaults fills the MIME type and item type of a file item from its
// name when the uploader left them out
func withFileDefaults(item protocol.ContentItem, filePath string) protocol.ContentItem {
	if filePath == "" {
		return item
	}
	if item.MimeType == "" {
		name := item.FileName
		if name == "" {
			name = filepath.Base(filePath)
		}
		item.MimeType = util.MimeType(name)
	}
	if item.Type == "" {
		item.Type = protocol.ContentType(util.ContentTypeFor(item.MimeType))
	}
	return item
}
