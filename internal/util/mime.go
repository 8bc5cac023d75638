package util

import (
	"mime"
	"path/filepath"
	"strings"
)

var imageMimes = map[string]bool{
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
	"image/bmp":     true,
	"image/avif":    true,
}

// MimeType guesses a MIME type from a file name, falling back to octet-stream
func MimeType(name string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if t == "" {
		return "application/octet-stream"
	}
	// Drop parameters such as "; charset=utf-8"
	if i := strings.Index(t, ";"); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

// IsImage reports whether the MIME type is rendered as an image item
func IsImage(mimeType string) bool {
	return imageMimes[mimeType]
}

// ContentTypeFor returns the content item type ("image" or "file") for a MIME type
func ContentTypeFor(mimeType string) string {
	if IsImage(mimeType) {
		return "image"
	}
	return "file"
}
