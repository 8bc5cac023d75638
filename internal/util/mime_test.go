package util

import "testing"

func TestMimeType(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"photo.PNG", "image/png"},
		{"notes.txt", "text/plain"},
		{"archive.unknownext", "application/octet-stream"},
		{"noext", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MimeType(tt.name); got != tt.expected {
				t.Errorf("MimeType(%q) = %q, want %q", tt.name, got, tt.expected)
			}
		})
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := ContentTypeFor("image/webp"); got != "image" {
		t.Errorf("Expected image, got %s", got)
	}
	if got := ContentTypeFor("application/pdf"); got != "file" {
		t.Errorf("Expected file, got %s", got)
	}
}
