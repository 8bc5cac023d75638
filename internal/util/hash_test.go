package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestComputeHash(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "empty",
			input:    []byte{},
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			name:     "hello world",
			input:    []byte("hello world"),
			expected: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ComputeHash(tt.input)
			if result != tt.expected {
				t.Errorf("ComputeHash() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestComputeFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	got, err := ComputeFileHash(path)
	if err != nil {
		t.Fatalf("ComputeFileHash failed: %v", err)
	}
	if got != ComputeHash([]byte("hello world")) {
		t.Errorf("File hash %s does not match in-memory hash", got)
	}

	if _, err := ComputeFileHash(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestHashMatches(t *testing.T) {
	data := []byte("hello world")
	if !HashMatches(data, "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9") {
		t.Error("Expected uppercase hash to match")
	}
	if HashMatches(data, "deadbeef") {
		t.Error("Expected wrong hash not to match")
	}
}
