package couchdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// Test configuration - can be overridden with environment variables
const (
	defaultTestURL      = "http://localhost:5984"
	defaultTestUsername = "admin"
	defaultTestPassword = "password"
	testDatabaseName    = "roomshare_test"
)

// getTestConfig returns test configuration from environment or defaults
func getTestConfig() Config {
	url := os.Getenv("COUCHDB_URL")
	if url == "" {
		url = defaultTestURL
	}

	username := os.Getenv("COUCHDB_USERNAME")
	if username == "" {
		username = defaultTestUsername
	}

	password := os.Getenv("COUCHDB_PASSWORD")
	if password == "" {
		password = defaultTestPassword
	}

	return Config{
		URL:      url,
		Username: username,
		Password: password,
		Database: testDatabaseName,
		Timeout:  5 * time.Second,
	}
}

// setupTestDB creates a fresh test database and returns a client
func setupTestDB(t *testing.T) (*Client, context.Context, func()) {
	t.Helper()
	ctx := context.Background()
	cfg := getTestConfig()

	admin, err := newKivikClient(cfg)
	if err != nil {
		t.Skipf("CouchDB not available for integration tests: %v", err)
		return nil, nil, nil
	}
	if _, err := admin.DBExists(ctx, cfg.Database); err != nil {
		admin.Close()
		t.Skipf("CouchDB not available for integration tests: %v", err)
		return nil, nil, nil
	}
	admin.DestroyDB(ctx, cfg.Database)

	cfg.Create = true
	client, err := NewClient(ctx, cfg)
	if err != nil {
		admin.Close()
		t.Skipf("Failed to create test client: %v", err)
		return nil, nil, nil
	}

	cleanup := func() {
		client.Close()
		admin.DestroyDB(ctx, cfg.Database)
		admin.Close()
	}

	return client, ctx, cleanup
}

// TestNewClient tests client creation
func TestNewClient(t *testing.T) {
	client, _, cleanup := setupTestDB(t)
	if client == nil {
		return // Skipped
	}
	defer cleanup()

	if client.DBName() != testDatabaseName {
		t.Errorf("Expected database name %s, got %s", testDatabaseName, client.DBName())
	}
}

// TestNewClientErrors tests error cases in client creation
func TestNewClientErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "missing URL",
			config:  Config{Database: "test"},
			wantErr: true,
		},
		{
			name:    "missing database",
			config:  Config{URL: "http://localhost:5984"},
			wantErr: true,
		},
		{
			name: "non-existent database",
			config: Config{
				URL:      getTestConfig().URL,
				Username: getTestConfig().Username,
				Password: getTestConfig().Password,
				Database: "nonexistent_db_12345",
				Timeout:  2 * time.Second,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(ctx, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type testDoc struct {
	ID      string `json:"_id,omitempty"`
	Rev     string `json:"_rev,omitempty"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// TestPutAndGet tests creating and retrieving documents
func TestPutAndGet(t *testing.T) {
	client, ctx, cleanup := setupTestDB(t)
	if client == nil {
		return
	}
	defer cleanup()

	docID := "test-doc-1"
	rev, err := client.Put(ctx, docID, testDoc{Message: "Hello CouchDB", Count: 42})
	if err != nil {
		t.Fatalf("Failed to put document: %v", err)
	}
	if rev == "" {
		t.Error("Expected revision, got empty string")
	}

	var doc testDoc
	if err := client.Get(ctx, docID, &doc); err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc.ID != docID {
		t.Errorf("Expected ID %s, got %s", docID, doc.ID)
	}
	if doc.Rev != rev {
		t.Errorf("Expected revision %s, got %s", rev, doc.Rev)
	}
	if doc.Message != "Hello CouchDB" || doc.Count != 42 {
		t.Errorf("Unexpected document body: %+v", doc)
	}
}

// TestUpdate tests updating an existing document
func TestUpdate(t *testing.T) {
	client, ctx, cleanup := setupTestDB(t)
	if client == nil {
		return
	}
	defer cleanup()

	docID := "test-doc-update"

	rev1, err := client.Put(ctx, docID, testDoc{Count: 1})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}

	// Update document (must include revision)
	rev2, err := client.Put(ctx, docID, testDoc{Rev: rev1, Count: 2})
	if err != nil {
		t.Fatalf("Failed to update document: %v", err)
	}
	if rev1 == rev2 {
		t.Error("Expected revision to change after update")
	}

	var doc testDoc
	if err := client.Get(ctx, docID, &doc); err != nil {
		t.Fatalf("Failed to get updated document: %v", err)
	}
	if doc.Rev != rev2 || doc.Count != 2 {
		t.Errorf("Expected revision %s with count 2, got %+v", rev2, doc)
	}
}

// TestGetNotFound tests the not-found mapping
func TestGetNotFound(t *testing.T) {
	client, ctx, cleanup := setupTestDB(t)
	if client == nil {
		return
	}
	defer cleanup()

	var doc testDoc
	err := client.Get(ctx, "missing", &doc)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestChanges tests the changes feed
func TestChanges(t *testing.T) {
	client, ctx, cleanup := setupTestDB(t)
	if client == nil {
		return
	}
	defer cleanup()

	numDocs := 3
	for i := 0; i < numDocs; i++ {
		docID := fmt.Sprintf("change-doc-%d", i)
		if _, err := client.Put(ctx, docID, testDoc{Count: i}); err != nil {
			t.Fatalf("Failed to create document: %v", err)
		}
	}

	changesChan, errChan := client.Changes(ctx, ChangesOptions{IncludeDocs: true, Limit: 10})

	changesReceived := 0
	timeout := time.After(5 * time.Second)

	for changesReceived < numDocs {
		select {
		case change, ok := <-changesChan:
			if !ok {
				t.Fatal("Changes channel closed unexpectedly")
			}
			changesReceived++
			if change.ID == "" {
				t.Error("Expected change to have document ID")
			}
			var doc testDoc
			if err := json.Unmarshal(change.Doc, &doc); err != nil {
				t.Errorf("Expected change to include document: %v", err)
			}
		case err := <-errChan:
			if err != nil {
				t.Fatalf("Changes feed error: %v", err)
			}
		case <-timeout:
			t.Fatalf("Timeout waiting for changes. Received %d/%d", changesReceived, numDocs)
		}
	}
}

// TestChangesContinuous tests continuous changes feed
func TestChangesContinuous(t *testing.T) {
	client, ctx, cleanup := setupTestDB(t)
	if client == nil {
		return
	}
	defer cleanup()

	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	changesChan, errChan := client.Changes(feedCtx, ChangesOptions{
		Continuous:  true,
		IncludeDocs: true,
		Heartbeat:   1 * time.Second,
	})

	go func() {
		time.Sleep(100 * time.Millisecond)
		for i := 0; i < 3; i++ {
			client.Put(ctx, fmt.Sprintf("continuous-doc-%d", i), testDoc{Count: i})
			time.Sleep(100 * time.Millisecond)
		}
	}()

	changesReceived := 0
	timeout := time.After(5 * time.Second)

	for changesReceived < 3 {
		select {
		case change, ok := <-changesChan:
			if !ok {
				return
			}
			changesReceived++
			t.Logf("Received change: %s (seq: %s)", change.ID, change.Seq)
		case err := <-errChan:
			if feedCtx.Err() != nil || err == nil {
				return
			}
			t.Fatalf("Changes feed error: %v", err)
		case <-timeout:
			cancel()
			t.Fatalf("Timeout waiting for continuous changes. Received %d/3", changesReceived)
		}
	}
}
