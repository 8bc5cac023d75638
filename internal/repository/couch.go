package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/pkg/couchdb"
)

const (
	roomDocPrefix    = "room:"
	contentDocPrefix = "content:"
)

type roomDoc struct {
	ID        string    `json:"_id,omitempty"`
	Rev       string    `json:"_rev,omitempty"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

type contentDoc struct {
	ID       string               `json:"_id,omitempty"`
	Rev      string               `json:"_rev,omitempty"`
	Kind     string               `json:"kind"`
	Item     protocol.ContentItem `json:"item"`
	FilePath string               `json:"filePath,omitempty"`
}

// Couch stores rooms and content items as CouchDB documents
type Couch struct {
	client *couchdb.Client
}

// NewCouch creates a repository on an open CouchDB client
func NewCouch(client *couchdb.Client) *Couch {
	return &Couch{client: client}
}

// CreateRoom writes a room document unless it already exists
func (c *Couch) CreateRoom(ctx context.Context, roomID string) error {
	exists, err := c.Exists(ctx, roomID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	doc := roomDoc{Kind: "room", CreatedAt: time.Now().UTC()}
	if _, err := c.client.Put(ctx, roomDocPrefix+roomID, doc); err != nil {
		return fmt.Errorf("failed to create room %s: %w", roomID, err)
	}
	return nil
}

// SaveContent upserts a content item and its server-side file path
func (c *Couch) SaveContent(ctx context.Context, item protocol.ContentItem, filePath string) error {
	docID := contentDocPrefix + item.ID
	doc := contentDoc{Kind: "content", Item: withFileDefaults(item, filePath), FilePath: filePath}

	var existing contentDoc
	err := c.client.Get(ctx, docID, &existing)
	switch {
	case err == nil:
		doc.Rev = existing.Rev
	case !errors.Is(err, couchdb.ErrNotFound):
		return err
	}

	if _, err := c.client.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to save content %s: %w", item.ID, err)
	}
	return nil
}

// MarkPurged sets the purge time once and drops the file path
func (c *Couch) MarkPurged(ctx context.Context, contentID string, at time.Time) error {
	doc, err := c.getContent(ctx, contentID)
	if err != nil {
		return err
	}
	if doc.Item.PurgedAt == nil {
		doc.Item.PurgedAt = &at
	}
	doc.FilePath = ""
	if _, err := c.client.Put(ctx, contentDocPrefix+contentID, doc); err != nil {
		return fmt.Errorf("failed to purge content %s: %w", contentID, err)
	}
	return nil
}

func (c *Couch) Exists(ctx context.Context, roomID string) (bool, error) {
	var doc roomDoc
	err := c.client.Get(ctx, roomDocPrefix+roomID, &doc)
	if errors.Is(err, couchdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Couch) GetByID(ctx context.Context, contentID string) (protocol.ContentItem, error) {
	doc, err := c.getContent(ctx, contentID)
	if err != nil {
		return protocol.ContentItem{}, err
	}
	return doc.Item, nil
}

func (c *Couch) FilePathIfNotPurged(ctx context.Context, contentID string) (string, bool, error) {
	doc, err := c.getContent(ctx, contentID)
	if err != nil {
		return "", false, err
	}
	if doc.FilePath == "" || doc.Item.IsPurged() {
		return "", false, nil
	}
	return doc.FilePath, true, nil
}

func (c *Couch) getContent(ctx context.Context, contentID string) (*contentDoc, error) {
	var doc contentDoc
	err := c.client.Get(ctx, contentDocPrefix+contentID, &doc)
	if errors.Is(err, couchdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// WatchContent follows the changes feed from "now" and calls fn for every
// newly created content item until ctx is cancelled. Updates of an existing
// item (such as purging) are not reported.
func (c *Couch) WatchContent(ctx context.Context, fn func(protocol.ContentItem)) error {
	changes, errs := c.client.Changes(ctx, couchdb.ChangesOptions{
		Since:       "now",
		IncludeDocs: true,
		Continuous:  true,
		Heartbeat:   30 * time.Second,
	})

	slog.Info("Watching CouchDB for new content", "database", c.client.DBName())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-errs:
			if ok && err != nil {
				return fmt.Errorf("content feed stopped: %w", err)
			}
			errs = nil

		case change, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("content feed closed")
			}
			item, ok := newContentFromChange(change)
			if !ok {
				continue
			}
			slog.Debug("New content from CouchDB", "contentId", item.ID, "roomId", item.RoomID)
			fn(item)
		}
	}
}

// newContentFromChange decodes first-revision content documents
func newContentFromChange(change couchdb.Change) (protocol.ContentItem, bool) {
	if change.Deleted || !strings.HasPrefix(change.ID, contentDocPrefix) || len(change.Doc) == 0 {
		return protocol.ContentItem{}, false
	}
	var doc contentDoc
	if err := json.Unmarshal(change.Doc, &doc); err != nil {
		slog.Debug("Ignoring undecodable content document", "id", change.ID, "error", err)
		return protocol.ContentItem{}, false
	}
	if !strings.HasPrefix(doc.Rev, "1-") {
		return protocol.ContentItem{}, false
	}
	return doc.Item, true
}
