// Package storage is the durable local cache: content metadata, content
// blobs and pending (interrupted) transfers, kept in a BoltDB file.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/util"
)

const (
	bucketMeta       = "content_meta"
	bucketBlobs      = "content_blobs"
	bucketPending    = "pending_transfers"
	bucketByRoom     = "meta_by_room"
	bucketByCachedAt = "meta_by_cached_at"

	// Recently read blobs kept in memory
	defaultHotBlobs = 16

	// DefaultBudget is the eviction budget callers use when none is configured
	DefaultBudget int64 = 500 * 1024 * 1024

	// Eviction stops once the cache is at or below 8/10 of the budget
	evictFloorNum = 8
	evictFloorDen = 10
)

var allBuckets = []string{bucketMeta, bucketBlobs, bucketPending, bucketByRoom, bucketByCachedAt}

// IOError wraps a failure of the underlying database
type IOError struct {
	Op        string
	ContentID string
	Err       error
}

func (e *IOError) Error() string {
	if e.ContentID == "" {
		return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s failed: %v", e.Op, e.ContentID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// metaRecord is the stored form of cached metadata
type metaRecord struct {
	ContentID string               `json:"contentId"`
	RoomID    string               `json:"roomId"`
	Meta      protocol.ContentItem `json:"meta"`
	CachedAt  time.Time            `json:"cachedAt"`
}

// PendingTransfer is the checkpoint of an interrupted download
type PendingTransfer struct {
	ContentID string    `json:"contentId"`
	Chunks    [][]byte  `json:"chunks"`
	Offset    int64     `json:"offset"`
	SavedAt   time.Time `json:"savedAt"`
}

// Store provides the local content cache on top of BoltDB
type Store struct {
	db     *bolt.DB
	hot    *util.Cache[string, []byte]
	budget int64
	now    func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithBudget sets the eviction budget in bytes; zero or negative disables eviction
func WithBudget(budget int64) Option {
	return func(s *Store) { s.budget = budget }
}

// WithClock overrides the clock used for cache-write times
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (or creates) the cache database at path
func NewStore(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	hot, err := util.NewCache[string, []byte](defaultHotBlobs)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}

	s := &Store{db: db, hot: hot, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Budget returns the configured eviction budget in bytes
func (s *Store) Budget() int64 {
	return s.budget
}

// Clear removes every cached record
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	s.hot.Clear()
	if err != nil {
		return &IOError{Op: "clear", Err: err}
	}
	return nil
}

// PutMeta upserts metadata for item.ID and refreshes its cache-write time
func (s *Store) PutMeta(item protocol.ContentItem) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.putMetaTx(tx, item)
	})
	if err != nil {
		return &IOError{Op: "put meta", ContentID: item.ID, Err: err}
	}
	return nil
}

// PutBlob upserts the bytes of a content item
func (s *Store) PutBlob(contentID string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).Put([]byte(contentID), data)
	})
	s.hot.Remove(contentID)
	if err != nil {
		return &IOError{Op: "put blob", ContentID: contentID, Err: err}
	}
	return nil
}

// PutContent writes metadata and bytes in one transaction
func (s *Store) PutContent(item protocol.ContentItem, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := s.putMetaTx(tx, item); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketBlobs)).Put([]byte(item.ID), data)
	})
	s.hot.Remove(item.ID)
	if err != nil {
		return &IOError{Op: "put content", ContentID: item.ID, Err: err}
	}
	return nil
}

func (s *Store) putMetaTx(tx *bolt.Tx, item protocol.ContentItem) error {
	metas := tx.Bucket([]byte(bucketMeta))
	byRoom := tx.Bucket([]byte(bucketByRoom))
	byTime := tx.Bucket([]byte(bucketByCachedAt))

	// Drop index entries of the previous version
	if old := metas.Get([]byte(item.ID)); old != nil {
		var rec metaRecord
		if err := json.Unmarshal(old, &rec); err == nil {
			if err := byRoom.Delete(roomKey(rec.RoomID, rec.ContentID)); err != nil {
				return err
			}
			if err := byTime.Delete(timeKey(rec.CachedAt, rec.ContentID)); err != nil {
				return err
			}
		}
	}

	rec := metaRecord{
		ContentID: item.ID,
		RoomID:    item.RoomID,
		Meta:      item,
		CachedAt:  s.now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := metas.Put([]byte(item.ID), data); err != nil {
		return err
	}
	if err := byRoom.Put(roomKey(rec.RoomID, rec.ContentID), nil); err != nil {
		return err
	}
	return byTime.Put(timeKey(rec.CachedAt, rec.ContentID), nil)
}

// GetBlob returns the cached bytes for contentID. The returned slice must
// not be modified.
func (s *Store) GetBlob(contentID string) ([]byte, bool, error) {
	if data, ok := s.hot.Get(contentID); ok {
		return data, true, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBlobs)).Get([]byte(contentID))
		if v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, &IOError{Op: "get blob", ContentID: contentID, Err: err}
	}
	if data == nil {
		return nil, false, nil
	}

	s.hot.Set(contentID, data)
	return data, true, nil
}

// HasBlob reports whether bytes are cached for contentID
func (s *Store) HasBlob(contentID string) bool {
	if s.hot.Has(contentID) {
		return true
	}
	var exists bool
	s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketBlobs)).Get([]byte(contentID)) != nil
		return nil
	})
	return exists
}

// GetMeta returns the cached metadata for contentID
func (s *Store) GetMeta(contentID string) (protocol.ContentItem, bool, error) {
	var rec *metaRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(contentID))
		if v == nil {
			return nil
		}
		rec = &metaRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return protocol.ContentItem{}, false, &IOError{Op: "get meta", ContentID: contentID, Err: err}
	}
	if rec == nil {
		return protocol.ContentItem{}, false, nil
	}
	return rec.Meta, true, nil
}

// RoomContent returns all cached metadata of a room, in content id order
func (s *Store) RoomContent(roomID string) ([]protocol.ContentItem, error) {
	var items []protocol.ContentItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEachInRoom(tx, roomID, func(rec metaRecord) error {
			items = append(items, rec.Meta)
			return nil
		})
	})
	if err != nil {
		return nil, &IOError{Op: "list room", Err: err}
	}
	return items, nil
}

// FindByHash returns the room's cached metadata whose file hash matches,
// ignoring hex case
func (s *Store) FindByHash(roomID, hash string) (protocol.ContentItem, bool, error) {
	var found *protocol.ContentItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.forEachInRoom(tx, roomID, func(rec metaRecord) error {
			if found == nil && rec.Meta.FileHash != "" && strings.EqualFold(rec.Meta.FileHash, hash) {
				item := rec.Meta
				found = &item
			}
			return nil
		})
	})
	if err != nil {
		return protocol.ContentItem{}, false, &IOError{Op: "find by hash", Err: err}
	}
	if found == nil {
		return protocol.ContentItem{}, false, nil
	}
	return *found, true, nil
}

// ManifestFor lists what this peer can serve in a room: metadata that has
// both a stored blob and a known content hash.
func (s *Store) ManifestFor(roomID string) (protocol.Manifest, error) {
	manifest := protocol.Manifest{}
	err := s.db.View(func(tx *bolt.Tx) error {
		blobs := tx.Bucket([]byte(bucketBlobs))
		return s.forEachInRoom(tx, roomID, func(rec metaRecord) error {
			if rec.Meta.FileHash == "" || blobs.Get([]byte(rec.ContentID)) == nil {
				return nil
			}
			mimeType := rec.Meta.MimeType
			if mimeType == "" {
				mimeType = util.MimeType(rec.Meta.FileName)
			}
			manifest = append(manifest, protocol.ManifestEntry{
				ContentID: rec.ContentID,
				FileHash:  rec.Meta.FileHash,
				FileSize:  rec.Meta.FileSize,
				FileName:  rec.Meta.FileName,
				MimeType:  mimeType,
			})
			return nil
		})
	})
	if err != nil {
		return nil, &IOError{Op: "manifest", Err: err}
	}
	return manifest, nil
}

func (s *Store) forEachInRoom(tx *bolt.Tx, roomID string, fn func(metaRecord) error) error {
	metas := tx.Bucket([]byte(bucketMeta))
	prefix := roomKey(roomID, "")
	c := tx.Bucket([]byte(bucketByRoom)).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		contentID := string(k[len(prefix):])
		v := metas.Get([]byte(contentID))
		if v == nil {
			continue
		}
		var rec metaRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			slog.Warn("Skipping unreadable cache record", "contentId", contentID, "error", err)
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// TotalSize sums the size of every stored blob
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).ForEach(func(k, v []byte) error {
			total += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return 0, &IOError{Op: "size", Err: err}
	}
	return total, nil
}

// Evict trims the cache when it is over budget. Metadata and blob pairs go
// oldest cache-write time first until the total is at or below 80% of the
// budget. Metadata without a blob is never evicted. Nothing is deleted while the total is within budget. Returns the
// evicted content ids in deletion order.
func (s *Store) Evict() ([]string, error) {
	if s.budget <= 0 {
		return nil, nil
	}

	total, err := s.TotalSize()
	if err != nil {
		return nil, err
	}
	if total <= s.budget {
		return nil, nil
	}

	type candidate struct {
		contentID string
		size      int64
	}
	var candidates []candidate
	err = s.db.View(func(tx *bolt.Tx) error {
		blobs := tx.Bucket([]byte(bucketBlobs))
		metas := tx.Bucket([]byte(bucketMeta))
		seen := make(map[string]bool)

		c := tx.Bucket([]byte(bucketByCachedAt)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) < 8 {
				continue
			}
			id := string(k[8:])
			seen[id] = true
			// Metadata-only records free nothing and stay for lookups
			blob := blobs.Get([]byte(id))
			if blob == nil {
				continue
			}
			candidates = append(candidates, candidate{contentID: id, size: int64(len(blob))})
		}

		// Blobs stored without metadata have no write time; they go last
		return blobs.ForEach(func(k, v []byte) error {
			if !seen[string(k)] && metas.Get(k) == nil {
				candidates = append(candidates, candidate{contentID: string(k), size: int64(len(v))})
			}
			return nil
		})
	})
	if err != nil {
		return nil, &IOError{Op: "evict", Err: err}
	}

	var evicted []string
	for _, cand := range candidates {
		if total*evictFloorDen <= s.budget*evictFloorNum {
			break
		}
		if err := s.deleteContent(cand.contentID); err != nil {
			return evicted, err
		}
		total -= cand.size
		evicted = append(evicted, cand.contentID)
	}

	slog.Info("Cache eviction finished", "evicted", len(evicted), "remaining", total, "budget", s.budget)
	return evicted, nil
}

// DeleteContent removes metadata and blob of contentID together
func (s *Store) DeleteContent(contentID string) error {
	return s.deleteContent(contentID)
}

func (s *Store) deleteContent(contentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket([]byte(bucketMeta))
		if v := metas.Get([]byte(contentID)); v != nil {
			var rec metaRecord
			if err := json.Unmarshal(v, &rec); err == nil {
				if err := tx.Bucket([]byte(bucketByRoom)).Delete(roomKey(rec.RoomID, rec.ContentID)); err != nil {
					return err
				}
				if err := tx.Bucket([]byte(bucketByCachedAt)).Delete(timeKey(rec.CachedAt, rec.ContentID)); err != nil {
					return err
				}
			}
			if err := metas.Delete([]byte(contentID)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(bucketBlobs)).Delete([]byte(contentID))
	})
	s.hot.Remove(contentID)
	if err != nil {
		return &IOError{Op: "delete", ContentID: contentID, Err: err}
	}
	return nil
}

// PutPending checkpoints an interrupted transfer
func (s *Store) PutPending(p PendingTransfer) error {
	if p.SavedAt.IsZero() {
		p.SavedAt = s.now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return &IOError{Op: "put pending", ContentID: p.ContentID, Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPending)).Put([]byte(p.ContentID), data)
	})
	if err != nil {
		return &IOError{Op: "put pending", ContentID: p.ContentID, Err: err}
	}
	return nil
}

// GetPending returns the checkpoint for contentID, or nil when there is none
func (s *Store) GetPending(contentID string) (*PendingTransfer, error) {
	var p *PendingTransfer
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketPending)).Get([]byte(contentID))
		if v == nil {
			return nil
		}
		p = &PendingTransfer{}
		return json.Unmarshal(v, p)
	})
	if err != nil {
		return nil, &IOError{Op: "get pending", ContentID: contentID, Err: err}
	}
	return p, nil
}

// DeletePending removes the checkpoint for contentID
func (s *Store) DeletePending(contentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPending)).Delete([]byte(contentID))
	})
	if err != nil {
		return &IOError{Op: "delete pending", ContentID: contentID, Err: err}
	}
	return nil
}

func roomKey(roomID, contentID string) []byte {
	k := make([]byte, 0, len(roomID)+1+len(contentID))
	k = append(k, roomID...)
	k = append(k, 0)
	return append(k, contentID...)
}

func timeKey(t time.Time, contentID string) []byte {
	k := make([]byte, 8, 8+len(contentID))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return append(k, contentID...)
}
