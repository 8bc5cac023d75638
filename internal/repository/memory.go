package repository

import (
	"context"
	"sync"
	"time"

	"github.com/imdevinc/roomshare/internal/protocol"
)

type storedContent struct {
	item     protocol.ContentItem
	filePath string
}

// Memory is an in-process repository used for local runs and tests
type Memory struct {
	mu      sync.RWMutex
	rooms   map[string]time.Time
	content map[string]*storedContent
}

// NewMemory creates an empty repository holding the given rooms
func NewMemory(roomIDs ...string) *Memory {
	m := &Memory{
		rooms:   make(map[string]time.Time),
		content: make(map[string]*storedContent),
	}
	for _, id := range roomIDs {
		m.CreateRoom(id)
	}
	return m
}

// CreateRoom registers a room; creating an existing room is a no-op
func (m *Memory) CreateRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; !ok {
		m.rooms[roomID] = time.Now()
	}
}

// AddContent stores an item; filePath is empty for text and link items
func (m *Memory) AddContent(item protocol.ContentItem, filePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[item.ID] = &storedContent{item: withFileDefaults(item, filePath), filePath: filePath}
}

// MarkPurged sets the purge time once and drops the file path
func (m *Memory) MarkPurged(contentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.content[contentID]
	if !ok {
		return ErrNotFound
	}
	if c.item.PurgedAt == nil {
		c.item.PurgedAt = &at
	}
	c.filePath = ""
	return nil
}

func (m *Memory) Exists(_ context.Context, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok, nil
}

func (m *Memory) GetByID(_ context.Context, contentID string) (protocol.ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[contentID]
	if !ok {
		return protocol.ContentItem{}, ErrNotFound
	}
	return c.item, nil
}

func (m *Memory) FilePathIfNotPurged(_ context.Context, contentID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[contentID]
	if !ok {
		return "", false, ErrNotFound
	}
	if c.filePath == "" || c.item.IsPurged() {
		return "", false, nil
	}
	return c.filePath, true, nil
}
