// Package manifest tracks which content each linked peer holds.
package manifest

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/imdevinc/roomshare/internal/protocol"
)

// Links is the subset of the mesh the service needs
type Links interface {
	ControlOpen(peerID string) bool
	SendControl(peerID string, msg protocol.ControlMessage) error
}

// Source produces the local manifest for a room
type Source interface {
	ManifestFor(roomID string) (protocol.Manifest, error)
}

// Service holds the latest manifest received from each peer
type Service struct {
	links  Links
	source Source
	roomID string

	mu        sync.RWMutex
	manifests map[string]protocol.Manifest
	order     []string
}

// NewService creates a manifest service for roomID
func NewService(links Links, source Source, roomID string) *Service {
	return &Service{
		links:     links,
		source:    source,
		roomID:    roomID,
		manifests: make(map[string]protocol.Manifest),
	}
}

// Update replaces the manifest held for peerID
func (s *Service) Update(peerID string, m protocol.Manifest) {
	if m == nil {
		m = protocol.Manifest{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifests[peerID]; !ok {
		s.order = append(s.order, peerID)
	}
	s.manifests[peerID] = m
	slog.Debug("Manifest updated", "component", "manifest", "peer", peerID, "entries", len(m))
}

// Remove forgets peerID
func (s *Service) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.manifests[peerID]; !ok {
		return
	}
	delete(s.manifests, peerID)
	for i, id := range s.order {
		if id == peerID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Get returns the manifest held for peerID
func (s *Service) Get(peerID string) (protocol.Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[peerID]
	return m, ok
}

// Reset forgets every manifest
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = make(map[string]protocol.Manifest)
	s.order = nil
}

// PeersWithHash returns peers advertising hash whose control channel is
// open, in the order their manifests first arrived
func (s *Service) PeersWithHash(hash string) []string {
	s.mu.RLock()
	var candidates []string
	for _, id := range s.order {
		if s.manifests[id].HasHash(hash) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	peers := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if s.links.ControlOpen(id) {
			peers = append(peers, id)
		}
	}
	return peers
}

// SendLocal sends the local manifest to peerID once
func (s *Service) SendLocal(peerID string) error {
	m, err := s.Local()
	if err != nil {
		return err
	}
	if err := s.links.SendControl(peerID, protocol.ManifestExchange(m)); err != nil {
		return fmt.Errorf("failed to send manifest: %w", err)
	}
	slog.Debug("Sent manifest", "component", "manifest", "peer", peerID, "direction", "-->", "entries", len(m))
	return nil
}

// Local returns the manifest of everything cached for the room
func (s *Service) Local() (protocol.Manifest, error) {
	m, err := s.source.ManifestFor(s.roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to build local manifest: %w", err)
	}
	return m, nil
}
