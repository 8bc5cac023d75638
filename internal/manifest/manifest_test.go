package manifest

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/imdevinc/roomshare/internal/protocol"
)

type fakeLinks struct {
	mu   sync.Mutex
	open map[string]bool
	sent map[string][]protocol.ControlMessage
	err  error
}

func newFakeLinks(open ...string) *fakeLinks {
	l := &fakeLinks{open: make(map[string]bool), sent: make(map[string][]protocol.ControlMessage)}
	for _, id := range open {
		l.open[id] = true
	}
	return l
}

func (l *fakeLinks) ControlOpen(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[peerID]
}

func (l *fakeLinks) SendControl(peerID string, msg protocol.ControlMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.sent[peerID] = append(l.sent[peerID], msg)
	return nil
}

type fakeSource struct {
	manifests map[string]protocol.Manifest
	err       error
}

func (s fakeSource) ManifestFor(roomID string) (protocol.Manifest, error) {
	if s.err != nil {
		return nil, s.err
	}
	if m, ok := s.manifests[roomID]; ok {
		return m, nil
	}
	return protocol.Manifest{}, nil
}

func entry(id, hash string) protocol.ManifestEntry {
	return protocol.ManifestEntry{ContentID: id, FileHash: hash, FileSize: 10, FileName: id + ".bin"}
}

func TestUpdateReplaces(t *testing.T) {
	s := NewService(newFakeLinks(), fakeSource{}, "room")

	s.Update("p1", protocol.Manifest{entry("c1", "h1"), entry("c2", "h2")})
	s.Update("p1", protocol.Manifest{entry("c3", "h3")})

	m, ok := s.Get("p1")
	if !ok {
		t.Fatal("Expected manifest for p1")
	}
	if len(m) != 1 || m[0].ContentID != "c3" {
		t.Errorf("Expected manifest replaced, got %+v", m)
	}
}

func TestPeersWithHash(t *testing.T) {
	links := newFakeLinks("p1", "p2", "p3")
	s := NewService(links, fakeSource{}, "room")

	s.Update("p3", protocol.Manifest{entry("c1", "h1")})
	s.Update("p1", protocol.Manifest{entry("c1", "h1")})
	s.Update("p2", protocol.Manifest{entry("c2", "h2")})
	s.Update("closed", protocol.Manifest{entry("c1", "h1")})

	tests := []struct {
		hash string
		want []string
	}{
		{"h1", []string{"p3", "p1"}},
		{"h2", []string{"p2"}},
		{"missing", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.hash, func(t *testing.T) {
			got := s.PeersWithHash(tt.hash)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PeersWithHash(%s) = %v, want %v", tt.hash, got, tt.want)
			}
		})
	}
}

func TestUpdateKeepsArrivalOrder(t *testing.T) {
	s := NewService(newFakeLinks("a", "b"), fakeSource{}, "room")

	s.Update("b", protocol.Manifest{entry("c1", "h")})
	s.Update("a", protocol.Manifest{entry("c1", "h")})
	s.Update("b", protocol.Manifest{entry("c1", "h")})

	if got := s.PeersWithHash("h"); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("Expected [b a], got %v", got)
	}
}

func TestRemove(t *testing.T) {
	s := NewService(newFakeLinks("a", "b"), fakeSource{}, "room")
	s.Update("a", protocol.Manifest{entry("c1", "h")})
	s.Update("b", protocol.Manifest{entry("c1", "h")})

	s.Remove("a")
	s.Remove("unknown")

	if _, ok := s.Get("a"); ok {
		t.Error("Expected manifest for a removed")
	}
	if got := s.PeersWithHash("h"); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Expected [b], got %v", got)
	}

	s.Reset()
	if got := s.PeersWithHash("h"); len(got) != 0 {
		t.Errorf("Expected no peers after reset, got %v", got)
	}
}

func TestSendLocal(t *testing.T) {
	links := newFakeLinks("p1")
	src := fakeSource{manifests: map[string]protocol.Manifest{
		"room":  {entry("c1", "h1")},
		"other": {entry("c9", "h9")},
	}}
	s := NewService(links, src, "room")

	if err := s.SendLocal("p1"); err != nil {
		t.Fatalf("SendLocal failed: %v", err)
	}

	sent := links.sent["p1"]
	if len(sent) != 1 {
		t.Fatalf("Expected one message, got %d", len(sent))
	}
	if sent[0].Type != protocol.ControlManifestExchange {
		t.Errorf("Expected manifest:exchange, got %s", sent[0].Type)
	}
	if len(sent[0].Manifest) != 1 || sent[0].Manifest[0].ContentID != "c1" {
		t.Errorf("Expected room manifest only, got %+v", sent[0].Manifest)
	}
}

func TestSendLocalErrors(t *testing.T) {
	storeErr := errors.New("disk gone")
	s := NewService(newFakeLinks("p1"), fakeSource{err: storeErr}, "room")
	if err := s.SendLocal("p1"); !errors.Is(err, storeErr) {
		t.Errorf("Expected store error, got %v", err)
	}

	sendErr := errors.New("channel closed")
	links := newFakeLinks("p1")
	links.err = sendErr
	s = NewService(links, fakeSource{}, "room")
	if err := s.SendLocal("p1"); !errors.Is(err, sendErr) {
		t.Errorf("Expected send error, got %v", err)
	}
}
