package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/repository"
)

func newTestRelay(t *testing.T) (*Relay, *repository.Memory, *httptest.Server) {
	t.Helper()
	repo := repository.NewMemory("room1", "room2")
	r := New(repo, Options{HeartbeatInterval: time.Hour})
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		r.CloseAll()
		srv.Close()
	})
	return r, repo, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", data, err)
	}
	return msg
}

func writeMsg(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}
}

// join dials room and returns the connection with its assigned peer id
func join(t *testing.T, srv *httptest.Server, room string) (*websocket.Conn, protocol.Message) {
	t.Helper()
	ws := dial(t, srv, "?roomId="+room)
	welcome := readMsg(t, ws)
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("Expected welcome, got %s", welcome.Type)
	}
	return ws, welcome
}

// expectPong sends a ping and requires pong as the next message, proving
// nothing else was queued in between
func expectPong(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	writeMsg(t, ws, protocol.Message{Type: protocol.TypePing})
	if msg := readMsg(t, ws); msg.Type != protocol.TypePong {
		t.Fatalf("Expected pong, got %s", msg.Type)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestRelayRefusesConnection(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		code   int
		reason string
	}{
		{"missing room", "", CloseMissingRoom, "Missing roomId"},
		{"unknown room", "?roomId=nope", CloseRoomNotFound, "Room not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, srv := newTestRelay(t)
			ws := dial(t, srv, tt.query)

			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err := ws.ReadMessage()

			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				t.Fatalf("Expected close error, got %v", err)
			}
			if closeErr.Code != tt.code || closeErr.Text != tt.reason {
				t.Errorf("Expected close %d %q, got %d %q", tt.code, tt.reason, closeErr.Code, closeErr.Text)
			}
		})
	}
}

func TestRelayWelcomeAndJoin(t *testing.T) {
	_, _, srv := newTestRelay(t)

	a, welcomeA := join(t, srv, "room1")
	if welcomeA.PeerID == "" {
		t.Fatal("Expected assigned peer id")
	}
	if len(welcomeA.Peers) != 0 {
		t.Errorf("Expected no existing peers, got %v", welcomeA.Peers)
	}
	if len(welcomeA.ICEServers) == 0 || welcomeA.ICEServers[0].URLs[0] != DefaultSTUNServer {
		t.Errorf("Expected default STUN server, got %+v", welcomeA.ICEServers)
	}

	_, welcomeB := join(t, srv, "room1")
	if len(welcomeB.Peers) != 1 || welcomeB.Peers[0].PeerID != welcomeA.PeerID {
		t.Errorf("Expected B's welcome to list A, got %+v", welcomeB.Peers)
	}
	if welcomeB.PeerID == welcomeA.PeerID {
		t.Error("Peer ids must be unique")
	}

	msg := readMsg(t, a)
	if msg.Type != protocol.TypePeerJoin || msg.PeerID != welcomeB.PeerID {
		t.Errorf("Expected peer:join for B, got %+v", msg)
	}
	if msg.JoinedAt == nil {
		t.Error("Expected joinedAt on peer:join")
	}

	// Rooms are isolated
	_, welcomeC := join(t, srv, "room2")
	if len(welcomeC.Peers) != 0 {
		t.Errorf("Expected empty room2, got %+v", welcomeC.Peers)
	}
	expectPong(t, a)
}

func TestRelaySignalRouting(t *testing.T) {
	_, _, srv := newTestRelay(t)

	a, welcomeA := join(t, srv, "room1")
	b, welcomeB := join(t, srv, "room1")
	readMsg(t, a) // peer:join

	offer, err := protocol.Signal(protocol.TypeSignalOffer, welcomeB.PeerID, map[string]string{"type": "offer", "sdp": "v=0"})
	if err != nil {
		t.Fatalf("Failed to build signal: %v", err)
	}
	writeMsg(t, a, offer)

	got := readMsg(t, b)
	if got.Type != protocol.TypeSignalOffer {
		t.Fatalf("Expected signal:offer, got %s", got.Type)
	}
	if got.From != welcomeA.PeerID || got.To != welcomeB.PeerID {
		t.Errorf("Expected from %s to %s, got from %s to %s", welcomeA.PeerID, welcomeB.PeerID, got.From, got.To)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["sdp"] != "v=0" {
		t.Errorf("Payload not forwarded verbatim: %s", got.Payload)
	}

	// Signals for departed peers are dropped
	gone, _ := protocol.Signal(protocol.TypeSignalICE, "missing-peer", map[string]string{"candidate": "x"})
	writeMsg(t, a, gone)
	expectPong(t, a)
	expectPong(t, b)
}

func TestRelayManifestAnnounce(t *testing.T) {
	_, _, srv := newTestRelay(t)

	a, welcomeA := join(t, srv, "room1")
	b, _ := join(t, srv, "room1")
	readMsg(t, a) // peer:join

	manifest := protocol.Manifest{{ContentID: "c1", FileHash: "h1", FileSize: 3, FileName: "a.txt", MimeType: "text/plain"}}
	writeMsg(t, a, protocol.Message{Type: protocol.TypeManifestAnnounce, Manifest: manifest})

	got := readMsg(t, b)
	if got.Type != protocol.TypeManifestUpdate || got.PeerID != welcomeA.PeerID {
		t.Fatalf("Expected manifest:update from A, got %+v", got)
	}
	if !got.Manifest.HasHash("h1") {
		t.Errorf("Expected manifest entry h1, got %+v", got.Manifest)
	}

	// Not echoed to the sender
	expectPong(t, a)
}

func TestRelayLargeManifestAnnounce(t *testing.T) {
	_, _, srv := newTestRelay(t)

	a, _ := join(t, srv, "room1")
	b, _ := join(t, srv, "room1")
	readMsg(t, a) // peer:join

	// Several megabytes, past a one mebibyte frame
	manifest := make(protocol.Manifest, 0, 20000)
	for i := 0; i < 20000; i++ {
		id := fmt.Sprintf("content-%05d", i)
		manifest = append(manifest, protocol.ManifestEntry{
			ContentID: id,
			FileHash:  fmt.Sprintf("%064x", i),
			FileSize:  int64(i),
			FileName:  id + "-with-a-long-descriptive-name.bin",
			MimeType:  "application/octet-stream",
		})
	}
	writeMsg(t, a, protocol.Message{Type: protocol.TypeManifestAnnounce, Manifest: manifest})

	got := readMsg(t, b)
	if got.Type != protocol.TypeManifestUpdate || len(got.Manifest) != len(manifest) {
		t.Fatalf("Expected full manifest:update, got %s with %d entries", got.Type, len(got.Manifest))
	}
	// Sender still connected
	expectPong(t, a)
}

func TestRelayIgnoresMalformed(t *testing.T) {
	_, _, srv := newTestRelay(t)
	a, _ := join(t, srv, "room1")

	for _, frame := range []string{"not json", `{"type":"bogus"}`, `{"type":"signal:offer"}`} {
		if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
	}
	expectPong(t, a)
}

func TestRelayLeave(t *testing.T) {
	r, _, srv := newTestRelay(t)

	a, _ := join(t, srv, "room1")
	b, welcomeB := join(t, srv, "room1")
	readMsg(t, a) // peer:join

	b.Close()

	msg := readMsg(t, a)
	if msg.Type != protocol.TypePeerLeave || msg.PeerID != welcomeB.PeerID {
		t.Errorf("Expected peer:leave for B, got %+v", msg)
	}

	a.Close()
	waitFor(t, "empty relay", func() bool {
		rooms, peers := r.Stats()
		return rooms == 0 && peers == 0
	})
}

func TestRelayHeartbeatTerminatesSilentPeer(t *testing.T) {
	r, _, srv := newTestRelay(t)

	// Reads its welcome and then never reads again, so never answers a ping
	join(t, srv, "room1")

	r.Heartbeat()
	if _, peers := r.Stats(); peers != 1 {
		t.Fatalf("Expected peer to survive the first tick, got %d peers", peers)
	}

	r.Heartbeat()
	waitFor(t, "silent peer removal", func() bool {
		_, peers := r.Stats()
		return peers == 0
	})
}

func TestRelayHeartbeatKeepsResponsivePeer(t *testing.T) {
	r, _, srv := newTestRelay(t)

	a, _ := join(t, srv, "room1")
	// The default ping handler answers while a reader is running
	go func() {
		for {
			if _, _, err := a.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		r.Heartbeat()
		waitFor(t, "pong", func() bool {
			conns := r.allConns()
			return len(conns) == 1 && conns[0].alive.Load()
		})
	}

	if _, peers := r.Stats(); peers != 1 {
		t.Errorf("Expected responsive peer to stay, got %d peers", peers)
	}
}

func TestRelayPublishContent(t *testing.T) {
	r, _, srv := newTestRelay(t)

	a, _ := join(t, srv, "room1")
	b, _ := join(t, srv, "room1")
	readMsg(t, a) // peer:join
	other, _ := join(t, srv, "room2")

	r.PublishContent(protocol.ContentItem{ID: "c1", RoomID: "room1", Type: protocol.ContentText, TextContent: "hi"})

	for _, ws := range []*websocket.Conn{a, b} {
		msg := readMsg(t, ws)
		if msg.Type != protocol.TypeContentNew || msg.Item.ID != "c1" {
			t.Errorf("Expected content:new c1, got %+v", msg)
		}
	}
	expectPong(t, other)
}

func TestRelayContentEndpoints(t *testing.T) {
	_, repo, srv := newTestRelay(t)

	path := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(path, []byte("file bytes"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	repo.AddContent(protocol.ContentItem{
		ID:       "c1",
		RoomID:   "room1",
		Type:     protocol.ContentFile,
		FileName: "report.bin",
		FileSize: 10,
		MimeType: "application/octet-stream",
		FileHash: "abc",
	}, path)

	get := func(p string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("GET %s failed: %v", p, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"metadata", "/api/rooms/room1/content/c1", http.StatusOK, `"fileHash":"abc"`},
		{"wrong room", "/api/rooms/room2/content/c1", http.StatusNotFound, "Content not found"},
		{"unknown", "/api/rooms/room1/content/nope", http.StatusNotFound, "Content not found"},
		{"file", "/api/rooms/room1/content/c1/file", http.StatusOK, "file bytes"},
		{"health", "/healthz", http.StatusOK, `"rooms":0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(tt.path)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if !strings.Contains(body, tt.body) {
				t.Errorf("Expected %q in body %q", tt.body, body)
			}
		})
	}

	if err := repo.MarkPurged("c1", time.Now()); err != nil {
		t.Fatalf("MarkPurged failed: %v", err)
	}
	resp, body := get("/api/rooms/room1/content/c1/file")
	if resp.StatusCode != http.StatusGone {
		t.Errorf("Expected 410 after purge, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"fileHash":"abc"`) {
		t.Errorf("Expected file hash in gone response, got %s", body)
	}
}

func TestDefaultICEServers(t *testing.T) {
	servers := DefaultICEServers("turn:turn.example.com:3478", "user", "secret")
	if len(servers) != 2 {
		t.Fatalf("Expected STUN and TURN, got %d servers", len(servers))
	}
	if servers[1].Username != "user" || servers[1].Credential != "secret" {
		t.Errorf("Unexpected TURN entry: %+v", servers[1])
	}
	if len(DefaultICEServers("", "", "")) != 1 {
		t.Error("Expected STUN only without TURN url")
	}
}
