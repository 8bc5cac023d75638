package peer

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/imdevinc/roomshare/internal/protocol"
)

func TestNewBase(t *testing.T) {
	b := NewBase("mesh", "peer-1")

	if b.ID() != "peer-1" {
		t.Errorf("Expected id 'peer-1', got '%s'", b.ID())
	}
	if b.Component() != "mesh" {
		t.Errorf("Expected component 'mesh', got '%s'", b.Component())
	}
}

func TestBaseLogging(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	b := NewBase("transfer", "peer-1")
	b.LogSend("Sending chunk", "bytes", 16384)
	b.LogReceive("Received chunk")
	b.LogDebug("Debug line")

	out := buf.String()
	for _, want := range []string{"component=transfer", "peer=peer-1", "direction=-->", "direction=<--", "bytes=16384", "Debug line"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in log output:\n%s", want, out)
		}
	}
}

func TestInitiates(t *testing.T) {
	tests := []struct {
		local, remote string
		want          bool
	}{
		{"aaa", "zzz", true},
		{"zzz", "aaa", false},
		{"abc", "abd", true},
		{"same", "same", false},
		{"", "zzz", false},
		{"aaa", "", false},
	}

	for _, tt := range tests {
		if got := Initiates(tt.local, tt.remote); got != tt.want {
			t.Errorf("Initiates(%q, %q) = %v, want %v", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestInitiatesIsExclusive(t *testing.T) {
	ids := []string{"a", "b", "peer-1", "peer-2", "Z", "z"}
	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				continue
			}
			if Initiates(x, y) == Initiates(y, x) {
				t.Errorf("Exactly one of %q and %q should initiate", x, y)
			}
		}
	}
}

func TestOthers(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	peers := []protocol.PeerInfo{
		{PeerID: "c", JoinedAt: base.Add(2 * time.Second)},
		{PeerID: "me", JoinedAt: base},
		{PeerID: "a", JoinedAt: base.Add(time.Second)},
	}

	got := Others("me", peers)
	if len(got) != 2 || got[0].PeerID != "a" || got[1].PeerID != "c" {
		t.Errorf("Unexpected result: %+v", got)
	}
}
