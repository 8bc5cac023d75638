package peer

import (
	"sort"

	"github.com/imdevinc/roomshare/internal/protocol"
)

// Initiates reports whether local sends the offer for the pair. The
// lexicographically smaller id always initiates, so each unordered pair
// produces exactly one offer.
func Initiates(local, remote string) bool {
	return local != "" && remote != "" && local < remote
}

// Others returns the members of peers other than self, oldest join first
func Others(self string, peers []protocol.PeerInfo) []protocol.PeerInfo {
	out := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.PeerID != self {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
