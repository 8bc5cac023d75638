package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the overall configuration for roomshare. Either section
// may be omitted; the relay command needs Relay and the peer commands need Peer.
type Config struct {
	Relay *RelayConf `json:"relay,omitempty"`
	Peer  *PeerConf  `json:"peer,omitempty"`
}

// RelayConf configures the signaling relay
type RelayConf struct {
	Listen            string   `json:"listen"`
	HeartbeatInterval Duration `json:"heartbeatInterval"`
	SendQueue         int      `json:"sendQueue,omitempty"`
	// Rooms are created up front when no CouchDB backend is configured
	Rooms          []string     `json:"rooms,omitempty"`
	TurnURL        string       `json:"turnUrl,omitempty"`
	TurnUsername   string       `json:"turnUsername,omitempty"`
	TurnCredential string       `json:"turnCredential,omitempty"`
	CouchDB        *CouchDBConf `json:"couchdb,omitempty"`
}

// CouchDBConf points the relay at the CouchDB database holding rooms and content
type CouchDBConf struct {
	URL      string   `json:"url"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Database string   `json:"database"`
	Create   *bool    `json:"create,omitempty"`
	Timeout  Duration `json:"timeout,omitzero"`
}

// PeerConf configures a room member
type PeerConf struct {
	RelayURL        string   `json:"relayUrl"`
	RoomID          string   `json:"roomId"`
	DownloadDir     string   `json:"downloadDir,omitempty"`
	SeedDir         string   `json:"seedDir,omitempty"`
	MaxPeers        int      `json:"maxPeers,omitempty"`
	CacheBudget     *int64   `json:"cacheBudget,omitempty"`
	ChunkSize       int      `json:"chunkSize,omitempty"`
	HighWatermark   int      `json:"highWatermark,omitempty"`
	LowWatermark    int      `json:"lowWatermark,omitempty"`
	TransferTimeout Duration `json:"transferTimeout,omitzero"`
	PingInterval    Duration `json:"pingInterval,omitzero"`
}

// Duration is a time.Duration written as a Go duration string ("30s")
type Duration struct {
	time.Duration
}

// D wraps d
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a duration string
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
