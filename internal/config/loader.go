package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/imdevinc/roomshare/internal/mesh"
	"github.com/imdevinc/roomshare/internal/relay"
	"github.com/imdevinc/roomshare/internal/relayclient"
	"github.com/imdevinc/roomshare/internal/storage"
	"github.com/imdevinc/roomshare/internal/transfer"
)

// DefaultListen is the relay listen address
const DefaultListen = ":8080"

// LoadConfig loads and parses the configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// ApplyDefaults fills unset fields of every present section
func (c *Config) ApplyDefaults() {
	if c.Relay != nil {
		applyRelayDefaults(c.Relay)
	}
	if c.Peer != nil {
		applyPeerDefaults(c.Peer)
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	return validateConfig(c)
}

func applyRelayDefaults(r *RelayConf) {
	if r.Listen == "" {
		r.Listen = DefaultListen
	}
	if r.HeartbeatInterval.Duration == 0 {
		r.HeartbeatInterval = D(relay.DefaultHeartbeatInterval)
	}
	if r.SendQueue == 0 {
		r.SendQueue = relay.DefaultSendQueue
	}
	if r.CouchDB != nil && r.CouchDB.Create == nil {
		create := true
		r.CouchDB.Create = &create
	}
}

func applyPeerDefaults(p *PeerConf) {
	if p.MaxPeers == 0 {
		p.MaxPeers = mesh.DefaultMaxPeers
	}
	if p.CacheBudget == nil {
		budget := storage.DefaultBudget
		p.CacheBudget = &budget
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = transfer.DefaultChunkSize
	}
	if p.HighWatermark == 0 {
		p.HighWatermark = transfer.DefaultHighWatermark
	}
	if p.LowWatermark == 0 {
		p.LowWatermark = transfer.DefaultLowWatermark
	}
	if p.TransferTimeout.Duration == 0 {
		p.TransferTimeout = D(transfer.DefaultTimeout)
	}
	if p.PingInterval.Duration == 0 {
		p.PingInterval = D(relayclient.DefaultPingInterval)
	}
}

// validateConfig performs validation on the loaded configuration
func validateConfig(config *Config) error {
	if config.Relay == nil && config.Peer == nil {
		return fmt.Errorf("no relay or peer section configured")
	}

	if r := config.Relay; r != nil {
		if r.HeartbeatInterval.Duration < 0 {
			return fmt.Errorf("relay heartbeatInterval must be positive")
		}
		if r.SendQueue < 0 {
			return fmt.Errorf("relay sendQueue must be positive")
		}
		if r.TurnURL == "" && (r.TurnUsername != "" || r.TurnCredential != "") {
			return fmt.Errorf("relay turn credentials given without turnUrl")
		}
		if c := r.CouchDB; c != nil {
			if c.URL == "" {
				return fmt.Errorf("relay couchdb has no URL")
			}
			if c.Database == "" {
				return fmt.Errorf("relay couchdb has no database")
			}
		}
		seen := make(map[string]bool)
		for i, room := range r.Rooms {
			if room == "" {
				return fmt.Errorf("relay room %d has no id", i)
			}
			if seen[room] {
				return fmt.Errorf("duplicate relay room: %s", room)
			}
			seen[room] = true
		}
	}

	if p := config.Peer; p != nil {
		if p.RelayURL == "" {
			return fmt.Errorf("peer has no relayUrl")
		}
		u, err := url.Parse(p.RelayURL)
		if err != nil {
			return fmt.Errorf("peer relayUrl is invalid: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("peer relayUrl scheme must be http, https, ws or wss, got '%s'", u.Scheme)
		}
		if p.RoomID == "" {
			return fmt.Errorf("peer has no roomId")
		}
		if p.MaxPeers < 1 {
			return fmt.Errorf("peer maxPeers must be at least 1")
		}
		if p.ChunkSize < 1 {
			return fmt.Errorf("peer chunkSize must be positive")
		}
		if p.LowWatermark < 0 || p.LowWatermark >= p.HighWatermark {
			return fmt.Errorf("peer lowWatermark must be below highWatermark")
		}
		if p.TransferTimeout.Duration < 0 || p.PingInterval.Duration < 0 {
			return fmt.Errorf("peer durations must be positive")
		}
	}

	return nil
}
