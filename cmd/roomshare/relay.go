package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imdevinc/roomshare/internal/config"
	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/relay"
	"github.com/imdevinc/roomshare/internal/repository"
	"github.com/imdevinc/roomshare/internal/util"
	"github.com/imdevinc/roomshare/pkg/couchdb"
)

var (
	relayListen string
	relayRooms  []string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay. Peers join rooms over WebSocket at /ws?roomId=R
and the relay serves content metadata and file bytes over HTTP. Rooms and
content come from CouchDB when configured, otherwise from the rooms listed
in the configuration or on the command line.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Address to listen on (default "+config.DefaultListen+")")
	relayCmd.Flags().StringSliceVar(&relayRooms, "room", nil, "Room to create in the in-memory repository (repeatable)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Relay == nil {
		cfg.Relay = &config.RelayConf{}
	}
	if relayListen != "" {
		cfg.Relay.Listen = relayListen
	}
	cfg.Relay.Rooms = append(cfg.Relay.Rooms, relayRooms...)
	cfg.Peer = nil
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	rc := cfg.Relay

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository.Repository
	var couch *repository.Couch
	if rc.CouchDB != nil {
		client, err := couchdb.NewClient(ctx, couchdb.Config{
			URL:      rc.CouchDB.URL,
			Username: rc.CouchDB.Username,
			Password: rc.CouchDB.Password,
			Database: rc.CouchDB.Database,
			Create:   *rc.CouchDB.Create,
			Timeout:  rc.CouchDB.Timeout.Duration,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to CouchDB: %w", err)
		}
		defer client.Close()

		couch = repository.NewCouch(client)
		for _, room := range rc.Rooms {
			if err := couch.CreateRoom(ctx, room); err != nil {
				return err
			}
		}
		repo = couch
	} else {
		if len(rc.Rooms) == 0 {
			slog.Warn("No rooms configured; every join will be refused")
		}
		repo = repository.NewMemory(rc.Rooms...)
	}

	r := relay.New(repo, relay.Options{
		ICEServers:        relay.DefaultICEServers(rc.TurnURL, rc.TurnUsername, rc.TurnCredential),
		HeartbeatInterval: rc.HeartbeatInterval.Duration,
		SendQueue:         rc.SendQueue,
	})

	srv, err := relay.NewServer(r, rc.Listen)
	if err != nil {
		return err
	}
	srv.Start()
	slog.Info("Relay started", "addr", srv.Addr(), "rooms", len(rc.Rooms), "couchdb", couch != nil)

	if couch != nil {
		go watchContent(ctx, couch, r)
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	slog.Info("Relay stopped gracefully")
	return nil
}

// watchContent forwards newly created content to the rooms' peers,
// restarting the feed with backoff when it fails
func watchContent(ctx context.Context, couch *repository.Couch, r *relay.Relay) {
	err := util.RetryWithJitter(ctx, util.ReconnectRetryConfig(), func() error {
		return couch.WatchContent(ctx, func(item protocol.ContentItem) {
			slog.Debug("Publishing new content", "contentId", item.ID, "room", item.RoomID)
			r.PublishContent(item)
		})
	}, func(err error) bool {
		if errors.Is(err, context.Canceled) {
			return false
		}
		slog.Warn("Content feed failed, restarting", "error", err)
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Content feed stopped", "error", err)
	}
}
