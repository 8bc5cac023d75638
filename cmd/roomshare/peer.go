package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imdevinc/roomshare/internal/config"
	"github.com/imdevinc/roomshare/internal/events"
	"github.com/imdevinc/roomshare/internal/node"
	"github.com/imdevinc/roomshare/internal/relayclient"
	"github.com/imdevinc/roomshare/internal/storage"
	"github.com/imdevinc/roomshare/internal/transfer"
	"github.com/imdevinc/roomshare/internal/util"
)

var (
	peerRelayURL    string
	peerRoomID      string
	peerSeedDir     string
	peerDownloadDir string
	peerMaxPeers    int
	peerReset       bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a room and serve cached and seeded files to other members",
	RunE:  runPeer,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <contentId>",
	Short: "Join a room, download one file and save it",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	for _, cmd := range []*cobra.Command{peerCmd, fetchCmd} {
		cmd.Flags().StringVar(&peerRelayURL, "relay", "", "Relay base URL (http, https, ws or wss)")
		cmd.Flags().StringVar(&peerRoomID, "room", "", "Room to join")
		cmd.Flags().StringVar(&peerSeedDir, "seed-dir", "", "Directory of local files to offer when they match room content")
		cmd.Flags().StringVar(&peerDownloadDir, "download-dir", "", "Directory downloads are saved to")
		cmd.Flags().IntVar(&peerMaxPeers, "max-peers", 0, "Maximum number of direct peer links")
		cmd.Flags().BoolVar(&peerReset, "reset", false, "Clear the local cache before starting")
	}
}

// loadPeerConfig merges flags over the peer section of the configuration
func loadPeerConfig() (*config.PeerConf, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Peer == nil {
		cfg.Peer = &config.PeerConf{}
	}
	p := cfg.Peer
	if peerRelayURL != "" {
		p.RelayURL = peerRelayURL
	}
	if peerRoomID != "" {
		p.RoomID = peerRoomID
	}
	if peerSeedDir != "" {
		p.SeedDir = peerSeedDir
	}
	if p.SeedDir == "" {
		p.SeedDir = util.GetDefaultSeedDir()
	}
	if peerDownloadDir != "" {
		p.DownloadDir = peerDownloadDir
	}
	if peerMaxPeers != 0 {
		p.MaxPeers = peerMaxPeers
	}

	cfg.Relay = nil
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return p, nil
}

// openStore opens the cache database, clearing it when --reset is given
func openStore(budget int64) (*storage.Store, error) {
	path := resolveDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewStore(path, storage.WithBudget(budget))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("Persistent storage initialized", "path", path, "budget", budget)

	if peerReset {
		slog.Warn("Reset flag detected - clearing the local cache")
		if err := store.Clear(); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to clear storage: %w", err)
		}
	}
	return store, nil
}

func newNode(p *config.PeerConf, store *storage.Store) *node.Node {
	client := relayclient.New(relayclient.Options{
		URL:          p.RelayURL,
		RoomID:       p.RoomID,
		PingInterval: p.PingInterval.Duration,
	})
	client.OnConnectionChange(func(connected bool) {
		slog.Info("Relay connection changed", "connected", connected)
	})

	n := node.New(client, store, nil, node.Options{
		RoomID:      p.RoomID,
		RelayURL:    p.RelayURL,
		DownloadDir: p.DownloadDir,
		SeedDir:     p.SeedDir,
		MaxPeers:    p.MaxPeers,
		Transfer: transfer.Options{
			ChunkSize:     p.ChunkSize,
			HighWatermark: p.HighWatermark,
			LowWatermark:  p.LowWatermark,
			Timeout:       p.TransferTimeout.Duration,
		},
	})
	n.Notices().Subscribe(func(notice events.Notice) {
		switch notice.Level {
		case events.LevelError:
			slog.Error(notice.Message)
		default:
			slog.Info(notice.Message)
		}
	})
	return n
}

func runPeer(cmd *cobra.Command, args []string) error {
	p, err := loadPeerConfig()
	if err != nil {
		return err
	}
	store, err := openStore(*p.CacheBudget)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n := newNode(p, store)
	slog.Info("Joining room", "room", p.RoomID, "relay", p.RelayURL, "seedDir", p.SeedDir)
	if err := n.Run(ctx); err != nil {
		return err
	}
	slog.Info("Peer stopped gracefully")
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	contentID := args[0]

	p, err := loadPeerConfig()
	if err != nil {
		return err
	}
	store, err := openStore(*p.CacheBudget)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := newNode(p, store)
	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	select {
	case <-n.Ready():
	case err := <-runErr:
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("failed to join room: %w", err)
	}

	item, err := n.Lookup(ctx, contentID)
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", contentID, err)
	}

	lastReported := -1
	progress := func(percent int) {
		if percent/10 != lastReported/10 {
			lastReported = percent
			slog.Info("Download progress", "contentId", contentID, "percent", percent)
		}
	}

	// Links and manifests arrive shortly after joining; keep asking until a
	// peer advertises the file
	var data []byte
	retryCfg := util.RetryConfig{
		MaxRetries:     8,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
	err = util.Retry(ctx, retryCfg, func() error {
		var err error
		data, err = n.Download(ctx, item, progress)
		return err
	}, func(err error) bool {
		return errors.Is(err, transfer.ErrNoPeerAvailable)
	})
	if err != nil {
		return err
	}

	path, err := n.SaveFile(ctx, item, data)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
