package node

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/imdevinc/roomshare/internal/util"
)

const (
	// Debounce time for file changes
	debounceDelay = 250 * time.Millisecond
)

// SeedFunc is called with the path and content hash of each seed file
type SeedFunc func(path, hash string)

// SeedWatcher hashes every file under a directory and reports new or
// changed ones, so local copies of room content can be served to peers
type SeedWatcher struct {
	rootDir string
	onFile  SeedFunc
	watcher *fsnotify.Watcher

	mu            sync.Mutex
	pendingEvents map[string]*time.Timer // path -> timer
	byHash        map[string]string      // hash -> path
	byPath        map[string]string      // path -> hash

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSeedWatcher creates a watcher for rootDir
func NewSeedWatcher(rootDir string, onFile SeedFunc) *SeedWatcher {
	return &SeedWatcher{
		rootDir:       rootDir,
		onFile:        onFile,
		pendingEvents: make(map[string]*time.Timer),
		byHash:        make(map[string]string),
		byPath:        make(map[string]string),
	}
}

// Start scans the directory once, then watches it until ctx is done or Stop
func (sw *SeedWatcher) Start(ctx context.Context) error {
	var startErr error
	sw.startOnce.Do(func() {
		absPath, err := filepath.Abs(sw.rootDir)
		if err != nil {
			startErr = fmt.Errorf("failed to resolve seed dir: %w", err)
			return
		}
		sw.rootDir = absPath

		if err := os.MkdirAll(sw.rootDir, 0755); err != nil {
			startErr = fmt.Errorf("failed to create seed dir: %w", err)
			return
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = fmt.Errorf("failed to create watcher: %w", err)
			return
		}
		sw.watcher = watcher

		if err := sw.scan(ctx); err != nil {
			startErr = err
			return
		}
		if err := sw.watchDirectoryTree(sw.rootDir); err != nil {
			startErr = fmt.Errorf("failed to watch directory: %w", err)
			return
		}

		go sw.processEvents(ctx)
		slog.Info("Seed watcher started", "component", "seed", "dir", sw.rootDir)
	})
	return startErr
}

// Stop stops watching and cancels pending timers
func (sw *SeedWatcher) Stop() error {
	var stopErr error
	sw.stopOnce.Do(func() {
		sw.mu.Lock()
		for _, timer := range sw.pendingEvents {
			timer.Stop()
		}
		sw.pendingEvents = make(map[string]*time.Timer)
		sw.mu.Unlock()

		if sw.watcher != nil {
			stopErr = sw.watcher.Close()
		}
	})
	return stopErr
}

// PathForHash returns a seed file whose content hashes to hash
func (sw *SeedWatcher) PathForHash(hash string) (string, bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	path, ok := sw.byHash[strings.ToLower(hash)]
	return path, ok
}

func (sw *SeedWatcher) scan(ctx context.Context) error {
	count := 0
	err := filepath.WalkDir(sw.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Skip hidden files and directories
		if strings.HasPrefix(d.Name(), ".") && path != sw.rootDir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		sw.index(path)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk seed dir: %w", err)
	}
	slog.Info("Seed scan complete", "component", "seed", "files", count)
	return nil
}

// watchDirectoryTree recursively adds all directories to the watcher
func (sw *SeedWatcher) watchDirectoryTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := sw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (sw *SeedWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Seed watcher error", "component", "seed", "error", err)
		}
	}
}

func (sw *SeedWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasPrefix(event.Name, sw.rootDir) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := sw.watchDirectoryTree(event.Name); err != nil {
				slog.Error("Failed to watch new directory", "component", "seed", "path", event.Name, "error", err)
			}
			return
		}
	}

	sw.debounceEvent(event.Name)
}

// debounceEvent adds or resets a timer for the given path
func (sw *SeedWatcher) debounceEvent(path string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if timer, exists := sw.pendingEvents[path]; exists {
		timer.Stop()
	}
	sw.pendingEvents[path] = time.AfterFunc(debounceDelay, func() {
		sw.mu.Lock()
		delete(sw.pendingEvents, path)
		sw.mu.Unlock()

		sw.processChange(path)
	})
}

func (sw *SeedWatcher) processChange(path string) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		sw.forget(path)
		return
	}
	if err != nil {
		slog.Error("Failed to stat seed file", "component", "seed", "path", path, "error", err)
		return
	}
	if info.IsDir() {
		return
	}
	sw.index(path)
}

// index hashes path, records it and reports it
func (sw *SeedWatcher) index(path string) {
	hash, err := util.ComputeFileHash(path)
	if err != nil {
		slog.Warn("Failed to hash seed file", "component", "seed", "path", path, "error", err)
		return
	}

	sw.mu.Lock()
	if old, ok := sw.byPath[path]; ok && sw.byHash[old] == path {
		delete(sw.byHash, old)
	}
	sw.byPath[path] = hash
	sw.byHash[hash] = path
	sw.mu.Unlock()

	slog.Debug("Seed file indexed", "component", "seed", "path", path, "hash", hash)
	if sw.onFile != nil {
		sw.onFile(path, hash)
	}
}

func (sw *SeedWatcher) forget(path string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if hash, ok := sw.byPath[path]; ok {
		delete(sw.byPath, path)
		if sw.byHash[hash] == path {
			delete(sw.byHash, hash)
		}
	}
}
