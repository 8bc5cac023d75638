package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/imdevinc/roomshare/internal/events"
	"github.com/imdevinc/roomshare/internal/protocol"
	"github.com/imdevinc/roomshare/internal/relayclient"
	"github.com/imdevinc/roomshare/internal/transfer"
	"github.com/imdevinc/roomshare/internal/util"
)

var (
	// ErrContentNotFound means neither the cache nor the relay knows the content
	ErrContentNotFound = errors.New("content not found")
	// ErrFilePurged means the relay no longer holds the file bytes
	ErrFilePurged = errors.New("file has been purged from server")
	// ErrNotAFile means the content carries no file bytes
	ErrNotAFile = errors.New("content is not a file")
)

// Download returns the bytes of item: from the local cache, else from the
// relay while it still holds the file, else from a peer advertising the
// hash. Failures are also published as notices.
func (n *Node) Download(ctx context.Context, item protocol.ContentItem, onProgress transfer.ProgressFunc) ([]byte, error) {
	if !item.IsFile() {
		return nil, ErrNotAFile
	}

	data, ok, err := n.store.GetBlob(item.ID)
	if err != nil {
		slog.Warn("Cache read failed", "contentId", item.ID, "error", err)
	} else if ok {
		slog.Debug("Serving download from cache", "contentId", item.ID)
		return data, nil
	}

	if !item.IsPurged() && n.opts.RelayURL != "" {
		data, err := n.fetchFromRelay(ctx, item)
		if err == nil {
			n.cache(item, data)
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Info("Relay download unavailable, trying peers", "contentId", item.ID, "error", err)
	}

	data, err = n.transfers.RequestFile(ctx, item.ID, item.FileHash, onProgress)
	if err != nil {
		n.notices.Error(downloadFailureMessage(err))
		return nil, err
	}
	n.notices.Show(events.LevelSuccess, fmt.Sprintf("Downloaded %s from a peer", displayName(item)))
	return data, nil
}

// DownloadToDir downloads item and writes it into the download directory,
// returning the written path
func (n *Node) DownloadToDir(ctx context.Context, item protocol.ContentItem, onProgress transfer.ProgressFunc) (string, error) {
	data, err := n.Download(ctx, item, onProgress)
	if err != nil {
		return "", err
	}
	return n.SaveFile(ctx, item, data)
}

// SaveFile writes data under the download directory
func (n *Node) SaveFile(ctx context.Context, item protocol.ContentItem, data []byte) (string, error) {
	dir := n.opts.DownloadDir
	if dir == "" {
		dir = util.GetDefaultDownloadDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, displayName(item))
	err := util.Retry(ctx, util.QuickRetryConfig(), func() error {
		return os.WriteFile(path, data, 0644)
	}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to write file %s: %w", path, err)
	}
	slog.Info("Saved download", "contentId", item.ID, "path", path, "bytes", len(data))
	return path, nil
}

// Lookup returns the metadata of contentID from the cache or the relay
func (n *Node) Lookup(ctx context.Context, contentID string) (protocol.ContentItem, error) {
	item, ok, err := n.store.GetMeta(contentID)
	if err == nil && ok {
		return item, nil
	}
	if n.opts.RelayURL == "" {
		return protocol.ContentItem{}, ErrContentNotFound
	}

	endpoint, err := n.contentURL(contentID, false)
	if err != nil {
		return protocol.ContentItem{}, err
	}
	resp, err := n.get(ctx, endpoint)
	if err != nil {
		return protocol.ContentItem{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return protocol.ContentItem{}, ErrContentNotFound
	default:
		return protocol.ContentItem{}, fmt.Errorf("relay returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return protocol.ContentItem{}, fmt.Errorf("failed to decode content: %w", err)
	}
	if err := n.store.PutMeta(item); err != nil {
		slog.Warn("Failed to cache content metadata", "contentId", item.ID, "error", err)
	}
	return item, nil
}

func (n *Node) fetchFromRelay(ctx context.Context, item protocol.ContentItem) ([]byte, error) {
	endpoint, err := n.contentURL(item.ID, true)
	if err != nil {
		return nil, err
	}
	resp, err := n.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return nil, ErrFilePurged
	case http.StatusNotFound:
		return nil, ErrContentNotFound
	default:
		return nil, fmt.Errorf("relay returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if item.FileHash != "" && !util.HashMatches(data, item.FileHash) {
		return nil, transfer.ErrHashMismatch
	}
	slog.Info("Downloaded from relay", "contentId", item.ID, "bytes", len(data))
	return data, nil
}

func (n *Node) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay: %w", err)
	}
	return resp, nil
}

func (n *Node) contentURL(contentID string, file bool) (string, error) {
	base, err := relayclient.HTTPURL(n.opts.RelayURL)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/api/rooms/%s/content/%s", base, url.PathEscape(n.opts.RoomID), url.PathEscape(contentID))
	if file {
		endpoint += "/file"
	}
	return endpoint, nil
}

// cache stores bytes fetched outside the mesh so peers can fetch them from us
func (n *Node) cache(item protocol.ContentItem, data []byte) {
	if item.RoomID == "" {
		item.RoomID = n.opts.RoomID
	}
	if err := n.store.PutContent(item, data); err != nil {
		slog.Error("Failed to cache download", "contentId", item.ID, "error", err)
		return
	}
	n.contentStored(item)
}

func downloadFailureMessage(err error) string {
	var rejected *transfer.RejectedError
	switch {
	case errors.Is(err, transfer.ErrNoPeerAvailable):
		return "No peers have this file available"
	case errors.As(err, &rejected):
		return fmt.Sprintf("Peer could not send the file: %s", rejected.Reason)
	case errors.Is(err, transfer.ErrTransferTimeout):
		return "Transfer timed out"
	case errors.Is(err, transfer.ErrPeerDisconnected):
		return "Peer disconnected during transfer"
	case errors.Is(err, transfer.ErrHashMismatch):
		return "Downloaded file failed verification"
	case errors.Is(err, context.Canceled):
		return "Download cancelled"
	default:
		return fmt.Sprintf("Download failed: %v", err)
	}
}

func displayName(item protocol.ContentItem) string {
	name := filepath.Base(item.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return item.ID
	}
	return name
}
