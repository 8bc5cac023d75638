package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/imdevinc/roomshare/internal/repository"
	"github.com/imdevinc/roomshare/internal/util"
)

// Handler returns the relay's HTTP surface: the WebSocket endpoint, the
// content lookups and a health probe
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", r.ServeWS)
	mux.HandleFunc("GET /api/rooms/{roomId}/content/{contentId}", r.handleContent)
	mux.HandleFunc("GET /api/rooms/{roomId}/content/{contentId}/file", r.handleFile)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	return mux
}

func (r *Relay) handleContent(w http.ResponseWriter, req *http.Request) {
	item, err := r.repo.GetByID(req.Context(), req.PathValue("contentId"))
	if errors.Is(err, repository.ErrNotFound) || (err == nil && item.RoomID != req.PathValue("roomId")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Content not found"})
		return
	}
	if err != nil {
		slog.Error("Failed to load content", "contentId", req.PathValue("contentId"), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (r *Relay) handleFile(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	contentID := req.PathValue("contentId")

	item, err := r.repo.GetByID(ctx, contentID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && item.RoomID != req.PathValue("roomId")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Content not found"})
		return
	}
	if err != nil {
		slog.Error("Failed to load content", "contentId", contentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}

	path, ok, err := r.repo.FilePathIfNotPurged(ctx, contentID)
	if err != nil {
		slog.Error("Failed to resolve file", "contentId", contentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusGone, map[string]string{
			"error":    "File has been purged from server",
			"fileHash": item.FileHash,
			"fileName": item.FileName,
		})
		return
	}

	name := item.FileName
	if name == "" {
		name = filepath.Base(path)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = util.MimeType(name)
	}
	w.Header().Set("Content-Type", mimeType)
	http.ServeFile(w, req, path)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rooms, peers := r.Stats()
	writeJSON(w, http.StatusOK, map[string]int{"rooms": rooms, "peers": peers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

// Server runs a relay behind an HTTP listener
type Server struct {
	relay      *Relay
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewServer binds addr and prepares the HTTP server; call Start to serve
func NewServer(relay *Relay, addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Server{
		relay:    relay,
		listener: listener,
		httpServer: &http.Server{
			Handler:           relay.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests and runs the heartbeat in the background
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)
		s.relay.Run(ctx)
	}()

	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("Relay listening", "addr", s.Addr())
}

// Stop shuts the HTTP server down and closes every relay connection
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return err
}
