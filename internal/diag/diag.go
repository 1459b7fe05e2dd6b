// Package diag serves a read-only view of a running node over HTTP and
// provides the client used by the status command.
//
// Endpoints:
//   - GET /health: 200 while the node is running
//   - GET /info: JSON swarm.Snapshot; ?online=true hides offline peers
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/exp/slices"

	"github.com/Jokel64/droneworks/internal/swarm"
)

// Source provides snapshots of a node.
type Source interface {
	Snapshot() swarm.Snapshot
}

// Handler returns the diagnostics mux for src.
func Handler(src Source) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleInfo(src, w, r)
	})
	return mux
}

func handleInfo(src Source, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := src.Snapshot()
	if r.URL.Query().Get("online") == "true" {
		snap.Peers = slices.DeleteFunc(snap.Peers, func(p swarm.PeerInfo) bool {
			return !p.Online
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("diag: encode info: %v", err)
	}
}

// Server runs the diagnostics endpoint.
type Server struct {
	srv *http.Server
}

// NewServer creates a server for src listening on addr.
func NewServer(addr string, src Source) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           Handler(src),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in a background goroutine. Listen errors other than a clean
// shutdown are passed to onError.
func (s *Server) Start(onError func(error)) {
	go func() {
		log.Printf("diag: listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onError(err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchInfo retrieves the snapshot served at base, e.g. "http://127.0.0.1:8090".
func FetchInfo(ctx context.Context, base string, onlineOnly bool) (swarm.Snapshot, error) {
	url := base + "/info"
	if onlineOnly {
		url += "?online=true"
	}
	var snap swarm.Snapshot
	if err := GetJSON(ctx, url, &snap); err != nil {
		return swarm.Snapshot{}, fmt.Errorf("fetch info: %w", err)
	}
	return snap, nil
}
