package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP side of one service: nudge endpoints for the
// workers it hosts, /metrics and /healthz.
type Server struct {
	mux *http.ServeMux
	srv *http.Server
}

// NewServer creates a server listening on addr once Start is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &Server{
		mux: mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// HandleProcessCommits registers the scheduler nudge.
func (s *Server) HandleProcessCommits(trigger func()) {
	s.handleNudge("POST /process_commits", trigger)
}

// HandleProcessBuilds registers the agent nudge.
func (s *Server) HandleProcessBuilds(trigger func()) {
	s.handleNudge("POST /process_builds", trigger)
}

// HandleProcessRepos registers the crawler full-scan nudge.
func (s *Server) HandleProcessRepos(trigger func()) {
	s.handleNudge("POST /process_repos", trigger)
}

// HandleProcessRepo registers the single-repo crawler nudge. The sha
// and ref query parameters pin an exact commit.
func (s *Server) HandleProcessRepo(trigger func(repoID int64, sha, ref string)) {
	s.mux.HandleFunc("POST /process_repo/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid repo id", http.StatusBadRequest)
			return
		}
		trigger(id, r.URL.Query().Get("sha"), r.URL.Query().Get("ref"))
		w.WriteHeader(http.StatusOK)
	})
}

// Handle registers an arbitrary handler, for the webhook receiver.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

func (s *Server) handleNudge(pattern string, trigger func()) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		trigger()
		w.WriteHeader(http.StatusOK)
	})
}

// Start serves until the listener fails. It returns on server shutdown.
func (s *Server) Start() {
	slog.Info("Start HTTP server", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
	}
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		slog.Warn("Failed to shut down HTTP server", "error", err)
	}
}
