package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/subflow-proxy/subflow/internal/store"
)

// Options configures the facade.
type Options struct {
	OutputDir   string
	Environment string // reported by /api/status (e.g. "production")
	// ShortcutUpstreamBase is the published location of the group artifacts.
	// Shortcut routes fall back to it when the local artifact is missing.
	ShortcutUpstreamBase string
}

// Server wraps the HTTP server and mux for the facade.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a facade server wired with all routes.
func NewServer(listenAddress string, port int, st *store.Store, opts Options) *Server {
	mux := http.NewServeMux()
	startedAt := time.Now()

	mux.Handle("GET /groups/{name}", HandleGroup(opts.OutputDir))
	for client := range clientConfigs {
		mux.Handle("GET /"+client, HandleClientConfig(opts.OutputDir, client))
	}
	for _, name := range ShortcutNames {
		mux.Handle("GET /"+name, HandleShortcut(opts.OutputDir, name, opts.ShortcutUpstreamBase))
	}

	mux.Handle("GET /api/status", HandleStatus(startedAt, opts.Environment))
	mux.Handle("GET /api/health", HandleHealth(st, opts.OutputDir))
	mux.Handle("GET /gh-proxy/{rest...}", HandleGHProxy())

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: CORSMiddleware(mux),
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware-wrapped handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
