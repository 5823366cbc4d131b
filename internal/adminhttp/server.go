// Package adminhttp implements the admin/observability surface: health,
// per-component stats, and prometheus metrics. Grounded on the
// teacher's HTTP service shape (internal/score/service.go's
// gorilla/mux router + rs/cors wrapping, cmd/walletd/server/server.go's
// gorilla/handlers.LoggingHandler access log).
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ParichayaHQ/credence/internal/fastdownload"
	"github.com/ParichayaHQ/credence/internal/identityproc"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/inserter"
	"github.com/ParichayaHQ/credence/internal/slowdownload"
)

// Stats is a point-in-time snapshot across every monitored component
// (spec §9 "admin surface").
type Stats struct {
	Queue     identityqueue.Stats `json:"queue"`
	Processor identityproc.Stats  `json:"processor"`
	Fast      fastdownload.Stats  `json:"fast_downloader"`
	Slow      slowdownload.Stats  `json:"slow_downloader"`
	Inserter  inserter.Stats      `json:"inserter"`
}

// StatsSource supplies the current Stats snapshot; the daemon wires a
// closure over its running components.
type StatsSource func() Stats

// Server is the admin HTTP surface.
type Server struct {
	stats  StatsSource
	server *http.Server
}

// New builds the router and wraps it with CORS and an access log, the
// same layering internal/score's HTTPService and cmd/walletd's server
// use independently.
func New(addr string, stats StatsSource) *Server {
	s := &Server{stats: stats}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handlers.LoggingHandler(os.Stdout, c.Handler(r)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background; the caller inspects the
// returned error channel or simply lets the process exit on failure.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats())
}
