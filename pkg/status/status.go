// Package status serves the coordinator's observability endpoints:
// liveness, a JSON job snapshot, and the Prometheus registry.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quernlabs/quern/internal/logger"
	"github.com/quernlabs/quern/pkg/metrics"
)

// Source exposes the live job state the status endpoint reports.
type Source interface {
	Phase() string
	ActiveConnections() int32
}

// Server is the HTTP status server.
type Server struct {
	addr   string
	source Source
	http   *http.Server
}

// New builds a status server bound to addr.
func New(addr string, source Source) *Server {
	s := &Server{addr: addr, source: source}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// Serve runs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	logger.Info("Status server listening", "address", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"phase":   s.source.Phase(),
		"workers": s.source.ActiveConnections(),
	})
}
