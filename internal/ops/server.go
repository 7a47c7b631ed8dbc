// Package ops serves the Forge's internal HTTP surface: health, stats,
// Prometheus metrics, the manual circuit reset and a live stats tail for
// operators. Loopback-only by default; nothing here is tenant-facing.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartpixl/forge/internal/circuitbreaker"
	"github.com/smartpixl/forge/internal/edge"
	"github.com/smartpixl/forge/internal/metrics"
)

// StatsSource reports the stateful enrichers' sizes for diagnostics.
type StatsSource interface {
	EnricherStats() map[string]any
}

// Server wires the routes over the running components.
type Server struct {
	addr    string
	met     *metrics.Metrics
	breaker *circuitbreaker.Breaker
	stats   StatsSource
	edge    *edge.Client
	started time.Time
	log     *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(addr string, met *metrics.Metrics, breaker *circuitbreaker.Breaker, stats StatsSource, edgeClient *edge.Client) *Server {
	s := &Server{
		addr:    addr,
		met:     met,
		breaker: breaker,
		stats:   stats,
		edge:    edgeClient,
		started: time.Now().UTC(),
		log:     slog.With("component", "ops"),
		upgrader: websocket.Upgrader{
			// The listener binds loopback; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(s.requestID)
	r.HandleFunc("/internal/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/internal/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/internal/circuit-reset", s.handleCircuitReset).Methods(http.MethodPost)
	r.HandleFunc("/internal/edge/health", s.handleEdgeHealth).Methods(http.MethodGet)
	r.HandleFunc("/internal/live", s.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Ops server listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.New().String())
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status        string           `json:"status"`
	Circuit       string           `json:"circuit"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
	Counters      metrics.Snapshot `json:"counters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	circuit := s.breaker.State()
	status := "ok"
	if circuit != circuitbreaker.StateClosed {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Circuit:       circuit.String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Counters:      s.met.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters":  s.met.Stats(),
		"enrichers": s.stats.EnricherStats(),
	})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, _ *http.Request) {
	before := s.breaker.State().String()
	s.breaker.Reset()
	s.log.Warn("Writer circuit manually reset", "was", before)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "was": before})
}

func (s *Server) handleEdgeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.edge.Health(r.Context()))
}

// handleLive streams the stats snapshot once a second over a websocket
// until the client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			payload := map[string]any{
				"counters":  s.met.Stats(),
				"enrichers": s.stats.EnricherStats(),
				"circuit":   s.breaker.State().String(),
				"at":        time.Now().UTC().Format(time.RFC3339),
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
