package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/metrics"
	"schoolcheckin/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes the check-in service to the UI over HTTP.
type Server struct {
	cfg    config.APIConfig
	svc    *service.Manager
	auth   *Auth
	server *http.Server
	logger zerolog.Logger

	pingInterval time.Duration
}

func NewServer(cfg config.APIConfig, svc *service.Manager, logger *zerolog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		svc:          svc,
		auth:         NewAuth(cfg),
		logger:       zerolog.Nop(),
		pingInterval: 30 * time.Second,
	}
	if logger != nil {
		s.logger = logger.With().Str("component", "http").Logger()
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/checkin", s.handleCheckIn)
		r.Post("/checkout", s.handleCheckOut)
		r.Post("/sessions/{id}/update", s.handleUpdateSession)
		r.Post("/locations", s.handleRecordLocation)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/stats/ws", s.handleQueueStatsWS)
		r.Get("/queue/pending", s.handlePending)
		r.Get("/queue/deadletter", s.handleDeadLetters)
		r.Post("/queue/{id}/retry", s.handleRetry)
		r.Post("/queue/{id}/cancel", s.handleCancel)

		r.Post("/sync", s.handleSync)
		r.Get("/sync/recommendations", s.handleRecommendations)
		r.Get("/sync/stats", s.handleSyncStats)
		r.Get("/cache/stats", s.handleCacheStats)
	})
	return r
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		metrics.IncHTTP(endpoint)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
