// Package server exposes the ingestion pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackingest/core/ingest"
	"trackingest/logger"
)

// HealthCheck reports whether one backend is reachable.
type HealthCheck func(ctx context.Context) error

// Server holds the handlers' dependencies.
type Server struct {
	dispatcher     *ingest.Dispatcher
	orch           *ingest.Orchestrator
	maxUploadBytes int64
	checks         map[string]HealthCheck
	jobPoll        time.Duration
}

// New creates a server. checks are run by /health, keyed by backend name.
func New(dispatcher *ingest.Dispatcher, maxUploadBytes int64, checks map[string]HealthCheck) *Server {
	return &Server{
		dispatcher:     dispatcher,
		orch:           dispatcher.Orchestrator(),
		maxUploadBytes: maxUploadBytes,
		checks:         checks,
		jobPoll:        250 * time.Millisecond,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()
	router.Use(corsMiddleware, metricsMiddleware)
	// 预检请求由 corsMiddleware 直接应答
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	router.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(IdentityMiddleware)
	api.HandleFunc("/tracks", s.ListTracksHandler).Methods(http.MethodGet)
	api.HandleFunc("/tracks", s.UploadTrackHandler).Methods(http.MethodPost)
	api.HandleFunc("/tracks/batch", s.UploadBatchHandler).Methods(http.MethodPost)
	api.HandleFunc("/tracks/{id}", s.UpdateTrackHandler).Methods(http.MethodPatch)
	api.HandleFunc("/tracks/{id}", s.DeleteTrackHandler).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}", s.JobStatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/ws", s.JobStatusWebSocketHandler).Methods(http.MethodGet)

	return router
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	// 设置服务器超时
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Server starting", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	// 创建一个10秒超时的上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
