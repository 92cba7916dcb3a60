package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/imapsession/config"
	"github.com/migadu/imapsession/logger"
)

func metricsRouter(cfg config.MetricsConfig) *mux.Router {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	return router
}

// startMetricsServer serves the Prometheus endpoint until ctx is cancelled.
// The listener is bound before it returns, so a bad address is reported
// immediately.
func startMetricsServer(ctx context.Context, cfg config.MetricsConfig) (net.Addr, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics server failed: %w", err)
	}

	server := &http.Server{
		Handler:           metricsRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", ln.Addr().String(), "path", cfg.Path)
	return ln.Addr(), nil
}
