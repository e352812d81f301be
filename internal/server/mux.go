// internal/server/mux.go
// Package server implements the operational HTTP surface of the storage
// daemons: health, Prometheus metrics, and a provider stats snapshot. The
// replication protocol itself never runs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/powerclubglobal/sovereign-storage-go/internal/model"
)

// StatsFunc produces the provider's current stats snapshot. A nil StatsFunc
// disables the stats endpoint.
type StatsFunc func(ctx context.Context) model.ProviderStats

// NewMux builds the operational mux for a storage daemon.
func NewMux(stats StatsFunc) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.Handle("/metrics", promhttp.Handler())

	if stats != nil {
		mux.HandleFunc("/storage/stats", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(stats(r.Context())); err != nil {
				slog.Error("stats encode failed", "error", err)
			}
		})
	}

	return mux
}

// Run serves the mux until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, addr string, mux *http.ServeMux) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
