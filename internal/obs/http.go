// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mood-agency/relay/internal/config"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StartHTTPServer exposes the process-ops endpoints on cfg.Observability's
// MetricsPort, separate from the domain httpapi server: /metrics for
// Prometheus scraping, /healthz for liveness, and /readyz for readiness.
// readiness should return nil once the store is reachable and the process
// can safely receive traffic (see cmd/relay's store ping check); log is
// used to report the listener's own startup/shutdown outcome, not request
// traffic.
func StartHTTPServer(cfg *config.Config, readiness func(context.Context) error, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", writeStatus("ok"))
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness == nil {
			writeStatus("ready")(w, r)
			return
		}
		if err := readiness(r.Context()); err != nil {
			writeJSONStatus(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
		writeStatus("ready")(w, r)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("ops http server stopped", zap.Error(err))
			}
		}
	}()
	return srv
}

func writeStatus(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusOK, status, "")
	}
}

func writeJSONStatus(w http.ResponseWriter, code int, status, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := map[string]string{"status": status}
	if detail != "" {
		body["detail"] = detail
	}
	_ = json.NewEncoder(w).Encode(body)
}
