package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/giftplan-realtime/internal/cache"
	"github.com/rickgao/giftplan-realtime/internal/config"
	"github.com/rickgao/giftplan-realtime/internal/connection"
	"github.com/rickgao/giftplan-realtime/internal/provider"
)

// createHealthHandler creates the HTTP handler for health checks and metrics.
// ctx must carry the provider.
func createHealthHandler(ctx context.Context, entities *cache.Cache, reg *prometheus.Registry, cfg config.HealthConfig) http.Handler {
	p := provider.MustFromContext(ctx)
	mux := http.NewServeMux()

	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		status := p.Status()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		health.Components["connection"] = status
		health.Components["cache"] = map[string]interface{}{
			"entries": entities.Len(),
		}

		switch p.State() {
		case connection.StateConnected:
		case connection.StateConnecting, connection.StateReconnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc(cfg.Path+"/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !p.Reconnect() {
			http.Error(w, "connection is not idle", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return mux
}
