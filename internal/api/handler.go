// Package api is the thin request/response layer over the lifecycle
// controller: routing, strict JSON schemas, and error mapping. No business
// rules live here.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/fanout"
	"github.com/oyerindedaniel/stream-forge/internal/lifecycle"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
	"github.com/oyerindedaniel/stream-forge/internal/store"
)

// Handler carries the dependencies the HTTP surface needs.
type Handler struct {
	Controller *lifecycle.Controller
	Hub        *fanout.Hub
	Store      store.Repository
	Objects    objectstore.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// Health reports liveness plus a metadata store ping.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, "GET")
		return
	}
	status := "ok"
	code := http.StatusOK
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			h.logger().Warn("store ping failed", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// Websocket upgrades /ws connections into the fan-out hub.
func (h *Handler) Websocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, "GET")
		return
	}
	if h.Hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "fanout_unavailable"})
		return
	}
	h.Hub.HandleConnection(w, r)
}
