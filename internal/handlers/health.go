package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"token-service/internal/keystore"
	"token-service/internal/models"
)

// HandleHealth handles GET /health
// @Summary     Health check endpoint
// @Description Returns ok while the process is serving
// @Tags        health
// @Produce     application/json
// @Success     200 {object} models.HealthResponse
// @Router      /health [get]
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

// Pinger is a backing store checked for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeySnapshot exposes the key set loaded in memory.
type KeySnapshot interface {
	Snapshot() []keystore.KeyVersion
}

// ReadyHandler reports whether the service can issue and verify tokens.
type ReadyHandler struct {
	keys    KeySnapshot
	stores  map[string]Pinger
	timeout time.Duration
	logger  *zap.Logger
}

// NewReadyHandler creates a ReadyHandler. Nil stores are skipped.
func NewReadyHandler(keys KeySnapshot, stores map[string]Pinger, timeout time.Duration, logger *zap.Logger) *ReadyHandler {
	checked := make(map[string]Pinger, len(stores))
	for name, store := range stores {
		if store != nil {
			checked[name] = store
		}
	}
	return &ReadyHandler{keys: keys, stores: checked, timeout: timeout, logger: logger}
}

// HandleReady handles GET /ready
// @Summary     Readiness check
// @Description Checks the backing stores and that an active signing key is loaded
// @Tags        health
// @Produce     application/json
// @Success     200 {object} models.HealthResponse
// @Failure     503 {object} models.HealthResponse
// @Router      /ready [get]
func (h *ReadyHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.stores)+1)}

	resp.Checks["signing_key"] = "ok"
	if !hasActiveKey(h.keys.Snapshot()) {
		resp.Checks["signing_key"] = "no active key"
		resp.Status = "unavailable"
	}

	for name, store := range h.stores {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := store.Ping(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("Readiness check failed", zap.String("store", name), zap.Error(err))
			resp.Checks[name] = "unavailable"
			resp.Status = "unavailable"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, resp)
}

func hasActiveKey(keys []keystore.KeyVersion) bool {
	for _, k := range keys {
		if k.State == keystore.StateActive {
			return true
		}
	}
	return false
}
