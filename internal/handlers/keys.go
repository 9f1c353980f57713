package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"token-service/internal/clock"
	"token-service/internal/keystore"
	"token-service/internal/models"
	"token-service/internal/rotation"
	"token-service/pkg/errors"
)

// RotationManager drives signing key rotation.
type RotationManager interface {
	Status(ctx context.Context) (rotation.Status, error)
	Initiate(ctx context.Context) (keystore.KeyVersion, error)
	Activate(ctx context.Context, version int64) error
	Complete(ctx context.Context, now time.Time) ([]int64, error)
	Rotate(ctx context.Context) (keystore.KeyVersion, error)
}

// KeysHandler exposes rotation to operators.
type KeysHandler struct {
	rotation RotationManager
	clock    clock.Clock
	logger   *zap.Logger
}

// NewKeysHandler creates a new keys handler
func NewKeysHandler(rotation RotationManager, clk clock.Clock, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{
		rotation: rotation,
		clock:    clk,
		logger:   logger,
	}
}

// HandleStatus handles GET /v1/keys/status
// @Summary     Rotation status
// @Description Reports the rotation phase and the non-retired key versions. Requires admin:keys.
// @Tags        keys
// @Produce     application/json
// @Param       X-Service-Token header   string true "Service token with admin:keys"
// @Success     200             {object} models.KeyStatusResponse
// @Failure     401             {object} models.ErrorResponse
// @Failure     403             {object} models.ErrorResponse
// @Failure     503             {object} models.ErrorResponse
// @Router      /v1/keys/status [get]
func (h *KeysHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.sendStatus(w, r)
}

// HandleInitiate handles POST /v1/keys/initiate
// @Summary     Start a rotation
// @Description Creates a pending key version. Pending keys neither sign nor verify until activated. Requires admin:keys.
// @Tags        keys
// @Produce     application/json
// @Param       X-Service-Token header   string true "Service token with admin:keys"
// @Success     200             {object} models.KeyStatusResponse
// @Failure     409             {object} models.ErrorResponse
// @Failure     503             {object} models.ErrorResponse
// @Router      /v1/keys/initiate [post]
func (h *KeysHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.rotation.Initiate(r.Context()); err != nil {
		sendError(w, toServiceError(err))
		return
	}
	h.sendStatus(w, r)
}

// HandleActivate handles POST /v1/keys/{version}/activate
// @Summary     Activate a pending key
// @Description Promotes a pending key to active; the previous active key keeps verifying until its grace window ends. Requires admin:keys.
// @Tags        keys
// @Produce     application/json
// @Param       X-Service-Token header   string true "Service token with admin:keys"
// @Param       version         path     int    true "Pending key version"
// @Success     200             {object} models.KeyStatusResponse
// @Failure     400             {object} models.ErrorResponse
// @Failure     409             {object} models.ErrorResponse
// @Failure     503             {object} models.ErrorResponse
// @Router      /v1/keys/{version}/activate [post]
func (h *KeysHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(mux.Vars(r)["version"], 10, 64)
	if err != nil || version <= 0 {
		sendError(w, errors.ErrInvalidRequest)
		return
	}
	if err := h.rotation.Activate(r.Context(), version); err != nil {
		sendError(w, toServiceError(err))
		return
	}
	h.sendStatus(w, r)
}

// HandleRotate handles POST /v1/keys/rotate
// @Summary     Rotate the signing key
// @Description Initiates and activates a new key in one step, resuming an interrupted rotation if a key is pending. Requires admin:keys.
// @Tags        keys
// @Produce     application/json
// @Param       X-Service-Token header   string true "Service token with admin:keys"
// @Success     200             {object} models.KeyStatusResponse
// @Failure     409             {object} models.ErrorResponse
// @Failure     503             {object} models.ErrorResponse
// @Router      /v1/keys/rotate [post]
func (h *KeysHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.rotation.Rotate(r.Context()); err != nil {
		sendError(w, toServiceError(err))
		return
	}
	h.sendStatus(w, r)
}

// HandleSweep handles POST /v1/keys/sweep
// @Summary     Retire expired keys
// @Description Retires retiring keys whose grace window has ended and purges their private material. Requires admin:keys.
// @Tags        keys
// @Produce     application/json
// @Param       X-Service-Token header   string true "Service token with admin:keys"
// @Success     200             {object} models.SweepResponse
// @Failure     503             {object} models.ErrorResponse
// @Router      /v1/keys/sweep [post]
func (h *KeysHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	retired, err := h.rotation.Complete(r.Context(), h.clock.Now())
	if err != nil {
		sendError(w, toServiceError(err))
		return
	}
	if retired == nil {
		retired = []int64{}
	}
	sendJSON(w, http.StatusOK, models.SweepResponse{Retired: retired})
}

func (h *KeysHandler) sendStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.rotation.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to read rotation status", zap.Error(err))
		sendError(w, toServiceError(err))
		return
	}
	sendJSON(w, http.StatusOK, keyStatusResponse(status))
}

func keyStatusResponse(status rotation.Status) models.KeyStatusResponse {
	keys := make([]models.KeyInfo, 0, len(status.Keys))
	for _, k := range status.Keys {
		keys = append(keys, models.KeyInfo{
			Version:   k.Version,
			State:     string(k.State),
			CreatedAt: k.CreatedAt,
			RetireAt:  k.RetireAt,
		})
	}
	return models.KeyStatusResponse{Phase: string(status.Phase), Keys: keys}
}
