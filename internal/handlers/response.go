package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"token-service/internal/auth"
	"token-service/internal/keystore"
	"token-service/internal/models"
	"token-service/internal/registry"
	"token-service/internal/rotation"
	"token-service/pkg/errors"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// toServiceError maps a domain error to the caller-facing error class.
// The returned value keeps err as its cause for logging; its message is
// always the generic one.
func toServiceError(err error) *errors.ServiceError {
	var svcErr *errors.ServiceError
	if stderrors.As(err, &svcErr) {
		return svcErr
	}

	switch {
	case stderrors.Is(err, auth.ErrStoreUnavailable),
		stderrors.Is(err, keystore.ErrStoreUnavailable),
		stderrors.Is(err, keystore.ErrNoActiveKey):
		return errors.Wrap(err, errors.ErrServiceUnavailable)
	case isVerificationError(err),
		stderrors.Is(err, registry.ErrInvalidCredentials):
		return errors.Wrap(err, errors.ErrUnauthorized)
	case stderrors.Is(err, auth.ErrForbidden):
		return errors.Wrap(err, errors.ErrForbidden)
	case stderrors.Is(err, auth.ErrScopeNotAllowed):
		return errors.Wrap(err, errors.ErrScopeNotAllowed)
	case stderrors.Is(err, auth.ErrUnknownService):
		return errors.Wrap(err, errors.ErrUnknownService)
	case stderrors.Is(err, auth.ErrInvalidScope):
		return errors.Wrap(err, errors.ErrInvalidRequest)
	case stderrors.Is(err, rotation.ErrRotationInProgress),
		stderrors.Is(err, rotation.ErrNothingPending),
		stderrors.Is(err, keystore.ErrNotPending):
		return errors.Wrap(err, errors.ErrConflict)
	default:
		return errors.Wrap(err, errors.ErrInternalServer)
	}
}

func isVerificationError(err error) bool {
	var verr *auth.VerificationError
	return stderrors.As(err, &verr)
}

func sendError(w http.ResponseWriter, err *errors.ServiceError) {
	sendJSON(w, err.Status, models.ErrorResponse{
		Error:            err.Code,
		ErrorDescription: err.Message,
	})
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
