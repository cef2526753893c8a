package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dealspot/apiserver/internal/apierr"
	"github.com/dealspot/apiserver/types"
	validation "github.com/go-ozzo/ozzo-validation"
)

type contextKey string

const contextUserKey contextKey = "user"

// userFromContext returns the identity attached by RequireAuth.
func userFromContext(ctx context.Context) (types.User, error) {
	user, ok := ctx.Value(contextUserKey).(types.User)
	if !ok {
		return types.User{}, errors.New("no authenticated user in context")
	}
	return user, nil
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// TokenResponse carries a fresh session token.
type TokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

// DataResponse carries a resource payload.
type DataResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// MessageResponse carries an informational message.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeError is the single boundary translator: typed domain errors map
// to their status and message, everything else becomes a generic 500
// without leaking internal detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, ErrorResponse{Error: apiErr.Message})
		return
	}
	slog.ErrorContext(r.Context(), "unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}

// decodeJSON decodes a request body into dst, rejecting unknown fields,
// and runs the request's validation rules. All failures surface as
// ValidationError.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation("invalid request body")
	}
	if v, ok := dst.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return apierr.Validation(err.Error())
		}
	}
	return nil
}

// Healthz reports service liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
