package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dealspot/apiserver/internal/apierr"
	"github.com/dealspot/apiserver/internal/services"
	"github.com/dealspot/apiserver/internal/store"
	"github.com/dealspot/apiserver/internal/token"
	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// AuthHandler provides the credential-lifecycle endpoints.
type AuthHandler struct {
	authService *services.AuthService
	issuer      *token.Issuer
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(authService *services.AuthService, issuer *token.Issuer) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		issuer:      issuer,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, authService *services.AuthService, issuer *token.Issuer) {
	h := NewAuthHandler(authService, issuer)

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/forgot-password", h.ForgotPassword)
	r.Put("/reset-password/{resetToken}", h.ResetPassword)
	r.Put("/verify-account/{token}", h.VerifyAccount)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/me", h.Me)
		r.Put("/update-details", h.UpdateDetails)
		r.Post("/request-verification", h.RequestVerification)
	})
}

// RequireAuth authenticates a bearer token into a user identity and
// attaches it to the request context. It performs no role checks. A
// token whose user id no longer resolves is rejected: token validity
// alone is not sufficient.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeError(w, r, apierr.Unauthorized())
			return
		}

		// Expired and malformed tokens are deliberately indistinguishable
		// to the caller.
		userID, err := h.issuer.Verify(tokenString)
		if err != nil {
			writeError(w, r, apierr.Unauthorized())
			return
		}

		user, err := h.authService.UserByID(r.Context(), userID)
		if err != nil {
			// Only a vanished account is an auth failure; anything
			// else is an infrastructure error and must not look
			// like a bad token.
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, r, apierr.Unauthorized())
				return
			}
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextUserKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 25)),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(6, 100)),
	)
}

// Register creates a new account and returns a session token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	_, sessionToken, err := h.authService.Register(r.Context(), strings.TrimSpace(req.Name), normalizeEmail(req.Email), req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: sessionToken})
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// Login verifies credentials and returns a session token, mirrored into
// an http-only cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	_, sessionToken, err := h.authService.Login(r.Context(), normalizeEmail(req.Email), req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.issuer.SetCookie(w, sessionToken)
	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: sessionToken})
}

// Me returns the authenticated user. The password hash is never part of
// the payload.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, r, apierr.Unauthorized())
		return
	}
	writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: user})
}

type UpdateDetailsRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (r UpdateDetailsRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 25)),
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

// UpdateDetails changes the authenticated user's name and email.
func (h *AuthHandler) UpdateDetails(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, r, apierr.Unauthorized())
		return
	}

	var req UpdateDetailsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := h.authService.UpdateDetails(r.Context(), user.ID, strings.TrimSpace(req.Name), normalizeEmail(req.Email))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DataResponse{Success: true, Data: updated})
}

// RequestVerification re-sends the verification email for the
// authenticated user.
func (h *AuthHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, r, apierr.Unauthorized())
		return
	}

	if err := h.authService.RequestVerification(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "verification email sent"})
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

func (r ForgotPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

// ForgotPassword issues a password-reset email. The response is the
// same whether or not the email belongs to an account.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.authService.ForgotPassword(r.Context(), normalizeEmail(req.Email)); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "if that account exists, a reset email is on its way"})
}

type ResetPasswordRequest struct {
	Password string `json:"password"`
}

func (r ResetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Password, validation.Required, validation.Length(6, 100)),
	)
}

// ResetPassword redeems a reset token from the URL and installs the new
// password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	rawToken := chi.URLParam(r, "resetToken")

	var req ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	_, sessionToken, err := h.authService.ResetPassword(r.Context(), rawToken, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: sessionToken})
}

// VerifyAccount redeems a verification token from the URL.
func (h *AuthHandler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	rawToken := chi.URLParam(r, "token")

	_, sessionToken, err := h.authService.VerifyAccount(r.Context(), rawToken)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: sessionToken})
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	tokenString := strings.TrimSpace(parts[1])
	if tokenString == "" {
		return "", errors.New("invalid authorization")
	}
	return tokenString, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
