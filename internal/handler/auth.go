// Package handler contains the HTTP request handlers for the auth API.
//
// WHAT IS A HANDLER?
// In Go, an HTTP handler is anything that implements the http.Handler interface:
//
//	type Handler interface {
//	    ServeHTTP(ResponseWriter, *Request)
//	}
//
// Or more commonly, we use http.HandlerFunc: a function with the right signature
// that automatically satisfies the Handler interface. Chi's router accepts these directly.
//
// HANDLER RESPONSIBILITIES:
// 1. Parse the incoming HTTP request (path params, query, JSON body)
// 2. Call the service layer
// 3. Write the HTTP response (status code, headers, body)
//
// Handlers should NOT contain business logic: they are the "glue" between HTTP and the services.
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/service"
)

// AuthHandler serves the local-account endpoints.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister       → POST /auth/register
//   - HandleLogin          → POST /auth/login
//   - HandleProfile        → GET  /auth/profile      (RequireAuth)
//   - HandleUpdateProfile  → PUT  /auth/profile      (RequireAuth)
//   - HandleChangePassword → POST /auth/password     (RequireAuth)
//   - HandleLogout         → POST /auth/logout       (RequireAuth)
//
// The handler only decodes, validates and encodes. Every rule about who may
// register or sign in lives in service.AuthService.
type AuthHandler struct {
	service *service.AuthService
	logger  *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: svc, logger: logger}
}

// =========================================================================
// REQUEST / RESPONSE TYPES
// =========================================================================

type registerRequest struct {
	Username          string  `json:"username"            validate:"required,min=3,max=50"`
	Email             string  `json:"email"               validate:"required,email,max=120"`
	Password          string  `json:"password"            validate:"required,min=6,max=72"`
	Bio               *string `json:"bio"                 validate:"omitempty,max=500"`
	ProfilePictureURL *string `json:"profile_picture_url" validate:"omitempty,max=500"`
}

type loginRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type updateProfileRequest struct {
	Username          *string `json:"username"            validate:"omitempty,min=3,max=50"`
	Bio               *string `json:"bio"                 validate:"omitempty,max=500"`
	ProfilePictureURL *string `json:"profile_picture_url" validate:"omitempty,max=500"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6,max=72"`
}

// TokenResponse is returned by every endpoint that signs somebody in.
type TokenResponse struct {
	Message       string         `json:"message,omitempty"`
	AccessToken   string         `json:"access_token"`
	TokenType     string         `json:"token_type"`
	ExpiresAt     time.Time      `json:"expires_at"`
	User          *model.User    `json:"user"`
	OAuthProvider model.Provider `json:"oauth_provider,omitempty"`
}

func newTokenResponse(message string, res *service.AuthResult) TokenResponse {
	return TokenResponse{
		Message:     message,
		AccessToken: res.Token,
		TokenType:   "Bearer",
		ExpiresAt:   res.ExpiresAt,
		User:        res.User,
	}
}

// OAuthAccount is the public view of a linked provider account. Tokens and
// the provider's subject id stay server-side.
type OAuthAccount struct {
	Provider       model.Provider `json:"provider"`
	ProviderName   string         `json:"provider_name"`
	ProviderAvatar string         `json:"provider_avatar"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProfileResponse is the user's own record with linked accounts inlined.
type ProfileResponse struct {
	*model.User
	OAuthAccounts []OAuthAccount `json:"oauth_accounts"`
}

// =========================================================================
// HANDLERS
// =========================================================================

// HandleRegister creates a local account and signs it in.
//
// HTTP: POST /auth/register
// Body: {"username","email","password","bio"?,"profile_picture_url"?}
// 201 → TokenResponse; 400 on validation error or taken username/email.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.service.Register(r.Context(), service.RegisterInput{
		Username:          req.Username,
		Email:             req.Email,
		Password:          req.Password,
		Bio:               req.Bio,
		ProfilePictureURL: req.ProfilePictureURL,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, newTokenResponse("User registered successfully", res))
}

// HandleLogin exchanges an email/password pair for a token.
//
// HTTP: POST /auth/login
// 200 → TokenResponse; 401 {"error":"unauthorized","message":"Invalid credentials"}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, newTokenResponse("Login successful", res))
}

// HandleProfile returns the caller's account and linked providers.
//
// HTTP: GET /auth/profile
// Auth: Required (RequireAuth puts the verified claims in the context)
func (h *AuthHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("Authentication required"))
		return
	}

	profile, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	accounts := make([]OAuthAccount, 0, len(profile.Links))
	for _, l := range profile.Links {
		accounts = append(accounts, OAuthAccount{
			Provider:       l.Provider,
			ProviderName:   l.ProviderName,
			ProviderAvatar: l.ProviderAvatar,
			CreatedAt:      l.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, ProfileResponse{User: profile.User, OAuthAccounts: accounts})
}

// HandleUpdateProfile edits the caller's username, bio or avatar.
//
// HTTP: PUT /auth/profile
// Omitted fields are left alone; "" clears bio / profile_picture_url.
func (h *AuthHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("Authentication required"))
		return
	}

	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), userID, service.ProfileUpdate{
		Username:          req.Username,
		Bio:               req.Bio,
		ProfilePictureURL: req.ProfilePictureURL,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleChangePassword replaces the caller's password.
//
// HTTP: POST /auth/password
// Body: {"old_password","new_password"}
func (h *AuthHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("Authentication required"))
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password updated"})
}

// HandleLogout revokes the token used for this request.
//
// HTTP: POST /auth/logout
//
// WHY A DENYLIST?
// JWTs are self-contained: without server-side state a stolen token stays
// valid until it expires. Logout records the token's jti until its natural
// expiry, and RequireAuth rejects it from then on.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("Authentication required"))
		return
	}

	if err := h.service.Logout(r.Context(), claims); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logged out"})
}
