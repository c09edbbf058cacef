package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/model"
)

// contextKey is an unexported type for context keys in this package.
//
// WHY A CUSTOM TYPE?
// context.WithValue uses interface{} keys. If two packages both use the
// string "user" as a key, they'd collide. A private type makes our keys
// impossible to clash with anyone else's.
type contextKey string

const (
	claimsKey contextKey = "claims"
	userKey   contextKey = "user"
)

// UserLookup is the slice of the user repository the admin gate needs.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
}

// RequireAuth returns middleware that rejects requests without a valid
// bearer token. On success the verified Claims are stored in the request
// context; downstream handlers read them with ClaimsFromContext.
//
// On failure the wrapped handler is never invoked.
//
// Usage (chi):
//
//	r.Group(func(r chi.Router) {
//	    r.Use(auth.RequireAuth(tokens, logger))
//	    r.Get("/auth/profile", h.HandleProfile)
//	})
func RequireAuth(tokens *TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authorization header with Bearer token required")
				return
			}

			claims, err := tokens.Verify(r.Context(), raw)
			if err != nil {
				switch {
				case errors.Is(err, apperror.ErrExpired):
					writeAuthError(w, http.StatusUnauthorized, "token_expired", err.Error())
				case errors.Is(err, apperror.ErrInvalidToken):
					writeAuthError(w, http.StatusUnauthorized, "invalid_token", err.Error())
				default:
					logger.Error("token verification failed", slog.String("error", err.Error()))
					writeAuthError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin must be chained after RequireAuth. It loads the caller's
// account, because the role can change after a token was issued, and
// rejects anyone who is not an admin with 403.
//
// The loaded user is stored in the context (UserFromContext).
func RequireAdmin(users UserLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
				return
			}

			user, err := users.GetUserByID(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, apperror.ErrNotFound) {
					// Token outlived its account.
					writeAuthError(w, http.StatusUnauthorized, "unauthorized", "account no longer exists")
					return
				}
				logger.Error("loading user for admin check failed",
					slog.Int64("user_id", claims.UserID),
					slog.String("error", err.Error()),
				)
				writeAuthError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
				return
			}

			if !user.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "forbidden", "Admin privileges required")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithClaims stores verified claims in ctx. Exported so handler tests can
// build an authenticated request without minting a token.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext retrieves the claims stored by RequireAuth.
// Returns (nil, false) if the request was not authenticated.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// UserIDFromContext is a shortcut for the common case.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return 0, false
	}
	return c.UserID, true
}

func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the account loaded by RequireAdmin.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok && u != nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively (RFC 6750 §2.1).
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeAuthError writes the same {"error","message"} body the handler
// package uses, so clients see one error shape everywhere.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="code-aura"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
