package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/service"
)

const (
	// oauthSessionName is the cookie holding the pending authorization.
	oauthSessionName = "code_aura_oauth"

	// Long enough for the user to approve at the provider, short enough that
	// an abandoned flow does not linger.
	oauthSessionMaxAge = 600

	sessionKeyState    = "state"
	sessionKeyProvider = "provider"

	stateBytes = 32
)

// OAuthHandler manages the redirect-based login flow for every configured
// provider.
//
// FLOW:
//  1. GET /auth/{provider}/login
//     Generate an unguessable state, remember it (and the provider) in a
//     signed session cookie, redirect the browser to the provider.
//  2. The user approves; the provider redirects back to
//     GET /auth/{provider}/callback?code=...&state=...
//  3. Check state against the session, clear the session, hand the code to
//     service.OAuthService which exchanges it, fetches the profile and
//     reconciles it with a local account.
//
// CSRF PROTECTION VIA STATE:
// Only a browser that started step 1 holds the session cookie carrying the
// state, so a callback forged by a third party fails the comparison.
type OAuthHandler struct {
	providers     auth.Providers
	service       *service.OAuthService
	sessions      sessions.Store
	secureCookies bool
	logger        *slog.Logger
}

func NewOAuthHandler(
	providers auth.Providers,
	svc *service.OAuthService,
	store sessions.Store,
	secureCookies bool,
	logger *slog.Logger,
) *OAuthHandler {
	return &OAuthHandler{
		providers:     providers,
		service:       svc,
		sessions:      store,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

// ProviderInfo describes one login button.
type ProviderInfo struct {
	Name        model.Provider `json:"name"`
	DisplayName string         `json:"display_name"`
	Icon        string         `json:"icon"`
	Color       string         `json:"color"`
	LoginURL    string         `json:"login_url"`
}

// HandleProviders lists the providers enabled in this deployment.
//
// HTTP: GET /auth/providers
func (h *OAuthHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	enabled := h.providers.Enabled()
	out := make([]ProviderInfo, 0, len(enabled))
	for _, p := range enabled {
		out = append(out, ProviderInfo{
			Name:        p,
			DisplayName: p.DisplayName(),
			Icon:        p.Icon(),
			Color:       p.Color(),
			LoginURL:    "/auth/" + string(p) + "/login",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// HandleLogin redirects the browser to the provider's consent page.
//
// HTTP: GET /auth/{provider}/login
// 302 → provider; 400 for an unknown or unconfigured provider.
func (h *OAuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Lookup(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	state, err := auth.RandomToken(stateBytes)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	// Get never returns a nil session; an error only means the old cookie
	// could not be decoded, and we are about to overwrite it anyway.
	session, _ := h.sessions.Get(r, oauthSessionName)
	session.Values[sessionKeyState] = state
	session.Values[sessionKeyProvider] = string(p.Name())
	session.Options = h.cookieOptions(oauthSessionMaxAge)

	if err := session.Save(r, w); err != nil {
		writeError(w, h.logger, err)
		return
	}

	http.Redirect(w, r, p.AuthURL(state), http.StatusFound)
}

// HandleCallback completes the flow and signs the user in.
//
// HTTP: GET /auth/{provider}/callback?code=xxx&state=yyy
// 200 → TokenResponse with oauth_provider
// 400 bad state / missing email, 401 user denied, 502 provider failure
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Lookup(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	session, _ := h.sessions.Get(r, oauthSessionName)
	expectedState, _ := session.Values[sessionKeyState].(string)
	expectedProvider, _ := session.Values[sessionKeyProvider].(string)

	// The pending authorization is single-use: clear it whatever happens next.
	session.Values = map[any]any{}
	session.Options = h.cookieOptions(-1)
	if err := session.Save(r, w); err != nil {
		h.logger.Warn("oauth callback: clearing session failed", slog.String("error", err.Error()))
	}

	query := r.URL.Query()
	if !stateMatches(expectedState, query.Get("state")) || expectedProvider != string(p.Name()) {
		h.logger.Warn("oauth callback: state mismatch", slog.String("provider", string(p.Name())))
		writeError(w, h.logger, apperror.ValidationFailed("state", "Invalid OAuth state"))
		return
	}

	// The user pressed "cancel" at the provider.
	if errParam := query.Get("error"); errParam != "" {
		h.logger.Info("oauth callback: authorization denied",
			slog.String("provider", string(p.Name())),
			slog.String("error", errParam),
		)
		writeError(w, h.logger, apperror.Unauthorized("OAuth authorization was denied"))
		return
	}

	res, err := h.service.Callback(r.Context(), p, query.Get("code"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp := newTokenResponse("Login successful", &res.AuthResult)
	resp.OAuthProvider = res.Provider
	writeJSON(w, http.StatusOK, resp)
}

func (h *OAuthHandler) cookieOptions(maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

// stateMatches compares in constant time so the comparison leaks nothing
// about the expected value.
func stateMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
