package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/handler"
	"github.com/sakif/code-aura/internal/model"
	sqliteRepo "github.com/sakif/code-aura/internal/repository/sqlite"
	"github.com/sakif/code-aura/internal/service"
)

// =========================================================================
// STUB PROVIDER
// =========================================================================

// stubProvider stands in for GitHub. Code "good-code" succeeds, anything
// else is a provider failure.
type stubProvider struct {
	identity auth.ExternalIdentity
	fetchErr error
}

func (p *stubProvider) Name() model.Provider { return model.ProviderGitHub }

func (p *stubProvider) AuthURL(state string) string {
	return "https://provider.test/authorize?state=" + url.QueryEscape(state)
}

func (p *stubProvider) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, apperror.ProviderFailure("github", "exchanging authorization code failed", nil)
	}
	return &oauth2.Token{AccessToken: "provider-access"}, nil
}

func (p *stubProvider) FetchIdentity(_ context.Context, tok *oauth2.Token) (*auth.ExternalIdentity, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	id := p.identity
	id.Provider = model.ProviderGitHub
	id.AccessToken = tok.AccessToken
	return &id, nil
}

// =========================================================================
// TEST ENVIRONMENT
// =========================================================================

type testEnv struct {
	router   http.Handler
	db       *sqliteRepo.DB
	tokens   *auth.TokenService
	admins   *service.AdminService
	provider *stubProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := sqliteRepo.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens, err := auth.NewTokenService("handler-test-secret-0123456789", auth.WithDenylist(db))
	require.NoError(t, err)
	passwords := auth.NewPasswordServiceForTest(4)

	provider := &stubProvider{identity: auth.ExternalIdentity{
		SubjectID:   "42",
		Email:       "octo@example.com",
		DisplayName: "Octo Cat",
		AvatarURL:   "https://avatars.test/42",
	}}
	providers := auth.Providers{model.ProviderGitHub: provider}

	authSvc := service.NewAuthService(db, db, tokens, passwords, logger)
	oauthSvc := service.NewOAuthService(db, db, tokens, passwords, logger)
	adminSvc := service.NewAdminService(db, passwords, logger)

	store := sessions.NewCookieStore([]byte("handler-test-session-key-32bytes"))

	authH := handler.NewAuthHandler(authSvc, logger)
	oauthH := handler.NewOAuthHandler(providers, oauthSvc, store, false, logger)
	adminH := handler.NewAdminHandler(adminSvc, logger)

	r := chi.NewRouter()
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authH.HandleRegister)
		r.Post("/login", authH.HandleLogin)
		r.Get("/providers", oauthH.HandleProviders)
		r.Get("/{provider}/login", oauthH.HandleLogin)
		r.Get("/{provider}/callback", oauthH.HandleCallback)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens, logger))
			r.Get("/profile", authH.HandleProfile)
			r.Put("/profile", authH.HandleUpdateProfile)
			r.Post("/password", authH.HandleChangePassword)
			r.Post("/logout", authH.HandleLogout)
		})
	})
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens, logger))
		r.Use(auth.RequireAdmin(db, logger))
		r.Get("/dashboard", adminH.HandleDashboard)
		r.Get("/users", adminH.HandleListUsers)
		r.Put("/users/{id}", adminH.HandleUpdateUser)
		r.Delete("/users/{id}", adminH.HandleDeleteUser)
		r.Post("/create-admin", adminH.HandleCreateAdmin)
	})

	return &testEnv{
		router:   r,
		db:       db,
		tokens:   tokens,
		admins:   adminSvc,
		provider: provider,
	}
}

// do sends a request through the router. body may be nil, a string (sent
// verbatim) or any value (JSON-encoded).
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// register creates a local account through the API and returns its token.
func (e *testEnv) register(t *testing.T, username, email, password string) tokenBody {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username, "email": email, "password": password,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[tokenBody](t, rr)
}

// adminToken creates an admin directly through the service and signs a
// token for it.
func (e *testEnv) adminToken(t *testing.T) (int64, string) {
	t.Helper()
	u, err := e.admins.CreateAdmin(context.Background(), service.RegisterInput{
		Username: "root", Email: "root@example.com", Password: "rootpass1",
	})
	require.NoError(t, err)
	tok, _, err := e.tokens.Issue(u.ID)
	require.NoError(t, err)
	return u.ID, tok
}

type tokenBody struct {
	Message       string     `json:"message"`
	AccessToken   string     `json:"access_token"`
	TokenType     string     `json:"token_type"`
	User          model.User `json:"user"`
	OAuthProvider string     `json:"oauth_provider"`
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), "body: %s", rr.Body.String())
	return v
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	return decode[handler.ErrorResponse](t, rr)
}
