package server_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-aura/internal/config"
	"github.com/sakif/code-aura/internal/server"
)

// fakeGitHub answers the three endpoints the GitHub provider calls: the
// token exchange, /user and /user/emails.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "valid-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"bad_verification_code"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"gh-token","token_type":"bearer","scope":"user:email"}`)
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":583231,"login":"octocat","name":"The Octocat","email":"","avatar_url":"https://avatars.test/583231"}`)
	})
	mux.HandleFunc("GET /user/emails", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"email":"old@octo.test","primary":false,"verified":true},{"email":"Octocat@GitHub.test","primary":true,"verified":true}]`)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestServer(t *testing.T, extra map[string]string) *httptest.Server {
	t.Helper()

	env := map[string]string{
		"JWT_SECRET":  "server-test-secret-0123456789",
		"DB_PATH":     ":memory:",
		"BCRYPT_COST": "4",
	}
	for k, v := range extra {
		env[k] = v
	}
	cfg, err := config.FromEnv(func(k string) string { return env[k] })
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// client does not follow redirects so tests can inspect the 302 to the
// provider, and keeps cookies so the OAuth session survives between calls.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func call(t *testing.T, c *http.Client, method, rawURL, token, body string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestLocalAccountLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	c := newClient(t)

	status, body := call(t, c, http.MethodPost, ts.URL+"/auth/register", "",
		`{"username":"ada","email":"Ada@Example.com","password":"lovelace"}`)
	require.Equal(t, http.StatusCreated, status, body)

	status, body = call(t, c, http.MethodPost, ts.URL+"/auth/login", "",
		`{"email":"ada@example.com","password":"lovelace"}`)
	require.Equal(t, http.StatusOK, status, body)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)

	status, body = call(t, c, http.MethodGet, ts.URL+"/auth/profile", token, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "ada", body["username"])
	assert.Equal(t, "ada@example.com", body["email"])
	assert.NotContains(t, body, "password_hash")

	status, _ = call(t, c, http.MethodPost, ts.URL+"/auth/logout", token, "")
	require.Equal(t, http.StatusOK, status)

	status, body = call(t, c, http.MethodGet, ts.URL+"/auth/profile", token, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_token", body["error"])
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t, nil)
	c := newClient(t)

	status, _ := call(t, c, http.MethodGet, ts.URL+"/api/admin/dashboard", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	_, body := call(t, c, http.MethodPost, ts.URL+"/auth/register", "",
		`{"username":"grace","email":"grace@example.com","password":"hopper1"}`)
	token, _ := body["access_token"].(string)

	status, body = call(t, c, http.MethodGet, ts.URL+"/api/admin/dashboard", token, "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["error"])
}

func TestGitHubLogin(t *testing.T) {
	gh := fakeGitHub(t)
	ts := newTestServer(t, map[string]string{
		"GITHUB_CLIENT_ID":     "client-id",
		"GITHUB_CLIENT_SECRET": "client-secret",
		"GITHUB_AUTH_URL":      gh.URL + "/login/oauth/authorize",
		"GITHUB_TOKEN_URL":     gh.URL + "/login/oauth/access_token",
		"GITHUB_API_BASE_URL":  gh.URL,
	})
	c := newClient(t)

	status, body := call(t, c, http.MethodGet, ts.URL+"/auth/providers", "", "")
	require.Equal(t, http.StatusOK, status)
	providers, _ := body["providers"].([]any)
	require.Len(t, providers, 1)

	// Step 1: our login endpoint redirects to the provider with a state.
	resp, err := c.Get(ts.URL + "/auth/github/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), gh.URL+"/login/oauth/authorize"))
	assert.Equal(t, "client-id", loc.Query().Get("client_id"))
	assert.Equal(t, "http://localhost:8080/auth/github/callback", loc.Query().Get("redirect_uri"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	// Step 2: the provider sends the browser back with a code.
	q := url.Values{"code": {"valid-code"}, "state": {state}}
	status, body = call(t, c, http.MethodGet, ts.URL+"/auth/github/callback?"+q.Encode(), "", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "github", body["oauth_provider"])

	user, _ := body["user"].(map[string]any)
	assert.Equal(t, "octocat@github.test", user["email"], "primary email, lower-cased")
	assert.Equal(t, "the_octocat", user["username"])

	token, _ := body["access_token"].(string)
	status, body = call(t, c, http.MethodGet, ts.URL+"/auth/profile", token, "")
	require.Equal(t, http.StatusOK, status)
	accounts, _ := body["oauth_accounts"].([]any)
	require.Len(t, accounts, 1)

	// The state was consumed by the first callback.
	status, _ = call(t, c, http.MethodGet, ts.URL+"/auth/github/callback?"+q.Encode(), "", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGitHubLogin_ExchangeFailure(t *testing.T) {
	gh := fakeGitHub(t)
	ts := newTestServer(t, map[string]string{
		"GITHUB_CLIENT_ID":     "client-id",
		"GITHUB_CLIENT_SECRET": "client-secret",
		"GITHUB_AUTH_URL":      gh.URL + "/login/oauth/authorize",
		"GITHUB_TOKEN_URL":     gh.URL + "/login/oauth/access_token",
		"GITHUB_API_BASE_URL":  gh.URL,
	})
	c := newClient(t)

	resp, err := c.Get(ts.URL + "/auth/github/login")
	require.NoError(t, err)
	resp.Body.Close()
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	q := url.Values{"code": {"stale-code"}, "state": {loc.Query().Get("state")}}
	status, body := call(t, c, http.MethodGet, ts.URL+"/auth/github/callback?"+q.Encode(), "", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "provider_error", body["error"])
}

func TestUnconfiguredProvider(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := call(t, newClient(t), http.MethodGet, ts.URL+"/auth/google/login", "", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["error"])
}

func TestOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	c := newClient(t)

	status, body := call(t, c, http.MethodGet, ts.URL+"/healthz", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	call(t, c, http.MethodPost, ts.URL+"/auth/login", "", `{"email":"nobody@example.com","password":"whatever"}`)

	resp, err := c.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	exposition := string(raw)
	assert.Contains(t, exposition, `http_requests_total{method="POST",route="/auth/login",status="401"} 1`)
	assert.Contains(t, exposition, `http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, exposition, "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, map[string]string{"CORS_ORIGINS": "https://app.example"})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/auth/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
