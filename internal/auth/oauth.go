package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/model"
)

// DefaultProviderTimeout bounds every call we make to a provider: the code
// exchange and each profile request.
const DefaultProviderTimeout = 10 * time.Second

// ExternalIdentity is a provider's answer to "who is this?", normalized to
// the same shape for every provider.
type ExternalIdentity struct {
	Provider     model.Provider
	SubjectID    string // stable provider-side user id, always a string
	Email        string // may be empty; the caller decides what that means
	DisplayName  string
	AvatarURL    string
	AccessToken  string
	RefreshToken string
}

// Provider is one external identity provider.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. We redirect the user to the provider's AuthURL, with our client id,
//     the requested scopes and a random state.
//  2. The user approves (or denies) the request on the provider's site.
//  3. The provider redirects back to our callback with a short-lived code.
//  4. Exchange trades the code for an access token (server-to-server call,
//     authenticated with our client secret).
//  5. FetchIdentity uses the access token to read the user's profile.
type Provider interface {
	Name() model.Provider
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchIdentity(ctx context.Context, token *oauth2.Token) (*ExternalIdentity, error)
}

// ProviderConfig holds the credentials for one provider plus optional
// endpoint overrides (self-hosted GitHub Enterprise, or an httptest server).
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL    string // "" → provider default
	TokenURL   string // "" → provider default
	APIBaseURL string // "" → provider default

	// HTTPClient is used for the exchange and profile calls. nil → a client
	// with DefaultProviderTimeout.
	HTTPClient *http.Client
}

// baseProvider carries the parts every provider shares. The concrete
// providers embed it and only add FetchIdentity.
type baseProvider struct {
	name    model.Provider
	config  *oauth2.Config
	apiBase string
	client  *http.Client
}

func newBaseProvider(name model.Provider, cfg ProviderConfig, endpoint oauth2.Endpoint, apiBase string, scopes []string) baseProvider {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.APIBaseURL != "" {
		apiBase = cfg.APIBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultProviderTimeout}
	}

	return baseProvider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  client,
	}
}

func (p *baseProvider) Name() model.Provider {
	return p.name
}

// AuthURL returns the URL to redirect the user to for authorization.
//
// STATE PARAMETER:
// The state is a random string we also keep in the user's session cookie.
// When the provider calls back, the handler checks the returned state
// matches. This prevents CSRF attacks where an attacker tricks your browser
// into completing an OAuth flow for their account.
func (p *baseProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for an access token.
//
// The oauth2 package picks up our timeout-bounded http.Client from the
// context (oauth2.HTTPClient key); without it, it would use
// http.DefaultClient, which has no timeout at all.
func (p *baseProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, apperror.ProviderFailure(string(p.name), "exchanging authorization code failed", err)
	}
	return token, nil
}

// getJSON calls an authenticated provider API endpoint and decodes the body.
// Anything other than 200 OK is a provider failure.
func (p *baseProvider) getJSON(ctx context.Context, token *oauth2.Token, rawURL string, dst any) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	client := p.config.Client(ctx, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return apperror.ProviderFailure(string(p.name), "building profile request failed", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return apperror.ProviderFailure(string(p.name), "profile request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body so the cause is useful in logs.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperror.ProviderFailure(string(p.name),
			fmt.Sprintf("profile request returned status %d", resp.StatusCode),
			fmt.Errorf("%s: %s", resp.Status, snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return apperror.ProviderFailure(string(p.name), "decoding profile response failed", err)
	}
	return nil
}

func (p *baseProvider) identity(token *oauth2.Token) *ExternalIdentity {
	return &ExternalIdentity{
		Provider:     p.name,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
}

// =========================================================================
// GOOGLE
// =========================================================================

// GoogleProvider reads the OpenID Connect userinfo endpoint.
//
// Scopes: "openid email profile": identity, email address, name and picture.
type GoogleProvider struct {
	baseProvider
}

func NewGoogleProvider(cfg ProviderConfig) *GoogleProvider {
	return &GoogleProvider{
		baseProvider: newBaseProvider(model.ProviderGoogle, cfg, google.Endpoint,
			"https://openidconnect.googleapis.com/v1",
			[]string{"openid", "email", "profile"}),
	}
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (p *GoogleProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*ExternalIdentity, error) {
	var info googleUserInfo
	if err := p.getJSON(ctx, token, p.apiBase+"/userinfo", &info); err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, apperror.ProviderFailure(string(p.name), "profile has no subject id", nil)
	}

	id := p.identity(token)
	id.SubjectID = info.Sub
	// Accounts are linked by email, so an address Google has not verified
	// is treated as no address at all.
	if info.EmailVerified {
		id.Email = info.Email
	}
	id.DisplayName = info.Name
	id.AvatarURL = info.Picture
	return id, nil
}

// =========================================================================
// FACEBOOK
// =========================================================================

// FacebookProvider reads the Graph API /me node.
//
// Scopes: "email public_profile". Facebook only returns the email when the
// user granted it, so Email may come back empty.
type FacebookProvider struct {
	baseProvider
}

func NewFacebookProvider(cfg ProviderConfig) *FacebookProvider {
	return &FacebookProvider{
		baseProvider: newBaseProvider(model.ProviderFacebook, cfg, facebook.Endpoint,
			"https://graph.facebook.com",
			[]string{"email", "public_profile"}),
	}
}

type facebookMe struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

func (p *FacebookProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*ExternalIdentity, error) {
	q := url.Values{"fields": {"id,email,name,picture"}}

	var me facebookMe
	if err := p.getJSON(ctx, token, p.apiBase+"/me?"+q.Encode(), &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, apperror.ProviderFailure(string(p.name), "profile has no subject id", nil)
	}

	id := p.identity(token)
	id.SubjectID = me.ID
	id.Email = me.Email
	id.DisplayName = me.Name
	id.AvatarURL = me.Picture.Data.URL
	return id, nil
}

// =========================================================================
// GITHUB
// =========================================================================

// GitHubProvider reads the REST API /user endpoint.
//
// Scopes: "user:email". GitHub's /user only includes the email when the user
// made it public, so when it's missing we ask /user/emails and take the
// verified entry marked primary.
//
// GitHub API docs: https://docs.github.com/en/rest/users/users#get-the-authenticated-user
type GitHubProvider struct {
	baseProvider
}

func NewGitHubProvider(cfg ProviderConfig) *GitHubProvider {
	return &GitHubProvider{
		baseProvider: newBaseProvider(model.ProviderGitHub, cfg, github.Endpoint,
			"https://api.github.com",
			[]string{"user:email"}),
	}
}

// gitHubUser is the portion of the GitHub /user API response we care about.
type gitHubUser struct {
	ID        int64  `json:"id"` // stable, never changes
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"` // empty if hidden in GitHub settings
	AvatarURL string `json:"avatar_url"`
}

type gitHubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *GitHubProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*ExternalIdentity, error) {
	var u gitHubUser
	if err := p.getJSON(ctx, token, p.apiBase+"/user", &u); err != nil {
		return nil, err
	}
	if u.ID == 0 {
		return nil, apperror.ProviderFailure(string(p.name), "profile has no subject id", nil)
	}

	email := u.Email
	if email == "" {
		var emails []gitHubEmail
		if err := p.getJSON(ctx, token, p.apiBase+"/user/emails", &emails); err != nil {
			return nil, err
		}
		email = pickGitHubEmail(emails)
	}

	name := u.Name
	if name == "" {
		name = u.Login
	}

	id := p.identity(token)
	id.SubjectID = strconv.FormatInt(u.ID, 10)
	id.Email = email
	id.DisplayName = name
	id.AvatarURL = u.AvatarURL
	return id, nil
}

// pickGitHubEmail prefers the primary address, then any other verified one.
// Unverified addresses are never used.
func pickGitHubEmail(emails []gitHubEmail) string {
	fallback := ""
	for _, e := range emails {
		if !e.Verified {
			continue
		}
		if e.Primary {
			return e.Email
		}
		if fallback == "" {
			fallback = e.Email
		}
	}
	return fallback
}

// =========================================================================
// REGISTRY
// =========================================================================

// Providers is the set of providers enabled in this deployment, built once
// at startup from configuration.
type Providers map[model.Provider]Provider

// Lookup resolves a URL segment to an enabled provider.
// Unknown or disabled providers are a client error (400).
func (ps Providers) Lookup(name string) (Provider, error) {
	p, ok := model.ParseProvider(name)
	if !ok {
		return nil, apperror.ValidationFailed("provider", fmt.Sprintf("Unsupported OAuth provider: %s", name))
	}
	provider, ok := ps[p]
	if !ok {
		return nil, apperror.ValidationFailed("provider", fmt.Sprintf("OAuth provider %s is not configured", name))
	}
	return provider, nil
}

// Enabled lists the enabled providers in display order.
func (ps Providers) Enabled() []model.Provider {
	out := make([]model.Provider, 0, len(ps))
	for _, p := range model.Providers {
		if _, ok := ps[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
