package model

import "time"

// Provider names an external identity provider. The string value is what
// appears in URLs (/auth/github/login) and in the oauth_links table.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
	ProviderGitHub   Provider = "github"
)

// Providers lists every supported provider in display order.
var Providers = []Provider{ProviderGoogle, ProviderFacebook, ProviderGitHub}

// ParseProvider maps a URL segment to a Provider. Matching is exact: the
// routes only ever use the lower-case names.
func ParseProvider(s string) (Provider, bool) {
	for _, p := range Providers {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// DisplayName is the human-facing name, e.g. "GitHub".
func (p Provider) DisplayName() string {
	switch p {
	case ProviderGoogle:
		return "Google"
	case ProviderFacebook:
		return "Facebook"
	case ProviderGitHub:
		return "GitHub"
	}
	return string(p)
}

// Icon is the Font Awesome class the frontend renders on the login button.
func (p Provider) Icon() string {
	switch p {
	case ProviderGoogle:
		return "fab fa-google"
	case ProviderFacebook:
		return "fab fa-facebook-f"
	case ProviderGitHub:
		return "fab fa-github"
	}
	return ""
}

// Color is the brand colour of the login button.
func (p Provider) Color() string {
	switch p {
	case ProviderGoogle:
		return "#db4437"
	case ProviderFacebook:
		return "#3b5998"
	case ProviderGitHub:
		return "#333"
	}
	return ""
}

// OAuthLink binds one external identity to one local user.
//
// (Provider, ProviderUserID) is unique across the table, so an external
// account can never be attached to two users. A user may hold links to
// several providers. Deleting the user deletes its links.
type OAuthLink struct {
	ID             int64     `json:"id"               db:"id"`
	UserID         int64     `json:"user_id"          db:"user_id"`
	Provider       Provider  `json:"provider"         db:"provider"`
	ProviderUserID string    `json:"provider_user_id" db:"provider_user_id"`
	ProviderEmail  string    `json:"provider_email"   db:"provider_email"`
	ProviderName   string    `json:"provider_name"    db:"provider_name"`
	ProviderAvatar string    `json:"provider_avatar"  db:"provider_avatar"`
	AccessToken    string    `json:"-"                db:"access_token"`
	RefreshToken   string    `json:"-"                db:"refresh_token"`
	CreatedAt      time.Time `json:"created_at"       db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"       db:"updated_at"`
}
