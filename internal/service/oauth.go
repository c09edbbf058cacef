package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/rs/xid"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
)

const (
	// maxUsernameAttempts bounds the base, base_1, base_2 ... search before
	// falling back to a random suffix.
	maxUsernameAttempts = 50

	// maxUsernameBase keeps derived usernames well inside the 50 char limit
	// even after a suffix is appended.
	maxUsernameBase = 28

	placeholderPasswordLength = 16
)

// OAuthService turns a provider's callback into a signed-in local account.
type OAuthService struct {
	users     repository.UserRepository
	links     repository.OAuthRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
	now       func() time.Time
}

func NewOAuthService(
	users repository.UserRepository,
	links repository.OAuthRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *OAuthService {
	return &OAuthService{
		users:     users,
		links:     links,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
		now:       time.Now,
	}
}

// OAuthResult is an AuthResult plus how the account was resolved.
type OAuthResult struct {
	AuthResult
	Provider model.Provider
	Created  bool // a new local account was provisioned
}

// Callback completes the authorization code flow for provider p: it trades
// the code for a token, fetches the profile and reconciles it with a local
// account. Provider failures come back as apperror.ErrProvider.
func (s *OAuthService) Callback(ctx context.Context, p auth.Provider, code string) (*OAuthResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperror.ValidationFailed("code", "Missing authorization code")
	}

	token, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	identity, err := p.FetchIdentity(ctx, token)
	if err != nil {
		return nil, err
	}

	return s.Reconcile(ctx, identity)
}

// Reconcile maps an external identity to exactly one local user.
//
// Resolution order:
//  1. A link for (provider, subject) exists → refresh its tokens and profile
//     snapshot, sign in its owner.
//  2. A user with the same email exists → attach a new link to that user.
//  3. Otherwise → provision a user and its link in one transaction.
//
// An identity without an email is rejected before anything is written.
//
// RACES:
// Two first-time callbacks for the same identity can both reach step 3.
// The UNIQUE(provider, provider_user_id) index lets one win; the other gets
// apperror.ErrConflict, which we return rather than retry.
func (s *OAuthService) Reconcile(ctx context.Context, id *auth.ExternalIdentity) (*OAuthResult, error) {
	email := NormalizeEmail(id.Email)
	if email == "" {
		return nil, apperror.MissingEmail(string(id.Provider))
	}

	var (
		user    *model.User
		created bool
	)

	link, err := s.links.GetOAuthLink(ctx, id.Provider, id.SubjectID)
	switch {
	case err == nil:
		user, err = s.refreshExisting(ctx, link, id)
	case errors.Is(err, apperror.ErrNotFound):
		user, created, err = s.linkOrProvision(ctx, id, email)
	default:
		err = fmt.Errorf("service/oauth: looking up link: %w", err)
	}
	if err != nil {
		return nil, err
	}

	at := s.now().UTC()
	if err := s.users.TouchLastLogin(ctx, user.ID, at); err != nil {
		return nil, fmt.Errorf("service/oauth: updating last login for user %d: %w", user.ID, err)
	}
	user.LastLogin = &at

	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/oauth: issuing token for user %d: %w", user.ID, err)
	}

	s.logger.Info("user authenticated via oauth",
		slog.String("provider", string(id.Provider)),
		slog.Int64("user_id", user.ID),
		slog.Bool("created", created),
	)

	return &OAuthResult{
		AuthResult: AuthResult{User: user, Token: token, ExpiresAt: expiresAt},
		Provider:   id.Provider,
		Created:    created,
	}, nil
}

func (s *OAuthService) refreshExisting(ctx context.Context, link *model.OAuthLink, id *auth.ExternalIdentity) (*model.User, error) {
	applyIdentity(link, id)
	if err := s.links.RefreshOAuthLink(ctx, link); err != nil {
		return nil, fmt.Errorf("service/oauth: refreshing link %d: %w", link.ID, err)
	}

	user, err := s.users.GetUserByID(ctx, link.UserID)
	if err != nil {
		return nil, fmt.Errorf("service/oauth: loading owner of link %d: %w", link.ID, err)
	}
	return user, nil
}

func (s *OAuthService) linkOrProvision(ctx context.Context, id *auth.ExternalIdentity, email string) (*model.User, bool, error) {
	link := &model.OAuthLink{Provider: id.Provider, ProviderUserID: id.SubjectID}
	applyIdentity(link, id)

	user, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		link.UserID = user.ID
		if err := s.links.CreateOAuthLink(ctx, link); err != nil {
			return nil, false, fmt.Errorf("service/oauth: linking %s to user %d: %w", id.Provider, user.ID, err)
		}
		s.logger.Info("oauth account linked",
			slog.String("provider", string(id.Provider)),
			slog.Int64("user_id", user.ID),
		)
		return user, false, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, false, fmt.Errorf("service/oauth: looking up user by email: %w", err)
	}

	user, err = s.newProvisionedUser(ctx, id, email)
	if err != nil {
		return nil, false, err
	}
	if err := s.links.CreateUserWithOAuthLink(ctx, user, link); err != nil {
		return nil, false, fmt.Errorf("service/oauth: provisioning user for %s: %w", id.Provider, err)
	}

	s.logger.Info("user provisioned via oauth",
		slog.String("provider", string(id.Provider)),
		slog.Int64("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return user, true, nil
}

// newProvisionedUser builds (but does not store) the account for a
// first-time OAuth login.
func (s *OAuthService) newProvisionedUser(ctx context.Context, id *auth.ExternalIdentity, email string) (*model.User, error) {
	username, err := s.uniqueUsername(ctx, usernameBase(id.DisplayName, email))
	if err != nil {
		return nil, err
	}

	placeholder, err := auth.RandomPassword(placeholderPasswordLength)
	if err != nil {
		return nil, fmt.Errorf("service/oauth: %w", err)
	}
	hash, err := s.passwords.Hash(placeholder)
	if err != nil {
		return nil, fmt.Errorf("service/oauth: hashing placeholder password: %w", err)
	}

	bio := "Joined via " + id.Provider.DisplayName()
	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Bio:          &bio,
	}
	if id.AvatarURL != "" {
		avatar := id.AvatarURL
		user.ProfilePictureURL = &avatar
	}
	return user, nil
}

// uniqueUsername tries base, base_1, ... base_49 and, if all are taken,
// falls back to base_<xid>.
func (s *OAuthService) uniqueUsername(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 1; i <= maxUsernameAttempts; i++ {
		taken, err := s.users.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("service/oauth: checking username: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d", base, i)
	}
	return base + "_" + xid.New().String(), nil
}

// usernameBase derives a username from the display name (lower-cased,
// whitespace runs → "_"), falling back to the email local-part.
func usernameBase(displayName, email string) string {
	base := strings.ToLower(strings.Join(strings.Fields(displayName), "_"))
	if base == "" {
		local, _, _ := strings.Cut(email, "@")
		base = strings.ToLower(local)
	}

	base = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' {
			return r
		}
		return -1
	}, base)

	if r := []rune(base); len(r) > maxUsernameBase {
		base = string(r[:maxUsernameBase])
	}
	if len([]rune(base)) < 3 {
		base = "user_" + base
	}
	return base
}

// applyIdentity copies the provider's latest answer onto a link.
func applyIdentity(link *model.OAuthLink, id *auth.ExternalIdentity) {
	link.ProviderEmail = NormalizeEmail(id.Email)
	link.ProviderName = id.DisplayName
	link.ProviderAvatar = id.AvatarURL
	link.AccessToken = id.AccessToken
	link.RefreshToken = id.RefreshToken
}
