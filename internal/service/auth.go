// Package service: authentication business logic.
//
// AuthService is the business logic layer for local (email + password)
// accounts. It sits between the HTTP handlers and the repository/auth
// utilities:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ TokenService (JWT)
//	                   ↘ PasswordService (bcrypt)
//
// WHAT THIS LAYER DOES NOT DO:
//   - It does NOT read HTTP requests or write responses
//   - It is NOT tied to chi or any routing framework
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
)

// invalidCredentials is deliberately the same for "no such email" and
// "wrong password".
const invalidCredentials = "Invalid credentials"

// AuthService handles registration, login and self-service account changes.
type AuthService struct {
	users     repository.UserRepository
	links     repository.OAuthRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthService creates an AuthService with all required dependencies.
// Call this in server.go when wiring the dependency graph.
func NewAuthService(
	users repository.UserRepository,
	links repository.OAuthRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		links:     links,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
		now:       time.Now,
	}
}

// AuthResult is returned by every operation that signs somebody in.
// It bundles the user record and the issued token so the handler can
// respond in one step.
type AuthResult struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
}

// RegisterInput is a validated registration request.
type RegisterInput struct {
	Username          string
	Email             string
	Password          string
	Bio               *string
	ProfilePictureURL *string
}

// Register creates a local account with role "user" and signs it in.
//
// Taken usernames/emails are checked up front for a clear message; the
// database's unique indexes still catch a concurrent registration that
// slips between the check and the insert.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	user, err := createLocalUser(ctx, s.users, s.passwords, in, model.RoleUser)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered",
		slog.Int64("user_id", user.ID),
		slog.String("username", user.Username),
	)

	return s.issue(user)
}

// Login checks an email/password pair and updates last_login.
//
// Unknown email and wrong password produce the same Unauthorized error and
// take about the same time (VerifyDummy), so the endpoint cannot be used to
// discover which emails are registered.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.users.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.passwords.VerifyDummy(password)
			return nil, apperror.Unauthorized(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: looking up user: %w", err)
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Info("login failed", slog.Int64("user_id", user.ID))
			return nil, apperror.Unauthorized(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: verifying password for user %d: %w", user.ID, err)
	}

	if err := s.touchLastLogin(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.Int64("user_id", user.ID))

	return s.issue(user)
}

// ProfileResult is a user plus the external accounts linked to it.
type ProfileResult struct {
	User  *model.User
	Links []model.OAuthLink
}

// Profile returns the caller's own account and linked providers.
func (s *AuthService) Profile(ctx context.Context, userID int64) (*ProfileResult, error) {
	user, err := s.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	links, err := s.links.ListOAuthLinks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: listing oauth links for user %d: %w", userID, err)
	}

	return &ProfileResult{User: user, Links: links}, nil
}

// ProfileUpdate carries the self-editable fields. nil means "leave as is";
// a pointer to "" clears an optional field.
type ProfileUpdate struct {
	Username          *string
	Bio               *string
	ProfilePictureURL *string
}

// UpdateProfile applies a partial update to the caller's own account.
// Role and email are not self-editable.
func (s *AuthService) UpdateProfile(ctx context.Context, userID int64, upd ProfileUpdate) (*model.User, error) {
	user, err := s.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.Username != nil {
		name, err := cleanUsername(*upd.Username)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(name, user.Username) {
			if err := ensureUsernameFree(ctx, s.users, name); err != nil {
				return nil, err
			}
		}
		user.Username = name
	}
	if upd.Bio != nil {
		user.Bio = emptyToNil(*upd.Bio)
	}
	if upd.ProfilePictureURL != nil {
		user.ProfilePictureURL = emptyToNil(*upd.ProfilePictureURL)
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: updating user %d: %w", userID, err)
	}

	s.logger.Info("profile updated", slog.Int64("user_id", userID))
	return user, nil
}

// ChangePassword replaces the caller's password after checking the old one.
// A wrong old password is a validation error (400), not 401: the caller is
// authenticated, they just typed the wrong thing.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	user, err := s.account(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.passwords.Verify(user.PasswordHash, oldPassword); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return apperror.ValidationFailed("old_password", "Current password is incorrect")
		}
		return fmt.Errorf("service/auth: verifying password for user %d: %w", userID, err)
	}

	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("service/auth: updating password for user %d: %w", userID, err)
	}

	s.logger.Info("password changed", slog.Int64("user_id", userID))
	return nil
}

// Logout revokes the token the caller authenticated with.
func (s *AuthService) Logout(ctx context.Context, claims *auth.Claims) error {
	if err := s.tokens.Revoke(ctx, claims); err != nil {
		return fmt.Errorf("service/auth: %w", err)
	}
	s.logger.Info("user logged out", slog.Int64("user_id", claims.UserID))
	return nil
}

// account loads the caller's own record. A token that outlived its
// account is an authentication failure, the same answer RequireAdmin gives.
func (s *AuthService) account(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("account no longer exists")
		}
		return nil, fmt.Errorf("service/auth: fetching user %d: %w", userID, err)
	}
	return user, nil
}

func (s *AuthService) touchLastLogin(ctx context.Context, user *model.User) error {
	at := s.now().UTC()
	if err := s.users.TouchLastLogin(ctx, user.ID, at); err != nil {
		return fmt.Errorf("service/auth: updating last login for user %d: %w", user.ID, err)
	}
	user.LastLogin = &at
	return nil
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing token for user %d: %w", user.ID, err)
	}
	return &AuthResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

// =========================================================================
// SHARED HELPERS (used by AuthService, AdminService and OAuthService)
// =========================================================================

// NormalizeEmail is applied to every email before it is stored or looked up.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// createLocalUser validates uniqueness, hashes the password and inserts.
func createLocalUser(
	ctx context.Context,
	users repository.UserRepository,
	passwords *auth.PasswordService,
	in RegisterInput,
	role model.Role,
) (*model.User, error) {
	username, err := cleanUsername(in.Username)
	if err != nil {
		return nil, err
	}
	email := NormalizeEmail(in.Email)

	if err := ensureEmailFree(ctx, users, email); err != nil {
		return nil, err
	}
	if err := ensureUsernameFree(ctx, users, username); err != nil {
		return nil, err
	}

	hash, err := passwords.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	}
	if in.Bio != nil {
		user.Bio = emptyToNil(*in.Bio)
	}
	if in.ProfilePictureURL != nil {
		user.ProfilePictureURL = emptyToNil(*in.ProfilePictureURL)
	}

	if err := users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service: creating user %q: %w", username, err)
	}
	return user, nil
}

// Username length limits, counted in characters after trimming.
const (
	minUsernameLen = 3
	maxUsernameLen = 50
)

// cleanUsername trims surrounding whitespace and checks the length of what
// is left, so "   " or " a " cannot slip past a length rule applied to the
// raw input.
func cleanUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		return "", apperror.ValidationFailed("username", "username must not be empty")
	case n < minUsernameLen:
		return "", apperror.ValidationFailed("username",
			fmt.Sprintf("username must be at least %d characters", minUsernameLen))
	case n > maxUsernameLen:
		return "", apperror.ValidationFailed("username",
			fmt.Sprintf("username must be at most %d characters", maxUsernameLen))
	}
	return name, nil
}

func ensureEmailFree(ctx context.Context, users repository.UserRepository, email string) error {
	_, err := users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return apperror.Conflict("email", "Email already registered")
	case errors.Is(err, apperror.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("service: checking email: %w", err)
	}
}

func ensureUsernameFree(ctx context.Context, users repository.UserRepository, username string) error {
	taken, err := users.UsernameExists(ctx, username)
	if err != nil {
		return fmt.Errorf("service: checking username: %w", err)
	}
	if taken {
		return apperror.Conflict("username", "Username already taken")
	}
	return nil
}

func emptyToNil(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
