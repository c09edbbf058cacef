// Package repository declares the persistence contracts the services depend
// on. Implementations live in sub-packages (sqlite, redis).
package repository

import (
	"context"
	"time"

	"github.com/sakif/code-aura/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// UserRepository is the user half of the credential store.
//
// Lookups return an error wrapping apperror.ErrNotFound when nothing matches.
// Writes that would break username/email uniqueness return an error wrapping
// apperror.ErrConflict. Emails are expected lower-cased by the caller.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UpdateUser(ctx context.Context, user *model.User) error
	TouchLastLogin(ctx context.Context, id int64, at time.Time) error
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context, opts ListOptions) ([]model.User, error)
	RecentUsers(ctx context.Context, limit int) ([]model.User, error)
	CountUsers(ctx context.Context) (int, error)
	UserStats(ctx context.Context) (*model.UserStats, error)
}

// OAuthRepository is the OAuth-link half of the credential store.
type OAuthRepository interface {
	GetOAuthLink(ctx context.Context, provider model.Provider, providerUserID string) (*model.OAuthLink, error)
	ListOAuthLinks(ctx context.Context, userID int64) ([]model.OAuthLink, error)
	CreateOAuthLink(ctx context.Context, link *model.OAuthLink) error
	RefreshOAuthLink(ctx context.Context, link *model.OAuthLink) error

	// CreateUserWithOAuthLink inserts a new user and its first link in one
	// transaction. Either both rows exist afterwards or neither does.
	CreateUserWithOAuthLink(ctx context.Context, user *model.User, link *model.OAuthLink) error
}

// TokenDenylist records revoked session tokens by their jti until they would
// have expired anyway.
type TokenDenylist interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
