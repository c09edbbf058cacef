package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
)

var _ repository.OAuthRepository = (*DB)(nil)

const oauthLinkColumns = `id, user_id, provider, provider_user_id, provider_email, provider_name,
	provider_avatar, access_token, refresh_token, created_at, updated_at`

// GetOAuthLink finds the link for one external identity.
// Returns apperror.ErrNotFound when this identity has never logged in.
func (db *DB) GetOAuthLink(ctx context.Context, provider model.Provider, providerUserID string) (*model.OAuthLink, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+oauthLinkColumns+` FROM oauth_links WHERE provider = ? AND provider_user_id = ?`,
		provider, providerUserID)

	link, err := scanOAuthLink(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("oauth link", string(provider)+":"+providerUserID)
		}
		return nil, fmt.Errorf("sqlite: getting oauth link %s/%s: %w", provider, providerUserID, err)
	}
	return link, nil
}

// ListOAuthLinks returns every provider linked to a user, oldest first.
func (db *DB) ListOAuthLinks(ctx context.Context, userID int64) ([]model.OAuthLink, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+oauthLinkColumns+` FROM oauth_links WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing oauth links for user %d: %w", userID, err)
	}
	defer rows.Close()

	links := make([]model.OAuthLink, 0, len(model.Providers))
	for rows.Next() {
		link, err := scanOAuthLink(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning oauth link: %w", err)
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating oauth links: %w", err)
	}
	return links, nil
}

// CreateOAuthLink attaches an external identity to an existing user.
func (db *DB) CreateOAuthLink(ctx context.Context, link *model.OAuthLink) error {
	return insertOAuthLink(ctx, db.conn, link)
}

// RefreshOAuthLink stores the latest tokens and profile snapshot the
// provider returned for an identity that is already linked.
func (db *DB) RefreshOAuthLink(ctx context.Context, link *model.OAuthLink) error {
	link.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE oauth_links
		 SET provider_email = ?, provider_name = ?, provider_avatar = ?,
		     access_token = ?, refresh_token = ?, updated_at = ?
		 WHERE id = ?`,
		link.ProviderEmail,
		link.ProviderName,
		link.ProviderAvatar,
		link.AccessToken,
		link.RefreshToken,
		link.UpdatedAt,
		link.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: refreshing oauth link %d: %w", link.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("oauth link", fmt.Sprint(link.ID))
	}
	return nil
}

// CreateUserWithOAuthLink provisions a brand-new account for a first-time
// OAuth login.
//
// TRANSACTIONS:
// BeginTx grabs a connection and everything run through tx uses it. If any
// step fails we return early and the deferred Rollback undoes the lot.
// After a successful Commit, Rollback is a no-op (it returns ErrTxDone,
// which we ignore).
//
// Do NOT touch db.conn while tx is open: the pool has exactly one
// connection and tx is holding it.
func (db *DB) CreateUserWithOAuthLink(ctx context.Context, user *model.User, link *model.OAuthLink) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertUser(ctx, tx, user); err != nil {
		return err
	}

	link.UserID = user.ID
	if err := insertOAuthLink(ctx, tx, link); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing user and oauth link: %w", err)
	}
	return nil
}

func insertOAuthLink(ctx context.Context, ex execer, link *model.OAuthLink) error {
	now := time.Now().UTC()
	link.CreatedAt = now
	link.UpdatedAt = now

	res, err := ex.ExecContext(ctx,
		`INSERT INTO oauth_links (user_id, provider, provider_user_id, provider_email, provider_name,
		                          provider_avatar, access_token, refresh_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.UserID,
		link.Provider,
		link.ProviderUserID,
		link.ProviderEmail,
		link.ProviderName,
		link.ProviderAvatar,
		link.AccessToken,
		link.RefreshToken,
		link.CreatedAt,
		link.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oauthLinkConflict()
		}
		return fmt.Errorf("sqlite: inserting oauth link %s/%s: %w", link.Provider, link.ProviderUserID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading new oauth link id: %w", err)
	}
	link.ID = id
	return nil
}

func scanOAuthLink(s scanner) (*model.OAuthLink, error) {
	var link model.OAuthLink
	err := s.Scan(
		&link.ID,
		&link.UserID,
		&link.Provider,
		&link.ProviderUserID,
		&link.ProviderEmail,
		&link.ProviderName,
		&link.ProviderAvatar,
		&link.AccessToken,
		&link.RefreshToken,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &link, nil
}
