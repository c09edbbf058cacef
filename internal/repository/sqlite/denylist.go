package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/sakif/code-aura/internal/repository"
)

var _ repository.TokenDenylist = (*DB)(nil)

// Revoke records a token id as revoked. Rows whose token has expired on its
// own are purged on the way in, so the table only ever holds tokens that
// could still verify.
func (db *DB) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	now := time.Now()
	if !expiresAt.After(now) {
		return nil
	}

	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at <= ?`, now.Unix(),
	); err != nil {
		return fmt.Errorf("sqlite: purging expired revocations: %w", err)
	}

	if _, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_tokens (jti, expires_at) VALUES (?, ?)`,
		tokenID, expiresAt.Unix(),
	); err != nil {
		return fmt.Errorf("sqlite: revoking token: %w", err)
	}
	return nil
}

func (db *DB) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = ?)`, tokenID,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking revocation: %w", err)
	}
	return revoked, nil
}
