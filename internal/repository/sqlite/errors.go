package sqlite

import (
	"errors"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/code-aura/internal/apperror"
)

// isUniqueViolation reports whether err is SQLite refusing a write because
// it would duplicate a UNIQUE or PRIMARY KEY column.
//
// The extended result codes are stable across SQLite versions, unlike the
// text of the message, so we match on those first.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// userConflict translates a unique violation on the users table into the
// Conflict error the API reports. The message names the column, e.g.
// "UNIQUE constraint failed: users.email".
func userConflict(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "users.email"):
		return apperror.Conflict("email", "Email already registered")
	case strings.Contains(msg, "users.username"):
		return apperror.Conflict("username", "Username already taken")
	default:
		return apperror.Conflict("", "User already exists")
	}
}

func oauthLinkConflict() error {
	return apperror.Conflict("provider_user_id", "This provider account is already linked to a user")
}
