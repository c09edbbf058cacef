package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, password_hash, role, bio, profile_picture_url,
	created_at, updated_at, last_login`

// CreateUser inserts a new user and fills in its ID and timestamps.
//
// UNIQUENESS IS THE DATABASE'S JOB:
// Services check for a taken username/email first so they can return a
// friendly message, but two concurrent registrations can both pass that
// check. The UNIQUE indexes make exactly one INSERT win; the loser gets
// apperror.ErrConflict from here.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	return insertUser(ctx, db.conn, user)
}

func insertUser(ctx context.Context, ex execer, user *model.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Role == "" {
		user.Role = model.RoleUser
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, role, bio, profile_picture_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Role,
		nullString(user.Bio),
		nullString(user.ProfilePictureURL),
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return userConflict(err)
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", user.Username, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading new user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", strconv.FormatInt(id, 10))
		}
		return nil, fmt.Errorf("sqlite: getting user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail looks a user up by email. The column is COLLATE NOCASE, but
// callers still pass the normalized (lower-cased) form.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)

	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("sqlite: getting user by email: %w", err)
	}
	return u, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)

	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", username)
		}
		return nil, fmt.Errorf("sqlite: getting user by username: %w", err)
	}
	return u, nil
}

// UsernameExists is the cheap check used while deriving usernames for
// OAuth-provisioned accounts. Comparison is case-insensitive.
func (db *DB) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking username: %w", err)
	}
	return exists, nil
}

// UpdateUser overwrites every mutable column of an existing user.
func (db *DB) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE users
		 SET username = ?, email = ?, password_hash = ?, role = ?, bio = ?,
		     profile_picture_url = ?, updated_at = ?
		 WHERE id = ?`,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Role,
		nullString(user.Bio),
		nullString(user.ProfilePictureURL),
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return userConflict(err)
		}
		return fmt.Errorf("sqlite: updating user %d: %w", user.ID, err)
	}
	return expectOneRow(result, user.ID)
}

func (db *DB) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: updating last login for user %d: %w", id, err)
	}
	return expectOneRow(result, id)
}

// DeleteUser removes a user. Their oauth_links rows go with them through
// ON DELETE CASCADE.
func (db *DB) DeleteUser(ctx context.Context, id int64) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting user %d: %w", id, err)
	}
	return expectOneRow(result, id)
}

// ListUsers returns one page of users ordered by id (registration order).
func (db *DB) ListUsers(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows, limit)
}

// RecentUsers returns the newest accounts first.
func (db *DB) RecentUsers(ctx context.Context, limit int) ([]model.User, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing recent users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows, limit)
}

func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: counting users: %w", err)
	}
	return n, nil
}

// UserStats computes the admin dashboard aggregates in a handful of queries.
func (db *DB) UserStats(ctx context.Context) (*model.UserStats, error) {
	stats := &model.UserStats{LinksByProvider: make(map[model.Provider]int)}

	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN role = 'admin' THEN 1 ELSE 0 END), 0),
		        (SELECT COUNT(DISTINCT user_id) FROM oauth_links)
		 FROM users`,
	).Scan(&stats.TotalUsers, &stats.AdminUsers, &stats.OAuthUsers)
	if err != nil {
		return nil, fmt.Errorf("sqlite: computing user stats: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM oauth_links GROUP BY provider`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: counting oauth links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			provider model.Provider
			n        int
		)
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scanning oauth link count: %w", err)
		}
		stats.LinksByProvider[provider] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating oauth link counts: %w", err)
	}

	return stats, nil
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u         model.User
		bio       sql.NullString
		picture   sql.NullString
		lastLogin sql.NullTime
	)

	err := s.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&bio,
		&picture,
		&u.CreatedAt,
		&u.UpdatedAt,
		&lastLogin,
	)
	if err != nil {
		return nil, err
	}

	if bio.Valid {
		u.Bio = &bio.String
	}
	if picture.Valid {
		u.ProfilePictureURL = &picture.String
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows, capacity int) ([]model.User, error) {
	users := make([]model.User, 0, capacity)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}

// expectOneRow turns "UPDATE/DELETE matched nothing" into NotFound.
func expectOneRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
