// Package model defines the data structures used throughout the application.
package model

import "time"

// Role is the coarse permission level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents a registered account, whether it was created through the
// register form, by an administrator, or provisioned on first OAuth login.
//
// WHY int64 IDs?
// Other parts of the platform (courses, quiz attempts, forum posts) reference
// users by the numeric id the database assigns. Keeping INTEGER PRIMARY KEY
// means SQLite uses the rowid directly.
//
// WHY is PasswordHash tagged json:"-"?
// The hash must never leave the process. OAuth-provisioned users still have
// one (a random placeholder) so every row satisfies NOT NULL.
type User struct {
	ID                int64      `json:"id"                  db:"id"`
	Username          string     `json:"username"            db:"username"`
	Email             string     `json:"email"               db:"email"` // always lower-cased
	PasswordHash      string     `json:"-"                   db:"password_hash"`
	Role              Role       `json:"role"                db:"role"`
	Bio               *string    `json:"bio"                 db:"bio"`
	ProfilePictureURL *string    `json:"profile_picture_url" db:"profile_picture_url"`
	CreatedAt         time.Time  `json:"created_at"          db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"          db:"updated_at"`
	LastLogin         *time.Time `json:"last_login"          db:"last_login"` // nil until the first login
}

// IsAdmin reports whether the user may use the administration surface.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserStats is the aggregate shown on the admin dashboard.
type UserStats struct {
	TotalUsers      int              `json:"total_users"`
	AdminUsers      int              `json:"admin_users"`
	OAuthUsers      int              `json:"oauth_users"` // users with at least one linked provider
	LinksByProvider map[Provider]int `json:"links_by_provider"`
}
