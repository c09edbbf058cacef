package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/repository"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	recentUsers    = 5
)

// AdminService backs the /api/admin surface and the createadmin command.
// Callers are expected to have passed the RequireAdmin gate already.
type AdminService struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	logger    *slog.Logger
}

func NewAdminService(users repository.UserRepository, passwords *auth.PasswordService, logger *slog.Logger) *AdminService {
	return &AdminService{users: users, passwords: passwords, logger: logger}
}

// Dashboard is the admin landing page payload.
type Dashboard struct {
	Stats  *model.UserStats
	Recent []model.User
}

func (s *AdminService) Dashboard(ctx context.Context) (*Dashboard, error) {
	stats, err := s.users.UserStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/admin: %w", err)
	}
	recent, err := s.users.RecentUsers(ctx, recentUsers)
	if err != nil {
		return nil, fmt.Errorf("service/admin: %w", err)
	}
	return &Dashboard{Stats: stats, Recent: recent}, nil
}

// UserPage is one page of the user list plus the numbers a pager needs.
type UserPage struct {
	Users   []model.User
	Page    int
	PerPage int
	Pages   int
	Total   int
	HasNext bool
	HasPrev bool
}

// ListUsers returns page (1-based) of perPage users. Out-of-range values are
// clamped rather than rejected.
func (s *AdminService) ListUsers(ctx context.Context, page, perPage int) (*UserPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	total, err := s.users.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/admin: %w", err)
	}

	users, err := s.users.ListUsers(ctx, repository.ListOptions{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		return nil, fmt.Errorf("service/admin: %w", err)
	}

	pages := (total + perPage - 1) / perPage
	return &UserPage{
		Users:   users,
		Page:    page,
		PerPage: perPage,
		Pages:   pages,
		Total:   total,
		HasNext: page < pages,
		HasPrev: page > 1,
	}, nil
}

// AdminUserUpdate is a partial update; nil fields are left unchanged.
type AdminUserUpdate struct {
	Username          *string
	Email             *string
	Role              *model.Role
	Bio               *string
	ProfilePictureURL *string
	Password          *string
}

func (s *AdminService) UpdateUser(ctx context.Context, id int64, upd AdminUserUpdate) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/admin: %w", err)
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
	if upd.Email != nil {
		email := NormalizeEmail(*upd.Email)
		if email == "" {
			return nil, apperror.ValidationFailed("email", "email must not be empty")
		}
		if email != user.Email {
			if err := ensureEmailFree(ctx, s.users, email); err != nil {
				return nil, err
			}
		}
		user.Email = email
	}
	if upd.Role != nil {
		if !upd.Role.Valid() {
			return nil, apperror.ValidationFailed("role", "role must be one of: user, admin")
		}
		user.Role = *upd.Role
	}
	if upd.Bio != nil {
		user.Bio = emptyToNil(*upd.Bio)
	}
	if upd.ProfilePictureURL != nil {
		user.ProfilePictureURL = emptyToNil(*upd.ProfilePictureURL)
	}
	if upd.Password != nil && *upd.Password != "" {
		hash, err := s.passwords.Hash(*upd.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service/admin: updating user %d: %w", id, err)
	}

	s.logger.Info("user updated by admin", slog.Int64("user_id", id))
	return user, nil
}

// DeleteUser removes an account. Admins cannot delete themselves, which
// also guarantees the last admin can never lock everyone out this way.
func (s *AdminService) DeleteUser(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return apperror.Forbidden("Cannot delete your own account")
	}
	if err := s.users.DeleteUser(ctx, id); err != nil {
		return fmt.Errorf("service/admin: deleting user %d: %w", id, err)
	}
	s.logger.Info("user deleted by admin",
		slog.Int64("user_id", id),
		slog.Int64("actor_id", actorID),
	)
	return nil
}

// CreateAdmin creates a new account with role admin.
func (s *AdminService) CreateAdmin(ctx context.Context, in RegisterInput) (*model.User, error) {
	user, err := createLocalUser(ctx, s.users, s.passwords, in, model.RoleAdmin)
	if err != nil {
		return nil, err
	}
	s.logger.Info("admin created", slog.Int64("user_id", user.ID), slog.String("username", user.Username))
	return user, nil
}

// EnsureAdmin is the bootstrap path used by the createadmin command.
//
// If an account with this email or username exists it is promoted to admin
// and its password reset; otherwise a new admin is created. created reports
// which of the two happened.
func (s *AdminService) EnsureAdmin(ctx context.Context, in RegisterInput) (user *model.User, created bool, err error) {
	username, err := cleanUsername(in.Username)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.findByEmailOrUsername(ctx, NormalizeEmail(in.Email), username)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		user, err := s.CreateAdmin(ctx, in)
		return user, err == nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, false, err
	}
	existing.PasswordHash = hash
	existing.Role = model.RoleAdmin

	if err := s.users.UpdateUser(ctx, existing); err != nil {
		return nil, false, fmt.Errorf("service/admin: promoting user %d: %w", existing.ID, err)
	}

	s.logger.Info("existing user promoted to admin", slog.Int64("user_id", existing.ID))
	return existing, false, nil
}

func (s *AdminService) findByEmailOrUsername(ctx context.Context, email, username string) (*model.User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/admin: %w", err)
	}

	user, err = s.users.GetUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/admin: %w", err)
	}
	return nil, nil
}
