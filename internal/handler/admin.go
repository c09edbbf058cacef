package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-aura/internal/apperror"
	"github.com/sakif/code-aura/internal/auth"
	"github.com/sakif/code-aura/internal/model"
	"github.com/sakif/code-aura/internal/service"
)

// minPasswordLength mirrors the `min=6` tag on the self-service endpoints.
const minPasswordLength = 6

// AdminHandler serves /api/admin. Every route is mounted behind RequireAuth
// and RequireAdmin, so handlers can assume an admin caller.
type AdminHandler struct {
	service *service.AdminService
	logger  *slog.Logger
}

func NewAdminHandler(svc *service.AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: svc, logger: logger}
}

type adminUpdateRequest struct {
	Username          *string `json:"username"            validate:"omitempty,min=3,max=50"`
	Email             *string `json:"email"               validate:"omitempty,email,max=120"`
	Role              *string `json:"role"                validate:"omitempty,oneof=user admin"`
	Bio               *string `json:"bio"                 validate:"omitempty,max=500"`
	ProfilePictureURL *string `json:"profile_picture_url" validate:"omitempty,max=500"`
	Password          *string `json:"password"            validate:"omitempty,max=72"`
}

type createAdminRequest struct {
	Username          string  `json:"username"            validate:"required,min=3,max=50"`
	Email             string  `json:"email"               validate:"required,email,max=120"`
	Password          string  `json:"password"            validate:"required,min=6,max=72"`
	Bio               *string `json:"bio"                 validate:"omitempty,max=500"`
	ProfilePictureURL *string `json:"profile_picture_url" validate:"omitempty,max=500"`
}

// Pagination mirrors service.UserPage without the rows.
type Pagination struct {
	Page    int  `json:"page"`
	Pages   int  `json:"pages"`
	PerPage int  `json:"per_page"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
	HasPrev bool `json:"has_prev"`
}

// HandleDashboard returns user statistics and the newest accounts.
//
// HTTP: GET /api/admin/dashboard
func (h *AdminHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Dashboard(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"statistics":   d.Stats,
		"recent_users": d.Recent,
	})
}

// HandleListUsers returns one page of users.
//
// HTTP: GET /api/admin/users?page=1&per_page=20
// Malformed numbers fall back to the defaults rather than failing.
func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 0)

	p, err := h.service.ListUsers(r.Context(), page, perPage)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": p.Users,
		"pagination": Pagination{
			Page:    p.Page,
			Pages:   p.Pages,
			PerPage: p.PerPage,
			Total:   p.Total,
			HasNext: p.HasNext,
			HasPrev: p.HasPrev,
		},
	})
}

// HandleUpdateUser edits any account.
//
// HTTP: PUT /api/admin/users/{id}
// An empty "password" leaves the password unchanged.
func (h *AdminHandler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req adminUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	upd := service.AdminUserUpdate{
		Username:          req.Username,
		Email:             req.Email,
		Bio:               req.Bio,
		ProfilePictureURL: req.ProfilePictureURL,
	}
	if req.Role != nil {
		role := model.Role(*req.Role)
		upd.Role = &role
	}
	if req.Password != nil && *req.Password != "" {
		if utf8.RuneCountInString(*req.Password) < minPasswordLength {
			writeError(w, h.logger, apperror.ValidationFailed("password", "password must be at least 6 characters"))
			return
		}
		upd.Password = req.Password
	}

	user, err := h.service.UpdateUser(r.Context(), id, upd)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User updated successfully",
		"user":    user,
	})
}

// HandleDeleteUser removes an account and its linked providers.
//
// HTTP: DELETE /api/admin/users/{id}
// 403 when an admin targets their own account.
func (h *AdminHandler) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	actorID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("Authentication required"))
		return
	}

	if err := h.service.DeleteUser(r.Context(), actorID, id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "User deleted successfully"})
}

// HandleCreateAdmin creates another administrator.
//
// HTTP: POST /api/admin/create-admin
func (h *AdminHandler) HandleCreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := h.service.CreateAdmin(r.Context(), service.RegisterInput{
		Username:          req.Username,
		Email:             req.Email,
		Password:          req.Password,
		Bio:               req.Bio,
		ProfilePictureURL: req.ProfilePictureURL,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Admin user created successfully",
		"user":    user,
	})
}

func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.ValidationFailed("id", "id must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}
