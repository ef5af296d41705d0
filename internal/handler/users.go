package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aryan0dhankhar/tenantguard/internal/apperr"
	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
)

// AdminHandler exposes user, role and invitation management
type AdminHandler struct {
	admin  *service.AdminService
	logger *slog.Logger
}

func NewAdminHandler(admin *service.AdminService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{admin: admin, logger: logger}
}

// ListUsers handles GET /api/users?offset=&limit=
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}

	users, err := h.admin.ListUsers(r.Context(), offset, limit)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users})
}

// GetUser handles GET /api/users/{id}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.admin.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

// DeactivateUser handles POST /api/users/{id}/deactivate
func (h *AdminHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeactivateUser(r.Context(), r.PathValue("id")); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID string `json:"roleId"`
}

// AssignRole handles POST /api/users/{id}/roles
func (h *AdminHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	if req.RoleID == "" {
		httpx.Error(w, r, h.logger, apperr.Validation("invalid input").WithDetail("roleId", "is required"))
		return
	}
	if err := h.admin.AssignRole(r.Context(), r.PathValue("id"), req.RoleID); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeRole handles DELETE /api/users/{id}/roles/{roleId}
func (h *AdminHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.RevokeRole(r.Context(), r.PathValue("id"), r.PathValue("roleId")); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid query").WithDetail(key, "must be a non-negative integer")
	}
	return n, nil
}
