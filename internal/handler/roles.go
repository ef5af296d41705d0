package handler

import (
	"net/http"

	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
)

type createRoleRequest struct {
	Name string `json:"name"`
}

type createInvitationRequest struct {
	Roles []string `json:"roles"`
}

// ListRoles handles GET /api/roles
func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.admin.ListRoles(r.Context())
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// CreateRole handles POST /api/roles
func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	role, err := h.admin.CreateRole(r.Context(), req.Name)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

// DeleteRole handles DELETE /api/roles/{id}
func (h *AdminHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.DeleteRole(r.Context(), r.PathValue("id")); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateInvitation handles POST /api/invitations
func (h *AdminHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if r.ContentLength != 0 {
		if err := httpx.Decode(w, r, &req); err != nil {
			httpx.Error(w, r, h.logger, err)
			return
		}
	}
	inv, err := h.admin.CreateInvitation(r.Context(), req.Roles)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}
