package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aryan0dhankhar/tenantguard/internal/httpx"
	"github.com/aryan0dhankhar/tenantguard/internal/security/middleware"
	"github.com/aryan0dhankhar/tenantguard/internal/service"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	identity *service.IdentityService
	logger   *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(identity *service.IdentityService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &AuthHandler{
		identity: identity,
		logger:   logger,
	}
}

// RegisterRequest represents registration request
type RegisterRequest struct {
	TenantID   string   `json:"tenantId"`
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	Roles      []string `json:"roles"`
	Invitation string   `json:"invitation"`
}

// Register handles POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}

	in := service.RegisterInput{
		TenantID: req.TenantID,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Roles:    req.Roles,
	}

	var (
		user any
		err  error
	)
	if strings.TrimSpace(req.Invitation) != "" {
		user, err = h.identity.RegisterWithInvitation(r.Context(), req.Invitation, in)
	} else {
		user, err = h.identity.Register(r.Context(), in)
	}
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginInput
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(middleware.TenantHeader)
	}

	res, err := h.identity.Login(r.Context(), req)
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

// Logout handles POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.Logout(r.Context(), middleware.ClaimsFromContext(r.Context())); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.identity.Profile(r.Context())
	if err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

// ChangePassword handles POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req service.ChangePasswordInput
	if err := httpx.Decode(w, r, &req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	if err := h.identity.ChangePassword(r.Context(), req); err != nil {
		httpx.Error(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
