package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/aryan0dhankhar/tenantguard/internal/infrastructure/logger"
)

// Identity events
const (
	ActionRegister       = "register"
	ActionLogin          = "login"
	ActionLogout         = "logout"
	ActionChangePassword = "change_password"
	ActionDeactivate     = "deactivate_user"
	ActionGrantRole      = "grant_role"
	ActionRevokeRole     = "revoke_role"
	ActionCreateRole     = "create_role"
	ActionDeleteRole     = "delete_role"
	ActionInvite         = "create_invitation"
	ActionAccessDenied   = "access_denied"
)

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

// LogAction records one audit line. details must never contain credentials.
func (al *Logger) LogAction(ctx context.Context, tenantID, userID, action, resource, resourceID, status, details string) {
	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("tenant_id", tenantID),
		slog.String("user_id", userID),
		slog.String("status", status),
		slog.String("details", details),
		slog.String("request_id", logger.RequestID(ctx)),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogSuccess(ctx context.Context, tenantID, userID, action, resource, resourceID string) {
	al.LogAction(ctx, tenantID, userID, action, resource, resourceID, "success", "")
}

func (al *Logger) LogFailure(ctx context.Context, tenantID, userID, action, resource, reason string) {
	al.LogAction(ctx, tenantID, userID, action, resource, "", "failure", reason)
}

func (al *Logger) LogDenied(ctx context.Context, tenantID, userID, reason string) {
	al.LogAction(ctx, tenantID, userID, ActionAccessDenied, "api", "", "denied", reason)
}
