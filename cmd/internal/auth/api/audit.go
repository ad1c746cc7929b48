package authapi

import (
	"context"
	"log/slog"
	"net"
	"strings"
)

// Audit records are structured log lines under the "audit" group; shipping
// them to durable storage is the log pipeline's job.

func (h *Handler) auditAccountCreated(ctx context.Context, accountID string, ip net.IP, ua string) {
	h.audit(ctx, "account.created", accountID, "", ip, ua)
}

func (h *Handler) auditAccountDeleted(ctx context.Context, accountID string, ip net.IP, ua string, reason string) {
	h.audit(ctx, "account.deleted", accountID, "", ip, ua, slog.String("reason", reason))
}

func (h *Handler) auditSessionCreated(ctx context.Context, accountID, sessionID string, ip net.IP, ua string) {
	h.audit(ctx, "session.created", accountID, sessionID, ip, ua)
}

func (h *Handler) auditSessionRejected(ctx context.Context, accountID string, ip net.IP, ua string, reason string) {
	h.audit(ctx, "session.rejected", accountID, "", ip, ua, slog.String("reason", reason))
}

func (h *Handler) auditLogout(ctx context.Context, accountID, sessionID string, ip net.IP, ua string) {
	h.audit(ctx, "session.logout", accountID, sessionID, ip, ua)
}

func (h *Handler) auditRateLimited(ctx context.Context, route string, ip net.IP, ua string) {
	h.audit(ctx, "rate_limited", "", "", ip, ua, slog.String("route", route))
}

func (h *Handler) audit(ctx context.Context, action, accountID, sessionID string, ip net.IP, ua string, extra ...slog.Attr) {
	if h == nil || h.log == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	attrs := make([]any, 0, 6+len(extra))
	attrs = append(attrs, slog.String("action", action))
	if accountID != "" {
		attrs = append(attrs, slog.String("account_id", accountID))
	}
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if ip != nil {
		attrs = append(attrs, slog.String("ip", ip.String()))
	}
	if ua = strings.TrimSpace(ua); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	for _, a := range extra {
		attrs = append(attrs, a)
	}
	h.log.InfoContext(ctx, "api.audit", slog.Group("audit", attrs...))
}
