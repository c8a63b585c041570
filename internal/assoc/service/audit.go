package service

import (
	"context"
	"log/slog"
)

// AuditEvent records a security-relevant action for later review.
type AuditEvent struct {
	Action  string // e.g. "2fa.enable", "2fa.admin_force_disable"
	UserID  string // subject of the action
	ActorID string // who performed it; empty when same as UserID
	Success bool
	Detail  string
}

// AuditSink receives security audit events. Implementations must not
// block the calling request path for long.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// SlogAuditSink writes audit events to the structured log. Good enough
// until a dedicated audit store is warranted.
type SlogAuditSink struct {
	Logger *slog.Logger
}

func (s *SlogAuditSink) Record(ctx context.Context, event AuditEvent) {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}

	actor := event.ActorID
	if actor == "" {
		actor = event.UserID
	}

	s.Logger.LogAttrs(ctx, level, "audit",
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.String("actor_id", actor),
		slog.Bool("success", event.Success),
		slog.String("detail", event.Detail),
	)
}

// NopAuditSink discards events; used in tests.
type NopAuditSink struct{}

func (NopAuditSink) Record(ctx context.Context, event AuditEvent) {}
