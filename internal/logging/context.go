package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	instanceIDKey ctxKey = iota
	ticketIDKey
	agentIDKey
)

// correlationAttrs lists the context keys copied onto log records, in output order.
var correlationAttrs = []struct {
	key  ctxKey
	attr string
}{
	{instanceIDKey, "instance_id"},
	{ticketIDKey, "ticket_id"},
	{agentIDKey, "agent_id"},
}

// WithInstanceID returns a context carrying a workflow instance ID.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithTicketID returns a context carrying a ticket ID.
func WithTicketID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ticketIDKey, id)
}

// WithAgentID returns a context carrying an agent ID.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string { return lookup(ctx, instanceIDKey) }

// TicketID extracts the ticket ID from the context, or "" if absent.
func TicketID(ctx context.Context) string { return lookup(ctx, ticketIDKey) }

// AgentID extracts the agent ID from the context, or "" if absent.
func AgentID(ctx context.Context) string { return lookup(ctx, agentIDKey) }

func lookup(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithIDs sets the instance, ticket and agent IDs at once. Empty values are skipped.
func WithIDs(ctx context.Context, instanceID, ticketID, agentID string) context.Context {
	if instanceID != "" {
		ctx = WithInstanceID(ctx, instanceID)
	}
	if ticketID != "" {
		ctx = WithTicketID(ctx, ticketID)
	}
	if agentID != "" {
		ctx = WithAgentID(ctx, agentID)
	}
	return ctx
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs
// from the context into every record. Callers use logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, c := range correlationAttrs {
		if v := lookup(ctx, c.key); v != "" {
			r.AddAttrs(slog.String(c.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger with correlation injection. It writes text when text
// is set and JSON otherwise.
func New(w io.Writer, level slog.Leveler, text bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler = slog.NewJSONHandler(w, opts)
	if text {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
