package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/pelusa-v/pelusa-inbox/internal/config"
)

// Setup installs the process-wide default logger.
func Setup(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogLevel == "" && cfg.IsDevelopment() {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = NewContextHandler(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		handler = NewContextHandler(slog.NewTextHandler(os.Stderr, opts))
	}

	slog.SetDefault(slog.New(handler))
}

// Or returns l, or the default logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ContextHandler adds the fields stored with WithLogFields to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := GetLogFields(ctx)
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	if fields.UserID != "" {
		r.AddAttrs(slog.String("user_id", fields.UserID))
	}
	if fields.ConversationID != "" {
		r.AddAttrs(slog.String("conversation_id", fields.ConversationID))
	}
	if fields.Event != "" {
		r.AddAttrs(slog.String("event", fields.Event))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
