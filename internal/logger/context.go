package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with the enriched context.
type LogFields struct {
	Component      string // e.g. "inbox.timeline"
	UserID         string
	ConversationID string
	Event          string
}

// WithLogFields merges fields into ctx; non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	if fields.UserID != "" {
		merged.UserID = fields.UserID
	}
	if fields.ConversationID != "" {
		merged.ConversationID = fields.ConversationID
	}
	if fields.Event != "" {
		merged.Event = fields.Event
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// Truncate shortens s to maxLen bytes for logging message bodies.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
