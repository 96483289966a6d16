package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across the engine.
const (
	// Identity and context
	FieldRequestID   = "request_id"
	FieldExecutionID = "execution_id"

	// Components
	FieldComponent = "component"

	// Templates
	FieldTemplate        = "template"
	FieldTemplateID      = "template_id"
	FieldTemplateVersion = "template_version"

	// Routing
	FieldProvider  = "provider"
	FieldModel     = "model"
	FieldSelection = "selection"
	FieldRequested = "requested_model"

	// Cache
	FieldCacheKey = "cache_key"
	FieldCacheHit = "cache_hit"

	// Calls
	FieldAttempt    = "attempt"
	FieldDurationMS = "duration_ms"
	FieldTokens     = "tokens"
	FieldStatus     = "status"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Files
	FieldFile = "file"
	FieldPath = "path"
)

type contextKey string

const requestIDKey contextKey = "logger_request_id"

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggerFromContext returns base (or the global logger when base is nil)
// annotated with the request ID carried by ctx.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	if id := RequestIDFromContext(ctx); id != "" {
		return base.With(FieldRequestID, id)
	}
	return base
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
