package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
//
// Every log entry carries the OpenTelemetry trace ids when a span is
// active, plus the workflow correlation id, actor id, and specification id
// when present. Handlers set these once at the boundary; everything below
// inherits them for free.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation.id", correlationID))
	}
	if actorID := ActorIDFromContext(ctx); actorID != "" {
		fields = append(fields, zap.String("actor.id", actorID))
	}
	if specID := SpecificationIDFromContext(ctx); specID != "" {
		fields = append(fields, zap.String("specification.id", specID))
	}

	return fields
}

// Context key types
type correlationCtxKey struct{}
type actorCtxKey struct{}
type specificationCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a correlation, actor, or specification ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(correlationCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithCorrelationID adds a correlation ID to context.
// Panics if the ID is empty or contains invalid characters.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if err := validateID(correlationID, "correlationID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, correlationCtxKey{}, correlationID)
}

// ActorIDFromContext extracts the actor ID from context.
func ActorIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(actorCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithActorID adds an actor ID to context.
// Panics if the ID is empty or contains invalid characters.
func WithActorID(ctx context.Context, actorID string) context.Context {
	if err := validateID(actorID, "actorID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, actorCtxKey{}, actorID)
}

// SpecificationIDFromContext extracts the specification ID from context.
func SpecificationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(specificationCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSpecificationID adds a specification ID to context.
// Panics if the ID is empty or contains invalid characters.
func WithSpecificationID(ctx context.Context, specID string) context.Context {
	if err := validateID(specID, "specificationID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, specificationCtxKey{}, specID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
