package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestCtxKey    struct{}
	roleCtxKey       struct{}
	invocationCtxKey struct{}
	loggerCtxKey     struct{}
)

// maxIDLen caps correlation values copied into every log line.
const maxIDLen = 128

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	if v := RoleFromContext(ctx); v != "" {
		fields = append(fields, zap.String("policy.role", v))
	}
	if v := InvocationIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("tool.invocation_id", v))
	}
	return fields
}

func clip(s string) string {
	if len(s) > maxIDLen {
		return s[:maxIDLen]
	}
	return s
}

// WithRequestID adds the gateway request ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, clip(id))
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestCtxKey{}).(string)
	return v
}

// WithRole adds the caller's policy role to ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleCtxKey{}, clip(role))
}

// RoleFromContext returns the policy role or "".
func RoleFromContext(ctx context.Context) string {
	v, _ := ctx.Value(roleCtxKey{}).(string)
	return v
}

// WithInvocationID adds a tool invocation ID to ctx.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationCtxKey{}, clip(id))
}

// InvocationIDFromContext returns the tool invocation ID or "".
func InvocationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(invocationCtxKey{}).(string)
	return v
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
