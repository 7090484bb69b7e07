// Package logging provides structured logging for gatewayd.
//
// Logger wraps Zap with context-aware methods that inject correlation
// fields for every gateway stage:
//
//	ctx = logging.WithRequestID(ctx, req.RequestID)
//	ctx = logging.WithRole(ctx, req.Role)
//	logger.Info(ctx, "policy resolved", zap.Strings("models", rule.Models()))
//
// Output carries trace_id/span_id when an OpenTelemetry span is active,
// plus request.id, policy.role and tool.invocation_id when set.
//
// Sensitive keys (api_key, authorization, ...) and configured value patterns
// are masked by RedactingEncoder before anything reaches stdout. Levels below
// error are sampled; errors never are.
package logging
