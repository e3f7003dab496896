// Package observability provides the logging, metrics, and tracing used by
// every docsage component.
//
// Logging is plain log/slog. NewLogger wraps the configured handler so that
// API keys and bearer tokens never reach the output, and so that session,
// conversation, and request identifiers stored in the context are attached
// to every record logged with a *Context method:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddSessionID(ctx, sess.ID())
//	logger.InfoContext(ctx, "turn committed", "turns", 3)
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registry. A nil *Metrics is valid and records nothing.
//
// Tracing uses OpenTelemetry. Without an OTLP endpoint the tracer is a
// no-op.
package observability
