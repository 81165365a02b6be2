// Package logger carries a *slog.Logger through request-scoped contexts so handlers
// and background workers can log without threading a logger parameter everywhere.
package logger

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// AddToContext returns a copy of ctx carrying log as the request-scoped logger.
func AddToContext(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logger carried by ctx, or slog.Default() if none was set.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}
