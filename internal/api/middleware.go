package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/smazurov/blindspot/internal/logging"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// accessLevel picks the log level for a finished request.
func accessLevel(method string, status int) slog.Level {
	switch {
	case method == http.MethodOptions:
		return slog.LevelDebug
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// HTTPLoggingMiddleware logs each API request once it completes and tags the
// response with a request id. Streams are also logged when they open, since
// they complete only on disconnect.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	logger := logging.GetLogger("http")

	requestID := ctx.Header(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.SetHeader(RequestIDHeader, requestID)

	logAttrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("method", ctx.Method()),
		slog.String("path", ctx.URL().Path),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if query := ctx.URL().RawQuery; query != "" {
		logAttrs = append(logAttrs, slog.String("query", query))
	}

	streaming := strings.Contains(ctx.Header("Accept"), "text/event-stream")
	if streaming {
		logger.LogAttrs(ctx.Context(), slog.LevelDebug, "HTTP stream opened", logAttrs...)
	}

	next(ctx)

	status := ctx.Status()
	logAttrs = append(logAttrs,
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)

	message := "HTTP request completed"
	if streaming {
		message = "HTTP stream closed"
	}
	logger.LogAttrs(ctx.Context(), accessLevel(ctx.Method(), status), message, logAttrs...)
}
