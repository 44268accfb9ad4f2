package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"chime-live/internal/observability/logging"
)

// requestLogger returns the request-scoped logger installed by the request
// id middleware, annotated with the path and client address.
func requestLogger(base *slog.Logger, r *http.Request) *slog.Logger {
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	return logger.With("path", r.URL.Path, "remote_ip", clientIP(r))
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if trimmed := strings.TrimSpace(first); trimmed != "" {
			return trimmed
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
