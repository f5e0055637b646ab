package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request on arrival and again once the handler
// returns. For WebSocket upgrades the second line marks the end of the session.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("HTTP request finished",
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
