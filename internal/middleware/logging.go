// Package middleware provides Echo middleware for logging, metrics and
// header hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Admin probes are logged at debug level so health checks do not flood the
// log.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if isAdminPath(req.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"query", req.URL.RawQuery,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestID(c),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
