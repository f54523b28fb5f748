package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"substitution-proxy/internal/config"
)

// RateLimiter returns a per-client-IP limiter built from cfg. Rejected
// requests get a JSON 429 like every other error the proxy itself produces.
// Admin endpoints are never limited.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return isAdminPath(c.Request().URL.Path)
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "client address unavailable",
			})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}
