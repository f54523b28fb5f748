package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"substitution-proxy/internal/config"
)

// RequestIDKey is the echo context key holding the request ID.
const RequestIDKey = "request_id"

// RequestID assigns every request an ID (reusing an inbound X-Request-Id)
// and stores it in the context. Only admin responses carry the ID header;
// relayed and override responses keep the upstream's headers as they are.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, rid string) {
			c.Set(RequestIDKey, rid)
			if !isAdminPath(c.Request().URL.Path) {
				c.Response().Header().Del(echo.HeaderXRequestID)
			}
		},
	})
}

// requestID returns the ID stored by RequestID, or "".
func requestID(c echo.Context) string {
	rid, _ := c.Get(RequestIDKey).(string)
	return rid
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, config.AdminPrefix+"/")
}
