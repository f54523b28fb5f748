package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders describe a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers, including any listed in the
// Connection header, from the inbound request and from the response just
// before it is written.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			removeHopByHop(c.Request().Header)

			res := c.Response()
			res.Before(func() {
				removeHopByHop(res.Header())
			})

			return next(c)
		}
	}
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for name := range strings.SplitSeq(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
