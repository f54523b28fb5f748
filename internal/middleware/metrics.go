package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"substitution-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. metricsPath is the scrape endpoint, labelled as
// its own route.
func MetricsMiddleware(m *metrics.Metrics, metricsPath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written later by the central error
			// handler, so the response status is not final yet.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			route := metrics.NormalizeRoute(c.Request().URL.Path, metricsPath)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, route).Inc()
			m.RequestDuration.WithLabelValues(method, status, route).Observe(duration)

			return err
		}
	}
}
