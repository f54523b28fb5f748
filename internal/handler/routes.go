package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"substitution-proxy/internal/config"
	"substitution-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Admin
// routes live under config.AdminPrefix; every other path and method goes to
// the proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET(config.HealthzPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
