package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"failover-proxy-go/internal/config"
	"failover-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Admin
// routes are registered under cfg.Admin.Prefix only when enabled; every
// other path reaches the proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	if cfg.Admin.Enabled {
		admin := e.Group(cfg.Admin.Prefix)
		admin.GET("/healthz", health.Healthz)
		admin.GET("/status", health.Status)
		admin.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle)
	// Any covers only the methods Echo knows; the not-found route catches the rest.
	e.RouteNotFound("/*", proxy.Handle)
}
