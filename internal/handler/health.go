package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"failover-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

type statusBody struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Configured bool      `json:"configured"`
	Upstreams  [2]string `json:"upstreams"`
	TimeoutMS  int       `json:"timeout_ms"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the upstream configuration.
// The status field is "misconfigured" until both origins are set.
func (h *HealthHandler) Status(c echo.Context) error {
	up := h.cfg.Upstream
	body := statusBody{
		Status:     "ok",
		Version:    string(h.version),
		Configured: up.Configured(),
		Upstreams:  up.Origins(),
		TimeoutMS:  up.TimeoutMS,
	}
	if !body.Configured {
		body.Status = "misconfigured"
	}
	return c.JSON(http.StatusOK, body)
}
