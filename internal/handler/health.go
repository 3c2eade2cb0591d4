package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"paper-proxy/internal/config"
	"paper-proxy/internal/rewrite"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	hosts := "any"
	if len(h.cfg.Upstream.AllowedHosts) > 0 {
		hosts = "restricted"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":   "ok",
		"version":  string(h.version),
		"endpoint": rewrite.DefaultEndpoint,
		"upstream": hosts,
	})
}
