// Package handler exposes the proxy over HTTP.
package handler

import (
	"github.com/labstack/echo/v4"

	"paper-proxy/internal/rewrite"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.GET(rewrite.DefaultEndpoint, proxy.Handle)
	e.GET("/meta", proxy.Meta)
}
