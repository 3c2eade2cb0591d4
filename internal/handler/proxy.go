package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"paper-proxy/internal/meta"
	"paper-proxy/internal/service"
)

// Plain-text bodies of the proxy endpoint.
const (
	msgMissingURL     = "URL parameter is required"
	msgFetchFailed    = "Failed to fetch content: "
	msgHostNotAllowed = "Host not allowed"
	msgProxyFailed    = "Failed to proxy content"
)

// ProxyHandler serves proxied documents and their metadata.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle serves GET /proxy?url=<target>. The whole upstream body is buffered
// and rewritten before anything is written, so a failure never produces a
// partial response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	resp, err := h.service.Proxy(c.Request().Context(), c.QueryParam("url"))
	if err != nil {
		return h.mapError(c, err)
	}

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	return c.Blob(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
}

// Meta serves GET /meta?url=<target> with bibliographic metadata as JSON.
func (h *ProxyHandler) Meta(c echo.Context) error {
	res, err := h.service.Fetch(c.Request().Context(), c.QueryParam("url"))
	if err != nil {
		status, msg := h.classify(c, err)
		return c.JSON(status, map[string]string{"error": msg})
	}

	if !isHTML(res.ContentType) {
		return c.JSON(http.StatusUnsupportedMediaType, map[string]string{
			"error": "metadata is only available for HTML documents",
		})
	}

	doc, err := meta.Extract(res.Target, res.Body)
	if err != nil {
		h.logger.Error("metadata extraction", "err", err, "target", res.Target)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": msgProxyFailed})
	}

	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(http.StatusOK, doc)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := h.classify(c, err)
	return c.String(status, msg)
}

// classify logs err and maps it to a status code and a client-safe message.
func (h *ProxyHandler) classify(c echo.Context, err error) (int, string) {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrMissingURL) {
		return http.StatusBadRequest, msgMissingURL
	}

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		h.logger.Warn("upstream error", "status", ue.StatusCode, "path", path)
		return ue.StatusCode, msgFetchFailed + ue.StatusText
	}

	if errors.Is(err, service.ErrHostNotAllowed) {
		h.logger.Warn("proxy refused", "err", err, "path", path)
		return http.StatusForbidden, msgHostNotAllowed
	}

	if errors.Is(err, context.Canceled) {
		h.logger.Info("client disconnected", "path", path)
	} else {
		h.logger.Error("proxy error", "err", err, "path", path)
	}
	return http.StatusInternalServerError, msgProxyFailed
}

func isHTML(contentType string) bool {
	return strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml")
}
