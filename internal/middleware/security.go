package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests.
//
// Responses under any of the embeddable path prefixes are meant to be shown
// inside the viewer's frame. They carry neither X-Frame-Options nor nosniff,
// since proxied scripts may arrive as application/octet-stream.
func SecurityHeaders(embeddable ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before next: headers added after the body is written are lost.
			if !hasPathPrefix(c.Request().URL.Path, embeddable) {
				header := c.Response().Header()
				header.Set(echo.HeaderXContentTypeOptions, "nosniff")
				header.Set(echo.HeaderXFrameOptions, "DENY")
			}

			return next(c)
		}
	}
}

func hasPathPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
