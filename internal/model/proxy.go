// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// Resource is a fully buffered upstream response.
type Resource struct {
	Target      string // decoded URL that was requested
	URL         string // final URL after redirects
	StatusCode  int
	StatusText  string
	ContentType string
	Header      http.Header
	Body        []byte
}

// ProxyResponse is what the proxy returns to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
