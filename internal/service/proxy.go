// Package service implements the fetch-and-rewrite proxy logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"paper-proxy/internal/config"
	"paper-proxy/internal/metrics"
	"paper-proxy/internal/model"
	"paper-proxy/internal/rewrite"
	"paper-proxy/internal/ruleset"
)

var (
	// ErrMissingURL is returned when the url parameter is absent.
	ErrMissingURL = errors.New("URL parameter is required")
	// ErrHostNotAllowed is returned when the target host is outside upstream.allowed_hosts.
	ErrHostNotAllowed = errors.New("host not allowed")
)

// UpstreamError reports a non-2xx upstream response.
type UpstreamError struct {
	StatusCode int
	StatusText string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, e.StatusText)
}

// DefaultContentType is used when the upstream does not declare one.
const DefaultContentType = "application/octet-stream"

// forwardableResponseHeaders are the only upstream headers passed to the client
// besides Content-Type. Content-Security-Policy and X-Frame-Options must never
// appear here or the viewer frame breaks.
var forwardableResponseHeaders = []string{
	"Cache-Control",
	"Last-Modified",
	"Etag",
	"Content-Language",
}

// Fetcher fetches a single upstream resource.
type Fetcher interface {
	Get(ctx context.Context, target string, header http.Header) (*model.Resource, error)
}

// ProxyService fetches target documents and rewrites them for embedding.
type ProxyService struct {
	fetcher Fetcher
	cfg     *config.Config
	rules   ruleset.RuleSet
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f Fetcher, rules ruleset.RuleSet, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		fetcher: f,
		cfg:     cfg,
		rules:   rules,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// DecodeTarget percent-decodes raw until it is stable. Targets that went
// through nested redirects can arrive encoded several times. Decoding stops
// at the first failure and keeps the last good value.
func DecodeTarget(raw string) string {
	cur := raw
	for strings.Contains(cur, "%") {
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			break
		}
		cur = next
	}
	return cur
}

// Fetch decodes rawTarget and retrieves it. A non-2xx upstream status is
// returned as *UpstreamError.
func (s *ProxyService) Fetch(ctx context.Context, rawTarget string) (*model.Resource, error) {
	if rawTarget == "" {
		return nil, ErrMissingURL
	}
	target := DecodeTarget(rawTarget)

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse target: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse target: missing host")
	}
	if !s.hostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}

	res, err := s.fetcher.Get(ctx, target, s.requestHeaders(u))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: res.StatusCode, StatusText: res.StatusText}
	}

	res.Target = target
	return res, nil
}

// Proxy fetches rawTarget and shapes the response for embedding. HTML and CSS
// bodies have their references routed back through the proxy; everything
// else passes through byte for byte.
func (s *ProxyService) Proxy(ctx context.Context, rawTarget string) (*model.ProxyResponse, error) {
	res, err := s.Fetch(ctx, rawTarget)
	if err != nil {
		return nil, err
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	// References resolve against the requested document, not a redirect target.
	body, err := s.rewrite(res.Target, contentType, res.Body)
	if err != nil {
		return nil, err
	}

	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     s.responseHeaders(res.Header, contentType),
		Body:       body,
	}, nil
}

func (s *ProxyService) rewrite(target, contentType string, body []byte) ([]byte, error) {
	var kind string
	switch {
	case strings.Contains(contentType, "text/html"):
		kind = "html"
	case strings.Contains(contentType, "css"):
		kind = "css"
	default:
		return body, nil
	}

	doc, err := rewrite.NewDocument(target)
	if err != nil {
		return nil, fmt.Errorf("rewrite context: %w", err)
	}

	var (
		out string
		st  rewrite.Stats
	)
	if kind == "html" {
		out, st = doc.HTML(string(body))
	} else {
		out, st = doc.CSS(string(body))
	}

	s.logger.Info("rewrote document",
		"kind", kind,
		"target", target,
		"rewrites", st.Rewritten,
		"same_document", st.SameDocument,
	)
	if len(st.Samples) > 0 {
		s.logger.Debug("rewrite samples", "target", target, "samples", st.Samples)
	}
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(kind).Add(float64(st.Rewritten))
		s.metrics.SameDocumentTotal.Add(float64(st.SameDocument))
	}

	return []byte(out), nil
}

func (s *ProxyService) hostAllowed(host string) bool {
	if len(s.cfg.Upstream.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range s.cfg.Upstream.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (s *ProxyService) requestHeaders(u *url.URL) http.Header {
	h := make(http.Header)
	if s.cfg.Upstream.UserAgent != "" {
		h.Set("User-Agent", s.cfg.Upstream.UserAgent)
	}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if rule, ok := s.rules.Match(u.Hostname(), u.RequestURI()); ok {
		rule.Apply(h)
	}
	return h
}

func (s *ProxyService) responseHeaders(src http.Header, contentType string) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableResponseHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("Content-Type", contentType)
	dst.Set("Access-Control-Allow-Origin", "*")
	return dst
}
