// Package client provides the outbound HTTP client used to fetch proxied resources.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"paper-proxy/internal/config"
	"paper-proxy/internal/metrics"
	"paper-proxy/internal/model"
)

// ErrBodyTooLarge is returned when an upstream body exceeds upstream.max_body_bytes.
var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

// FetchClient fetches arbitrary upstream resources.
type FetchClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// NewFetchClient creates a FetchClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFetchClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *FetchClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &FetchClient{
		httpClient: &http.Client{
			Transport: transport,
			// Config defaults keep this positive; the request context still applies.
			Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:       logger.With("component", "fetch_client"),
		metrics:      m,
		maxBodyBytes: cfg.Upstream.MaxBodyBytes,
	}
}

// Get issues a GET for target. The body is read into memory only for 2xx
// responses; for anything else the returned Resource carries status only.
// The provided context controls the lifetime of the upstream request.
func (c *FetchClient) Get(ctx context.Context, target string, header http.Header) (*model.Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vals := range header {
		req.Header[k] = vals
	}

	c.logger.Debug("upstream request", "host", req.URL.Host, "path", req.URL.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observe(time.Since(start), resp)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := &model.Resource{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		StatusText:  statusText(resp),
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, nil
	}

	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	res.Body = body
	return res, nil
}

func (c *FetchClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, c.maxBodyBytes)
	}
	return body, nil
}

func (c *FetchClient) observe(d time.Duration, resp *http.Response) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(d.Seconds())
	if resp != nil {
		c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()
	}
}

// statusText returns the reason phrase of resp, e.g. "Not Found".
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
