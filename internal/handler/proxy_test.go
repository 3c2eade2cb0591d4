package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"paper-proxy/internal/client"
	"paper-proxy/internal/config"
	"paper-proxy/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			UserAgent:       "paper-proxy/test",
		},
	}
}

// newTestHandler wires a ProxyHandler to a real FetchClient.
func newTestHandler(cfg *config.Config) *ProxyHandler {
	logger := discardLogger()
	fc := client.NewFetchClient(cfg, logger, nil)
	return NewProxyHandler(service.NewProxyService(fc, nil, cfg, logger, nil), logger)
}

func proxyRequest(t *testing.T, h *ProxyHandler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	path := "/proxy"
	if target != "" {
		path += "?url=" + url.QueryEscape(target)
	}
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestProxyHandler_Handle_MissingURL(t *testing.T) {
	h := newTestHandler(testConfig())
	rec := proxyRequest(t, h, "")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if got := rec.Body.String(); got != "URL parameter is required" {
		t.Errorf("body = %q, want %q", got, "URL parameter is required")
	}
}

func TestProxyHandler_Handle_UpstreamNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	h := newTestHandler(testConfig())
	rec := proxyRequest(t, h, upstream.URL+"/missing")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := rec.Body.String(); got != "Failed to fetch content: Not Found" {
		t.Errorf("body = %q, want %q", got, "Failed to fetch content: Not Found")
	}
}

func TestProxyHandler_Handle_RewritesCSS(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write([]byte(`@import "other.css";`))
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig())
	rec := proxyRequest(t, h, upstream.URL+"/style.css")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	want := `@import "/proxy?url=` + url.QueryEscape(upstream.URL+"/other.css") + `";`
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/css" {
		t.Errorf("Content-Type = %q, want %q", got, "text/css")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	for _, key := range []string{"Content-Security-Policy", "X-Frame-Options"} {
		if got := rec.Header().Get(key); got != "" {
			t.Errorf("%s = %q, want it stripped", key, got)
		}
	}
}

func TestProxyHandler_Handle_RewritesHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<a href="#S1">x</a><img src="x1.png">`))
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig())
	rec := proxyRequest(t, h, upstream.URL+"/html/2401.00001v2")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	want := `<a href="#S1">x</a><img src="/proxy?url=` +
		url.QueryEscape(upstream.URL+"/html/2401.00001v2/x1.png") + `">`
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestProxyHandler_Handle_Binary(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig())
	rec := proxyRequest(t, h, upstream.URL+"/fig1.png")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.Bytes(); string(got) != string(payload) {
		t.Errorf("body = %v, want %v", got, payload)
	}
}

func TestProxyHandler_Handle_HostNotAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.AllowedHosts = []string{"arxiv.org"}
	h := newTestHandler(cfg)

	rec := proxyRequest(t, h, "https://evil.example.com/")

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if got := rec.Body.String(); got != "Host not allowed" {
		t.Errorf("body = %q, want %q", got, "Host not allowed")
	}
}

func TestProxyHandler_Handle_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	h := newTestHandler(testConfig())
	rec := proxyRequest(t, h, addr+"/paper")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Body.String(); got != "Failed to proxy content" {
		t.Errorf("body = %q, want %q", got, "Failed to proxy content")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(upstream.URL), http.NoBody)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	h := &ProxyHandler{logger: discardLogger()}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "missing url",
			err:        service.ErrMissingURL,
			wantStatus: http.StatusBadRequest,
			wantBody:   "URL parameter is required",
		},
		{
			name:       "upstream status",
			err:        &service.UpstreamError{StatusCode: http.StatusForbidden, StatusText: "Forbidden"},
			wantStatus: http.StatusForbidden,
			wantBody:   "Failed to fetch content: Forbidden",
		},
		{
			name:       "wrapped host refusal",
			err:        fmt.Errorf("%w: evil.example.com", service.ErrHostNotAllowed),
			wantStatus: http.StatusForbidden,
			wantBody:   "Host not allowed",
		},
		{
			name:       "transport failure",
			err:        fmt.Errorf("fetch arxiv.org: %w", errors.New("connection reset")),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Failed to proxy content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
		})
	}
}

func TestProxyHandler_Meta(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/abs/2401.00001":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><head>
<meta name="citation_title" content="A Study of Things">
<meta name="citation_author" content="Doe, Jane">
<meta name="citation_pdf_url" content="/pdf/2401.00001">
</head></html>`))
		case "/pdf/2401.00001":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.7"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	h := newTestHandler(testConfig())

	meta := func(target string) *httptest.ResponseRecorder {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/meta?url="+url.QueryEscape(target), http.NoBody)
		rec := httptest.NewRecorder()
		if err := h.Meta(e.NewContext(req, rec)); err != nil {
			t.Fatalf("Meta() error = %v", err)
		}
		return rec
	}

	t.Run("html", func(t *testing.T) {
		rec := meta(upstream.URL + "/abs/2401.00001")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		var body struct {
			Title   string   `json:"title"`
			Authors []string `json:"authors"`
			PDFURL  string   `json:"pdf_url"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body.Title != "A Study of Things" {
			t.Errorf("title = %q, want %q", body.Title, "A Study of Things")
		}
		if len(body.Authors) != 1 || body.Authors[0] != "Doe, Jane" {
			t.Errorf("authors = %v, want [Doe, Jane]", body.Authors)
		}
		if body.PDFURL != upstream.URL+"/pdf/2401.00001" {
			t.Errorf("pdf_url = %q, want %q", body.PDFURL, upstream.URL+"/pdf/2401.00001")
		}
	})

	t.Run("not html", func(t *testing.T) {
		rec := meta(upstream.URL + "/pdf/2401.00001")
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
		}
	})

	t.Run("upstream error", func(t *testing.T) {
		rec := meta(upstream.URL + "/nope")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body["error"] != "Failed to fetch content: Not Found" {
			t.Errorf("error = %q, want %q", body["error"], "Failed to fetch content: Not Found")
		}
	})
}
