package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	target := "https://arxiv.org/html/2401.00001?token=secret"
	req := httptest.NewRequest(http.MethodGet, "/proxy?url="+url.QueryEscape(target), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["target_host"] != "arxiv.org" {
		t.Errorf("target_host = %v, want arxiv.org", entry["target_host"])
	}
	if bytes.Contains(buf.Bytes(), []byte("secret")) {
		t.Error("log line should not contain the target query")
	}
}

func TestRequestLogger_ServerErrorIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusInternalServerError, "Failed to proxy content")
	})

	req := httptest.NewRequest(http.MethodGet, "/proxy", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if _, ok := entry["target_host"]; ok {
		t.Error("target_host should be absent without a url parameter")
	}
}
