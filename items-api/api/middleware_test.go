package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func runGzip(t *testing.T, encoding string, body []byte) (string, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if encoding != "" {
		req.Header.Set(echo.HeaderContentEncoding, encoding)
	}
	c := echo.New().NewContext(req, httptest.NewRecorder())
	var got string
	err := GzipRequestMiddleware()(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		if enc := c.Request().Header.Get(echo.HeaderContentEncoding); enc != "" {
			t.Fatalf("content encoding should be stripped, got %q", enc)
		}
		got = string(b)
		return c.Request().Body.Close()
	})(c)
	return got, err
}

func TestGzipRequestMiddleware(t *testing.T) {
	got, err := runGzip(t, "gzip", gzipped(t, `{"title":"x"}`))
	if err != nil || got != `{"title":"x"}` {
		t.Fatalf("unexpected result %q, %v", got, err)
	}

	got, err = runGzip(t, "", []byte("plain"))
	if err != nil || got != "plain" {
		t.Fatalf("plain body changed: %q, %v", got, err)
	}

	got, err = runGzip(t, "identity, GZIP", gzipped(t, "mixed"))
	if err != nil || got != "mixed" {
		t.Fatalf("expected identity to be ignored, got %q, %v", got, err)
	}
}

func TestGzipRequestMiddlewareRejects(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		body     []byte
		want     int
	}{
		{name: "broken gzip", encoding: "gzip", body: []byte("not gzip"), want: http.StatusBadRequest},
		{name: "brotli", encoding: "br", body: []byte("x"), want: http.StatusUnsupportedMediaType},
		{name: "stacked", encoding: "gzip, gzip", body: []byte("x"), want: http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runGzip(t, tt.encoding, tt.body)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.want {
				t.Fatalf("expected HTTP %d, got %v", tt.want, err)
			}
		})
	}
}
