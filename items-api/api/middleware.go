package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware inflates gzip request bodies before the handlers
// decode them. Bodies in any other content coding are refused with 415 and
// broken gzip streams with 400.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			codings := contentCodings(req.Header.Get(echo.HeaderContentEncoding))
			if len(codings) == 0 {
				return next(c)
			}
			if len(codings) > 1 || codings[0] != "gzip" {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding")
			}

			gr, err := gzip.NewReader(req.Body)
			if err != nil {
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &inflatedBody{Reader: gr, raw: req.Body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// contentCodings lists the codings of a Content-Encoding header, lower-cased,
// with identity dropped.
func contentCodings(header string) []string {
	var out []string
	for _, enc := range strings.Split(header, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "" || enc == "identity" {
			continue
		}
		out = append(out, enc)
	}
	return out
}

type inflatedBody struct {
	*gzip.Reader
	raw io.Closer
}

func (b *inflatedBody) Close() error {
	err := b.Reader.Close()
	if cerr := b.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
