package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware inflates gzip-encoded request bodies so handlers read
// plain JSON. A compressed move batch can expand far past its wire size, so
// the inflated stream is capped at the same limit the move handler reads
// under. Invalid gzip payloads are rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &inflatedBody{
				Reader:  io.LimitReader(gr, postMovesMaxSize),
				inflate: gr,
				wire:    body,
			}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// inflatedBody reads capped decompressed bytes while closing both the gzip
// layer and the underlying wire body.
type inflatedBody struct {
	io.Reader
	inflate *gzip.Reader
	wire    io.Closer
}

func (b *inflatedBody) Close() error {
	err := b.inflate.Close()
	if cerr := b.wire.Close(); err == nil {
		err = cerr
	}
	return err
}
