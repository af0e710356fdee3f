package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"

	"failover-proxy-go/internal/model"
)

// strippedResponseHeaders are never relayed: the body is re-framed by the
// server and, when encoded, decoded on the way through.
var strippedResponseHeaders = []string{
	"Content-Encoding",
	"Content-Length",
}

const relayBufferSize = 32 * 1024

// relayResponse writes the upstream status, headers and streamed body to the
// client, flushing after every chunk.
func relayResponse(c echo.Context, resp *model.ProxyResponse, method string, logger *slog.Logger) error {
	res := c.Response()

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	body := io.Reader(resp.Body)
	if hasBody(method, resp.StatusCode) {
		if !decodable(encoding) {
			logger.Warn("relaying body with unsupported content coding",
				"encoding", encoding,
				"path", c.Request().URL.Path,
			)
		}
		decoded := decodeBody(encoding, resp.Body)
		defer func() { _ = decoded.Close() }()
		body = decoded
	}

	dst := res.Header()
	for key, vals := range resp.Header {
		if isStripped(key) {
			continue
		}
		// Upstream values replace any set locally, such as X-Request-Id.
		dst.Del(key)
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	res.WriteHeader(resp.StatusCode)
	return copyFlushing(res, body)
}

func isStripped(key string) bool {
	for _, h := range strippedResponseHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}

// hasBody reports whether a response to method with status may carry a body.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= http.StatusOK
}

func decodable(encoding string) bool {
	switch encoding {
	case "", "identity", "gzip", "x-gzip", "deflate", "zstd":
		return true
	}
	return false
}

// decodeBody wraps src in a decoder for the given content coding. Decoders are
// opened on first read so a stalled upstream does not block header relay.
func decodeBody(encoding string, src io.Reader) io.ReadCloser {
	switch encoding {
	case "", "identity":
		return io.NopCloser(src)
	case "gzip", "x-gzip":
		return &lazyDecoder{src: src, open: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		}}
	case "deflate":
		return &lazyDecoder{src: src, open: zlib.NewReader}
	case "zstd":
		return &lazyDecoder{src: src, open: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		}}
	default:
		// Accept-Encoding is narrowed before forwarding, so an unknown coding
		// means the upstream ignored it. Relay the bytes unchanged.
		return io.NopCloser(src)
	}
}

// lazyDecoder opens its decoder on the first Read.
type lazyDecoder struct {
	src  io.Reader
	open func(io.Reader) (io.ReadCloser, error)
	dec  io.ReadCloser
	err  error
}

func (d *lazyDecoder) Read(p []byte) (int, error) {
	if d.dec == nil && d.err == nil {
		// An encoded but empty body surfaces here as io.EOF.
		d.dec, d.err = d.open(d.src)
	}
	if d.err != nil {
		return 0, d.err
	}
	return d.dec.Read(p)
}

func (d *lazyDecoder) Close() error {
	if d.dec != nil {
		return d.dec.Close()
	}
	return nil
}

// copyFlushing copies src to the response and flushes after each write so
// incremental responses reach the client as they are produced.
func copyFlushing(res *echo.Response, src io.Reader) error {
	rc := http.NewResponseController(res)
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
