// Package client provides the HTTP client that forwards requests to one upstream.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"failover-proxy-go/internal/config"
	"failover-proxy-go/internal/metrics"
	"failover-proxy-go/internal/model"
)

// ErrTimeout is the cause recorded when an upstream does not deliver response
// headers within the configured timeout.
var ErrTimeout = errors.New("upstream timed out")

// NetworkError reports a failed forward: no response was received from Target.
type NetworkError struct {
	Target  string
	Elapsed time.Duration
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Target, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the forward was aborted by the upstream timeout.
func (e *NetworkError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// decodableEncodings lists the content codings the response relay can decode.
var decodableEncodings = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"deflate":  true,
	"zstd":     true,
	"identity": true,
}

// UpstreamClient sends single requests to an upstream origin.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and
// redirect following disabled. The metrics parameter is optional; pass nil to
// disable upstream metrics recording.
//
// The http.Client has no overall Timeout: that would also bound reading the
// body, which must stay open for streamed responses. Forward enforces the
// timeout up to response headers instead.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Upstream.Timeout(),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Forward sends one request to target and returns the response with its body
// unread. The caller is responsible for closing the response body.
//
// The timeout covers connecting, writing the request and receiving response
// headers. If it expires the request context is cancelled, which aborts the
// in-flight dial or read, and a *NetworkError wrapping ErrTimeout is returned.
func (c *UpstreamClient) Forward(ctx context.Context, target *url.URL, method string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	origin := target.Scheme + "://" + target.Host
	start := time.Now()

	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { cancel(ErrTimeout) })

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, &NetworkError{Target: origin, Elapsed: time.Since(start), Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = upstreamHeader(header, origin)

	c.logger.Debug("upstream request",
		"method", method,
		"target", origin,
		"path", target.Path,
	)

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	stopped := timer.Stop()
	elapsed := time.Since(start)
	label := metrics.NormalizeMethod(method)

	if err == nil && !stopped {
		// The timer fired after headers arrived: the body is already cancelled.
		_ = resp.Body.Close()
		err = context.Cause(ctx)
	}

	if err != nil {
		timedOut := errors.Is(context.Cause(ctx), ErrTimeout)
		cancel(nil)
		if timedOut {
			err = fmt.Errorf("%w after %dms", ErrTimeout, c.timeout.Milliseconds())
		}
		c.observeError(label, elapsed, timedOut)
		return nil, &NetworkError{Target: origin, Elapsed: elapsed, Err: err}
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(label).Observe(elapsed.Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *UpstreamClient) observeError(method string, elapsed time.Duration, timedOut bool) {
	if c.metrics == nil {
		return
	}
	kind := "network"
	if timedOut {
		kind = "timeout"
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	c.metrics.UpstreamErrors.WithLabelValues(method, kind).Inc()
}

// upstreamHeader clones the inbound header and rewrites it for one upstream.
func upstreamHeader(src http.Header, origin string) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Host")
	h.Set("Origin", origin)
	h.Set("Referer", origin+"/")
	h.Set("Connection", "keep-alive")

	if ae := h.Values("Accept-Encoding"); len(ae) > 0 {
		if kept := decodableAcceptEncoding(ae); kept != "" {
			h.Set("Accept-Encoding", kept)
		} else {
			h.Del("Accept-Encoding")
		}
	}
	return h
}

// decodableAcceptEncoding keeps only the codings in decodableEncodings, with
// their parameters. Returns "" when none remain.
func decodableAcceptEncoding(values []string) string {
	var kept []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			coding, _, _ := strings.Cut(part, ";")
			if decodableEncodings[strings.ToLower(strings.TrimSpace(coding))] {
				kept = append(kept, part)
			}
		}
	}
	return strings.Join(kept, ", ")
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
