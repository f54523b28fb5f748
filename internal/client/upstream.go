// Package client provides the pooled HTTP client used to reach the upstream.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"substitution-proxy/internal/config"
	"substitution-proxy/internal/metrics"
	"substitution-proxy/internal/model"
)

// UpstreamClient sends requests to the origin server. It is shared by all
// in-flight requests.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// upstream.timeout_seconds bounds the wait for response headers only, so long
// streamed bodies are not cut off. Client disconnects cancel the request
// through its context.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
		// Pass Content-Encoding through untouched.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	httpClient := &http.Client{Transport: transport}
	if !cfg.Upstream.FollowsRedirects() {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &UpstreamClient{
		httpClient: httpClient,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// A nil body sends no body; contentLength is -1 when the length is unknown.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}
