// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"substitution-proxy/internal/client"
	"substitution-proxy/internal/config"
	"substitution-proxy/internal/model"
)

// strippedRequestHeaders are recomputed for the outbound hop instead of copied.
// Content-Type is re-attached together with the body when one is forwarded.
var strippedRequestHeaders = map[string]bool{
	"Content-Type":      true,
	"Content-Length":    true,
	"Host":              true,
	"Transfer-Encoding": true,
}

// strippedResponseHeaders are owned by the client-facing response. The handler
// sets Content-Type and Content-Length explicitly from the upstream values.
var strippedResponseHeaders = map[string]bool{
	"Content-Type":      true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
	base   string
}

// NewProxyService creates a ProxyService for cfg.TargetServer.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	scheme := cfg.Upstream.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &ProxyService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "proxy_service"),
		base:   scheme + "://" + cfg.TargetServer,
	}
}

// Target returns the upstream origin, scheme included.
func (s *ProxyService) Target() string {
	return s.base
}

// Forward sends an IncomingRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// The request body travels upstream only for methods listed in
// upstream.bodyMethods (POST by default); other methods are sent bodiless.
func (s *ProxyService) Forward(req *model.IncomingRequest) (*model.UpstreamResponse, error) {
	upstreamURL := s.buildUpstreamURL(req.URI)
	header := s.filterRequestHeaders(req.Header)

	var body io.Reader
	contentLength := int64(0)
	if req.Body != nil && s.cfg.Upstream.ForwardsBody(req.Method) {
		body = req.Body
		contentLength = req.ContentLength
		if ct := req.Header.Get("Content-Type"); ct != "" {
			header.Set("Content-Type", ct)
		}
	}

	s.logger.Debug("forwarding request",
		"method", req.Method,
		"path", req.Path,
		"url", upstreamURL,
		"with_body", body != nil,
	)

	resp, err := s.client.DoStream(req.Ctx, req.Method, upstreamURL, header, body, contentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.ContentType = resp.Header.Get("Content-Type")
	if resp.Header.Get("Content-Length") == "" {
		resp.ContentLength = -1
	}
	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL appends the inbound request URI (escaped path and raw
// query, untouched) to the upstream origin.
func (s *ProxyService) buildUpstreamURL(uri string) string {
	if uri == "" || uri[0] != '/' {
		uri = "/" + uri
	}
	return s.base + uri
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if strippedRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if strippedResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	return dst
}
