// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// IncomingRequest is a client request that was not resolved to an override
// and is about to be forwarded upstream.
type IncomingRequest struct {
	Ctx    context.Context
	Method string
	// URI is the escaped path plus the raw query, exactly as received.
	URI           string
	Path          string
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

// UpstreamResponse is the origin response to be streamed back.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	ContentType   string
	ContentLength int64 // -1 when the upstream sent no Content-Length
	Body          io.ReadCloser
}

// Outcome is the result of handling one request.
type Outcome string

const (
	OutcomeOverride Outcome = "override"
	OutcomeProxied  Outcome = "proxied"
	OutcomeFailed   Outcome = "failed"
)
