package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"substitution-proxy/internal/metrics"
	"substitution-proxy/internal/model"
	"substitution-proxy/internal/override"
	"substitution-proxy/internal/service"
)

// ProxyHandler serves every non-admin request: from an override file when
// one matches the path, otherwise by forwarding to the upstream.
type ProxyHandler struct {
	resolver *override.Resolver
	service  *service.ProxyService
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(r *override.Resolver, svc *service.ProxyService, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: r,
		service:  svc,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle runs the per-request pipeline. Failures are contained here: they are
// logged, counted, and answered with a JSON error when nothing has been
// written yet. Handle never returns an error to echo.
func (h *ProxyHandler) Handle(c echo.Context) error {
	outcome, err := h.handle(c)
	if err != nil {
		outcome = model.OutcomeFailed
		h.fail(c, err)
	}
	h.metrics.ObserveOutcome(outcome)
	return nil
}

func (h *ProxyHandler) handle(c echo.Context) (model.Outcome, error) {
	path := c.Request().URL.Path

	file, ok, err := h.resolver.Resolve(path)
	if err != nil {
		return model.OutcomeFailed, err
	}
	if ok {
		h.logger.Info("substitution", "path", path, "file", file.Path)
		return model.OutcomeOverride, h.serveOverride(c, file)
	}

	h.logger.Info("proxy", "path", path)
	return model.OutcomeProxied, h.forward(c)
}

// serveOverride writes the override file. http.ServeContent picks the
// content type (extension, then sniffing) and handles HEAD, Range and
// conditional requests; a plain GET gets 200.
func (h *ProxyHandler) serveOverride(c echo.Context, file override.File) error {
	fh, err := h.resolver.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()

	http.ServeContent(c.Response(), c.Request(), file.Path, file.ModTime, fh)
	return nil
}

// forward proxies the request upstream and streams the response back.
func (h *ProxyHandler) forward(c echo.Context) error {
	req := c.Request()

	resp, err := h.service.Forward(&model.IncomingRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URI:           req.URL.RequestURI(),
		Path:          req.URL.Path,
		Header:        req.Header,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	if resp.ContentType != "" {
		res.Header().Set(echo.HeaderContentType, resp.ContentType)
	}
	if resp.ContentLength >= 0 {
		res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	res.WriteHeader(resp.StatusCode)

	// Bodies of unknown length are usually streams (SSE, long polling);
	// flush every chunk instead of waiting for the server's buffer to fill.
	var dst io.Writer = res
	if resp.ContentLength < 0 {
		dst = flushWriter{w: res, f: res}
	}

	// Once the status line is out, a copy failure can only truncate the
	// response; the client sees the original status with a short body.
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return &streamError{err: err}
	}
	return nil
}

// fail logs err and, if the response is still uncommitted, answers with a
// JSON error mapped from the failure class.
func (h *ProxyHandler) fail(c echo.Context, err error) {
	var se *streamError
	if errors.As(err, &se) || c.Response().Committed {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)
	if werr := h.mapError(c, err); werr != nil {
		h.logger.Error("writing error response", "err", werr)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, override.ErrUnavailable) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "override file unavailable",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// streamError wraps a failure that happened after the status was written.
type streamError struct {
	err error
}

func (e *streamError) Error() string { return "stream body: " + e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// flushWriter flushes after every write.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}
