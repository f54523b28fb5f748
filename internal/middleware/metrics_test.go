package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"substitution-proxy/internal/config"
	"substitution-proxy/internal/metrics"
)

const testMetricsPath = "/__proxy/metrics"

// requestLabels returns the label sets of every http_requests_total sample.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "substitution_proxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testMetricsPath))
	e.GET("/static/app.js", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/static/app.js", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "substitution_proxy_http_requests_total" {
			for _, metric := range f.GetMetric() {
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == "route" && lp.GetValue() == "proxy" {
						found = true
						if v := metric.GetCounter().GetValue(); v != 1 {
							t.Errorf("counter value = %v, want 1", v)
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("expected substitution_proxy_http_requests_total with route=proxy")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testMetricsPath))
	e.GET(config.HealthzPath, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, config.HealthzPath, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "substitution_proxy_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected substitution_proxy_http_request_duration_seconds with at least one sample")
	}
}

func TestMetricsMiddleware_AdminRoutesLabelled(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testMetricsPath))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e.GET(config.StatusPath, ok)
	e.GET(testMetricsPath, ok)

	for _, path := range []string{config.StatusPath, testMetricsPath} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	routes := make(map[string]bool)
	for _, labels := range requestLabels(t, m) {
		routes[labels["route"]] = true
	}
	for _, want := range []string{config.StatusPath, testMetricsPath} {
		if !routes[want] {
			t.Errorf("missing route label %q, got %v", want, routes)
		}
	}
	if routes["proxy"] {
		t.Error("admin requests must not be labelled as proxy")
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testMetricsPath))
	e.GET("/too-big", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	req := httptest.NewRequest(http.MethodGet, "/too-big", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, labels := range requestLabels(t, m) {
		if labels["route"] == "proxy" {
			if labels["status_code"] != "413" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "413")
			}
			return
		}
	}
	t.Error("expected substitution_proxy_http_requests_total with route=proxy")
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m, testMetricsPath))
	e.Any("/dav", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("PROPFIND", "/dav", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, labels := range requestLabels(t, m) {
		if labels["route"] == "proxy" {
			if labels["method"] != "other" {
				t.Errorf("method = %q, want %q", labels["method"], "other")
			}
			return
		}
	}
	t.Error("expected substitution_proxy_http_requests_total with route=proxy and method=other")
}
