package metrics

import (
	"testing"

	"substitution-proxy/internal/model"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	// Verify our custom metrics exist by incrementing one and gathering again.
	m.RequestsTotal.WithLabelValues("GET", "200", "proxy").Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "substitution_proxy_http_requests_total" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected substitution_proxy_http_requests_total in gathered metrics")
	}
}

func TestObserveOutcome(t *testing.T) {
	m := New()
	m.ObserveOutcome(model.OutcomeOverride)
	m.ObserveOutcome(model.OutcomeProxied)
	m.ObserveOutcome(model.OutcomeProxied)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	got := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != "substitution_proxy_decisions_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" {
					got[lp.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}

	if got["override"] != 1 {
		t.Errorf("override = %v, want 1", got["override"])
	}
	if got["proxied"] != 2 {
		t.Errorf("proxied = %v, want 2", got["proxied"])
	}
}

func TestObserveOutcome_NilReceiver(t *testing.T) {
	var m *Metrics
	m.ObserveOutcome(model.OutcomeFailed) // must not panic
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/__proxy/healthz", "/__proxy/healthz"},
		{"/__proxy/status", "/__proxy/status"},
		{"/__proxy/metrics", "/__proxy/metrics"},
		{"/__proxy/other", "proxy"},
		{"/", "proxy"},
		{"/logo.png", "proxy"},
		{"/api/v1/users/42", "proxy"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizeRoute(tt.path, "/__proxy/metrics")
			if got != tt.want {
				t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
