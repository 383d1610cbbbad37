package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{400, "4xx"},
		{429, "4xx"},
		{502, "5xx"},
		{42, "unknown"},
		{700, "unknown"},
	}

	for _, tt := range tests {
		if got := StatusBucket(tt.code); got != tt.want {
			t.Errorf("StatusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	RateLimitDecisions.WithLabelValues("allowed").Inc()
	ObserveHTTP("score", http.StatusOK)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"riskscore_ratelimit_decisions_total", "riskscore_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
