package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	StateTransitionsTotal.WithLabelValues("created", "escrow_created").Inc()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, name := range []string{
		"kopa_active_websocket_clients",
		"kopa_state_transitions_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestObserveVerdict(t *testing.T) {
	VerdictsTotal.Reset()

	ObserveVerdict(true, 0)
	ObserveVerdict(false, 100)
	ObserveVerdict(false, 75)

	m := &dto.Metric{}
	counter, err := VerdictsTotal.GetMetricWithLabelValues("rejected")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 2 {
		t.Errorf("expected 2 rejected verdicts, got %f", m.Counter.GetValue())
	}
}

func TestObserveCall(t *testing.T) {
	ExternalCallsTotal.Reset()
	ExternalCallDuration.Reset()

	ObserveCall("payment.release")(nil)
	ObserveCall("payment.release")(errors.New("rpc down"))

	for _, result := range []string{"success", "failure"} {
		m := &dto.Metric{}
		counter, err := ExternalCallsTotal.GetMetricWithLabelValues("payment.release", result)
		if err != nil {
			t.Fatalf("GetMetricWithLabelValues failed: %v", err)
		}
		_ = counter.Write(m)
		if m.Counter.GetValue() != 1 {
			t.Errorf("%s: expected 1, got %f", result, m.Counter.GetValue())
		}
	}

	ch := make(chan prometheus.Metric, 10)
	ExternalCallDuration.Collect(ch)
	close(ch)

	var samples uint64
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		samples += m.Histogram.GetSampleCount()
	}
	if samples != 2 {
		t.Errorf("expected 2 duration samples, got %d", samples)
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	HTTPRequestsTotal.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/escrow/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrow/abc", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	m := &dto.Metric{}
	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/v1/escrow/:id", "2xx")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1 {
		t.Errorf("expected route pattern label to be counted once, got %f", m.Counter.GetValue())
	}
}
