package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

var _ kinelink.Metrics = (*Metrics)(nil)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusMetrics_RateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordRateLimitCheck("ai_chat", 2*time.Millisecond)
	metrics.RecordRateLimitExceeded("ai_chat")
	metrics.RecordRateLimitExceeded("ai_chat")

	got := counterValue(t, reg, "test_rate_limit_exceeded_total", map[string]string{"class": "ai_chat"})
	if got != 2 {
		t.Errorf("Expected 2 rejections, got %v", got)
	}
}

func TestPrometheusMetrics_StorageAndMessaging(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("rate_limit_increment", time.Millisecond, nil)
	metrics.RecordStorageOperation("rate_limit_increment", time.Millisecond, errors.New("down"))
	metrics.RecordMessageSend("kine_invite", "success")
	metrics.RecordCircuitBreakerStateChange("open")

	if got := counterValue(t, reg, "test_storage_operation_errors_total", map[string]string{"operation": "rate_limit_increment"}); got != 1 {
		t.Errorf("Expected 1 storage error, got %v", got)
	}
	if got := counterValue(t, reg, "test_messaging_sends_total", map[string]string{"template": "kine_invite", "status": "success"}); got != 1 {
		t.Errorf("Expected 1 send, got %v", got)
	}
	if got := counterValue(t, reg, "test_circuit_breaker_state_changes_total", map[string]string{"state": "open"}); got != 1 {
		t.Errorf("Expected 1 state change, got %v", got)
	}
}
