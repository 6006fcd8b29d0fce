package telemetry

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
)

func TestNewLoggerAttachesComponentField(t *testing.T) {
	entry := NewLogger("evaluator")
	if got := entry.Data["component"]; got != "evaluator" {
		t.Fatalf("expected component field %q, got %v", "evaluator", got)
	}
}

func TestNewLoggerHonorsLevelEnvVar(t *testing.T) {
	t.Setenv("BUILDGRAPH_LOG_LEVEL", "warn")
	entry := NewLogger("evaluator")
	if entry.Logger.Level != logrus.WarnLevel {
		t.Fatalf("expected WarnLevel, got %v", entry.Logger.Level)
	}
}

func TestNewTracerProviderDisabledReturnsNil(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp != nil {
		t.Fatal("expected a nil provider when tracing is disabled")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected Shutdown on a nil provider to be a no-op, got %v", err)
	}
}

func TestNewMetricsRegistersUnderNamespace(t *testing.T) {
	m := NewMetrics("buildgraph_test_metrics")
	m.ComputeTotal.WithLabelValues("LEAF", "ok").Inc()
	m.CyclesDetected.Inc()

	var metric dto.Metric
	if err := m.CyclesDetected.Write(&metric); err != nil {
		t.Fatalf("unexpected error reading counter: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Fatalf("expected CyclesDetected to read 1, got %v", metric.Counter.GetValue())
	}
}
