package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordFrame(context.Background(), 8192)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "livecall_capture_frames") {
			found = true
		}
	}
	if !found {
		t.Errorf("livecall_capture_frames not exported; got %d families", len(families))
	}
}

func TestInitProvider_ShutdownIsClean(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
