package observability

import (
	"context"
	"testing"

	"device-operation-management/shared/config"
	"device-operation-management/shared/logx"
)

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "api"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
}

func TestSetupDisabled(t *testing.T) {
	shutdown := Setup(context.Background(), config.Config{OtelEnabled: false, OtelEndpoint: "localhost:4317"}, "v1", logx.Discard())
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
}
