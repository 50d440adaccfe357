package telemetry_test

import (
	"context"
	"testing"

	"github.com/gyaneshwarpardhi/pulsewire/internal/config"
	"github.com/gyaneshwarpardhi/pulsewire/internal/telemetry"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), config.TelemetryConf{ServiceName: "pulsewire"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
