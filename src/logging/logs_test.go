package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestInitializeCounters_JoinsErrors(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	err := initializeCounters([]counterDef{
		{"test_tasks_registered", "valid"},
		{"1 bad name", "invalid"},
		{"2 bad name", "invalid"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "counter 1 bad name")
	assert.Contains(t, err.Error(), "counter 2 bad name")

	countersMu.Lock()
	_, ok := counters["test_tasks_registered"]
	countersMu.Unlock()
	assert.True(t, ok, "valid counters are still registered")
}

func TestInitializeSchedulerMetrics(t *testing.T) {
	assert.NoError(t, InitializeSchedulerMetrics())
}
