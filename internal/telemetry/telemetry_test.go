package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"stageguard/internal/config"
	"stageguard/internal/telemetry"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), config.Tracing{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupRequiresEndpoint(t *testing.T) {
	_, err := telemetry.Setup(context.Background(), config.Tracing{Enabled: true})
	assert.Error(t, err)
}

func TestProviderCarriesServiceName(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp, err := telemetry.NewProvider(ctx, "stageguard-test", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	_, span := telemetry.Tracer(tp).Start(ctx, "sync-item")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sync-item", spans[0].Name())
	assert.Equal(t, telemetry.InstrumentationName, spans[0].InstrumentationScope().Name)
	assert.Contains(t, spans[0].Resource().Attributes(), semconv.ServiceName("stageguard-test"))
}
