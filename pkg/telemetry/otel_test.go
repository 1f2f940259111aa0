package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracer_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	tp, err := InitTracer(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.NoError(t, Shutdown(context.Background(), tp))
}

func TestInitTracer_WithEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	tp, err := InitTracer(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, tp)
	_, ok := tp.(*sdktrace.TracerProvider)
	assert.True(t, ok)
	assert.NoError(t, Shutdown(context.Background(), tp))
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version())
}
