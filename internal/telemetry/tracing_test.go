package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "crawlerd-test")
	require.NoError(t, err)
	require.NotNil(t, tp)
	defer func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	}()

	fields := otel.GetTextMapPropagator().Fields()
	require.Contains(t, fields, "traceparent")
}
