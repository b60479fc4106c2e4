package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =empty,x=1")
	require.Equal(t, map[string]string{"api-key": "secret", "x": "1"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "a=b")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_SDK_DISABLED", "")

	cfg := ConfigFromEnv("poold", "test")
	require.Equal(t, "poold", cfg.ServiceName)
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, map[string]string{"a": "b"}, cfg.Headers)
	require.True(t, cfg.Metrics)
	require.True(t, cfg.Traces)

	t.Setenv("OTEL_SDK_DISABLED", "true")
	cfg = ConfigFromEnv("poold", "test")
	require.False(t, cfg.Metrics)
	require.False(t, cfg.Traces)
}

func TestInitWithoutSignals(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "poold"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
