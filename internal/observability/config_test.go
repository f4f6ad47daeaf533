package observability

import (
	"testing"

	"github.com/smallbiznis/slabworks/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDevDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{AppName: "slabworks", Environment: "development", OTLPEndpoint: "collector:4317"})

	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.True(t, cfg.Debug())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "http/protobuf")
	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := LoadConfig(config.Config{Environment: "production"})

	assert.Equal(t, "slabworks", cfg.ServiceName)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "http/protobuf", cfg.OtelExporterProtocol)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.True(t, cfg.OtelEnabled)
	assert.False(t, cfg.Debug())
}
