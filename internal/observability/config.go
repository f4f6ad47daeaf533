package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/slabworks/internal/config"
)

// Config is the logging and OTel view of the process configuration.
// Local environments default to console logs and full trace sampling.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:          firstNonEmpty(cfg.AppName, "slabworks"),
		Environment:          firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment),
		Version:              firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion),
		LogLevel:             "info",
		LogFormat:            "json",
		OtelExporterEndpoint: firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelExporterProtocol: "grpc",
		OtelSamplingRatio:    0.1,
	}
	if isDevEnv(out.Environment) {
		out.LogFormat = "console"
		out.OtelSamplingRatio = 1
	}

	if v := lower("LOG_LEVEL"); v != "" {
		out.LogLevel = v
	}
	if v := lower("LOG_FORMAT"); v != "" {
		out.LogFormat = v
	}
	// The traces-specific protocol wins over the shared one.
	for _, key := range []string{"OTEL_EXPORTER_OTLP_PROTOCOL", "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"} {
		if v := lower(key); v != "" {
			out.OtelExporterProtocol = v
		}
	}
	if v, err := strconv.ParseFloat(lower("OTEL_SAMPLING_RATIO"), 64); err == nil && v >= 0 && v <= 1 {
		out.OtelSamplingRatio = v
	}
	if v, err := strconv.ParseBool(lower("OTEL_ENABLED")); err == nil {
		out.OtelEnabled = v
	}
	return out
}

func (c Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug") || isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func lower(key string) string {
	return strings.ToLower(strings.TrimSpace(os.Getenv(key)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
