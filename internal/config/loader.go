package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/cow-check/internal/imagesource"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COWCHECK_"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if COWCHECK_CONFIG is set
//  3. env (prefix COWCHECK_)
func Load(ctx context.Context) (*Config, error) {
	base := New()
	k := koanf.New(".")

	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
		}
	}

	// COWCHECK_PREDICTOR_URL -> predictor_url; keys stay flat.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.MaxImages < 1 || c.MaxImages > imagesource.MaxImages:
		return invalid("max_images must be between 1 and %d", imagesource.MaxImages)
	case c.MaxImageBytes <= 0 || c.MaxImageBytes > imagesource.MaxImageBytes:
		return invalid("max_image_bytes must be between 1 and %d", imagesource.MaxImageBytes)
	case c.PredictorTimeoutMS <= 0:
		return invalid("predictor_timeout_ms must be positive")
	case c.CacheTTLSeconds < 0:
		return invalid("cache_ttl_seconds must not be negative")
	}

	switch c.PredictorTransport {
	case TransportHTTP:
		if c.PredictorURL == "" {
			return invalid("predictor_url is required for the http transport")
		}
	case TransportGRPC:
		if c.PredictorGRPCAddr == "" {
			return invalid("predictor_grpc_addr is required for the grpc transport")
		}
	case TransportFake:
	default:
		return invalid("unknown predictor_transport %q", c.PredictorTransport)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown log_level %q", c.LogLevel)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}
