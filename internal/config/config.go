// Package config defines the service configuration and its defaults.
//
// Values are layered by Load: defaults from New, then an optional YAML file
// named by COWCHECK_CONFIG, then COWCHECK_* environment variables.
package config

import (
	"time"

	"github.com/example/cow-check/internal/imagesource"
)

// Predictor transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
	TransportFake = "fake"
)

// Config contains process configuration.
type Config struct {
	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFile, when set, receives a rotated copy of the log stream.
	LogFile string `koanf:"log_file"`

	// PredictorTransport selects how images reach the model: http, grpc or fake.
	PredictorTransport string `koanf:"predictor_transport"`
	PredictorURL       string `koanf:"predictor_url"`
	PredictorGRPCAddr  string `koanf:"predictor_grpc_addr"`
	PredictorTimeoutMS int    `koanf:"predictor_timeout_ms"`

	// MaxImages caps a single pick; it never exceeds imagesource.MaxImages.
	MaxImages     int   `koanf:"max_images"`
	MaxImageBytes int64 `koanf:"max_image_bytes"`

	// RedisAddr enables the prediction cache when set.
	RedisAddr       string `koanf:"redis_addr"`
	CacheTTLSeconds int    `koanf:"cache_ttl_seconds"`

	// DatabaseDSN enables the prediction audit log when set.
	DatabaseDSN string `koanf:"database_dsn"`

	JWTSecret   string `koanf:"jwt_secret"`
	JWTAudience string `koanf:"jwt_audience"`

	ShutdownTimeoutMS int `koanf:"shutdown_timeout_ms"`
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{
		Addr:               ":8080",
		LogLevel:           "info",
		PredictorTransport: TransportHTTP,
		PredictorURL:       "http://localhost:8000/predict",
		PredictorGRPCAddr:  "localhost:50051",
		PredictorTimeoutMS: 30_000,
		MaxImages:          imagesource.MaxImages,
		MaxImageBytes:      imagesource.MaxImageBytes,
		CacheTTLSeconds:    3600,
		ShutdownTimeoutMS:  15_000,
	}
}

// PredictorTimeout is the per-call predictor deadline.
func (c *Config) PredictorTimeout() time.Duration {
	return time.Duration(c.PredictorTimeoutMS) * time.Millisecond
}

// CacheTTL is how long successful predictions stay cached.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ShutdownTimeout bounds the graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// ImageFilter returns the upload filter for the configured size cap.
func (c *Config) ImageFilter() imagesource.Filter {
	return imagesource.Filter{MaxBytes: c.MaxImageBytes}
}
