package grpc

import (
	"time"
)

// ServerConfig contains configuration for the gRPC health endpoint
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`

	// Port 0 picks a free port
	Port int `json:"port" yaml:"port" validate:"min=0,max=65535"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// HealthInterval is how often the health checks are re-run and
	// published to grpc.health.v1 watchers
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval" validate:"gt=0"`

	MaxConnectionIdle    time.Duration `json:"max_connection_idle" yaml:"max_connection_idle"`
	KeepaliveTime        time.Duration `json:"keepalive_time" yaml:"keepalive_time"`
	KeepaliveTimeout     time.Duration `json:"keepalive_timeout" yaml:"keepalive_timeout"`
	MaxConcurrentStreams uint32        `json:"max_concurrent_streams" yaml:"max_concurrent_streams"`

	EnableReflection bool `json:"enable_reflection" yaml:"enable_reflection"`

	EnableTLS   bool   `json:"enable_tls" yaml:"enable_tls"`
	TLSCertFile string `json:"tls_cert_file" yaml:"tls_cert_file" validate:"required_if=EnableTLS true"`
	TLSKeyFile  string `json:"tls_key_file" yaml:"tls_key_file" validate:"required_if=EnableTLS true"`
}

// DefaultServerConfig returns the default gRPC server configuration.
// The server is disabled unless configured otherwise.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:                 "0.0.0.0",
		Port:                 9090,
		ShutdownTimeout:      30 * time.Second,
		HealthInterval:       5 * time.Second,
		MaxConnectionIdle:    15 * time.Minute,
		KeepaliveTime:        5 * time.Minute,
		KeepaliveTimeout:     20 * time.Second,
		MaxConcurrentStreams: 100,
		EnableReflection:     true,
	}
}
