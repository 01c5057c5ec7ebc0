package http

import (
	"time"
)

// ServerConfig contains configuration for the admin HTTP server
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`

	// Port 0 picks a free port
	Port int `json:"port" yaml:"port" validate:"min=0,max=65535"`

	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	MaxHeaderBytes int `json:"max_header_bytes" yaml:"max_header_bytes" validate:"min=0"`

	EnableTLS   bool   `json:"enable_tls" yaml:"enable_tls"`
	TLSCertFile string `json:"tls_cert_file" yaml:"tls_cert_file" validate:"required_if=EnableTLS true"`
	TLSKeyFile  string `json:"tls_key_file" yaml:"tls_key_file" validate:"required_if=EnableTLS true"`

	Auth AuthConfig `json:"auth" yaml:"auth"`
}

// AuthConfig enables bearer token authentication of mutating routes.
// Tokens are HS256 JWTs signed with Secret.
type AuthConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Secret   string `json:"secret" yaml:"secret" validate:"required_if=Enabled true"`
	Issuer   string `json:"issuer" yaml:"issuer"`
	Audience string `json:"audience" yaml:"audience"`

	// Leeway tolerates clock skew when checking exp and nbf
	Leeway time.Duration `json:"leeway" yaml:"leeway"`
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		MaxHeaderBytes:  1 << 20,
		Auth: AuthConfig{
			Issuer: "jobsched",
			Leeway: 30 * time.Second,
		},
	}
}
