package quictransport

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the settings for the QUIC transport server. Every field has
// a sane default and can be overridden by setting the matching QUIC_*
// environment variable.
type Config struct {
	Enabled                 bool
	BindAddress             string
	Port                    uint16
	CertPath                string
	KeyPath                 string
	MaxConnections          uint32
	MaxStreamsPerConnection uint32
	IdleTimeout             time.Duration
	KeepAliveInterval       time.Duration
}

// DefaultConfig returns the zero-value-free default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                 false,
		BindAddress:             "0.0.0.0",
		Port:                    4433,
		CertPath:                "./certs/server.crt",
		KeyPath:                 "./certs/server.key",
		MaxConnections:          10000,
		MaxStreamsPerConnection: 100,
		IdleTimeout:             30 * time.Second,
		KeepAliveInterval:       5 * time.Second,
	}
}

// ConfigFromEnv builds a Config starting from DefaultConfig and overriding
// each field with its QUIC_* environment variable when present.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("QUIC_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("QUIC_ENABLED: %w", err)
		}
		cfg.Enabled = b
	}

	if v, ok := os.LookupEnv("QUIC_BIND_ADDRESS"); ok && v != "" {
		cfg.BindAddress = v
	}

	if v, ok := os.LookupEnv("QUIC_PORT"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("QUIC_PORT: %w", err)
		}
		cfg.Port = uint16(n)
	}

	if v, ok := os.LookupEnv("QUIC_CERT_PATH"); ok && v != "" {
		cfg.CertPath = v
	}

	if v, ok := os.LookupEnv("QUIC_KEY_PATH"); ok && v != "" {
		cfg.KeyPath = v
	}

	if v, ok := os.LookupEnv("QUIC_MAX_CONNECTIONS"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("QUIC_MAX_CONNECTIONS: %w", err)
		}
		cfg.MaxConnections = uint32(n)
	}

	if v, ok := os.LookupEnv("QUIC_MAX_STREAMS_PER_CONNECTION"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("QUIC_MAX_STREAMS_PER_CONNECTION: %w", err)
		}
		cfg.MaxStreamsPerConnection = uint32(n)
	}

	if v, ok := os.LookupEnv("QUIC_IDLE_TIMEOUT_MS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("QUIC_IDLE_TIMEOUT_MS: %w", err)
		}
		cfg.IdleTimeout = time.Duration(n) * time.Millisecond
	}

	if v, ok := os.LookupEnv("QUIC_KEEP_ALIVE_INTERVAL_MS"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("QUIC_KEEP_ALIVE_INTERVAL_MS: %w", err)
		}
		cfg.KeepAliveInterval = time.Duration(n) * time.Millisecond
	}

	return cfg, cfg.Validate()
}

// Validate enforces the invariants that make the config usable: a non-zero
// port, non-zero limits, and a keep-alive interval strictly smaller than the
// idle timeout (otherwise every keep-alive would race the idle reaper).
func (c Config) Validate() error {
	if c.Port == 0 {
		return ErrInvalidPort
	}
	if c.MaxConnections == 0 {
		return ErrInvalidMaxConnections
	}
	if c.MaxStreamsPerConnection == 0 {
		return ErrInvalidMaxStreams
	}
	if c.IdleTimeout <= 0 {
		return ErrInvalidIdleTimeout
	}
	if c.KeepAliveInterval <= 0 || c.KeepAliveInterval >= c.IdleTimeout {
		return ErrInvalidKeepAliveInterval
	}
	return nil
}

// SocketAddr formats the bind address and port as a "host:port" string
// suitable for net.ListenUDP / quic.Listen.
func (c Config) SocketAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(int(c.Port)))
}
