package config

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ClientConfig holds the connection settings used to reach the IMAP server.
type ClientConfig struct {
	Host             string `toml:"host"`               // Server hostname, also used for certificate verification
	Port             int    `toml:"port"`               // Implicit TLS port (default: 993)
	ConnectTimeout   string `toml:"connect_timeout"`    // Deadline for the whole connect sequence including the greeting (default: "10s")
	CommandTimeout   string `toml:"command_timeout"`    // Deadline for a single command exchange (default: "30s")
	TLSVerify        bool   `toml:"tls_verify"`         // Verify the server certificate (default: true)
	TLSCAFile        string `toml:"tls_ca_file"`        // Optional PEM bundle with additional trusted roots
	TLSCertFile      string `toml:"tls_cert_file"`      // Optional client certificate for mutual TLS
	TLSKeyFile       string `toml:"tls_key_file"`       // Key for tls_cert_file
	TLSMinVersion    string `toml:"tls_min_version"`    // "1.2" or "1.3" (default: "1.2")
	MaxLineBytes     int    `toml:"max_line_bytes"`     // Longest accepted response line (default: 65536)
	MaxLiteralBytes  int64  `toml:"max_literal_bytes"`  // Largest accepted literal (default: 64MiB)
	MaxResponseBytes int64  `toml:"max_response_bytes"` // Largest accepted response, literals included (default: 128MiB)
}

// AuthConfig holds optional credentials used by the probe.
type AuthConfig struct {
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Identity  string `toml:"identity"`  // SASL authorization identity (usually empty)
	Mechanism string `toml:"mechanism"` // "auto", "plain" or "login" (default: "auto")
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Client  ClientConfig  `toml:"client"`
	Auth    AuthConfig    `toml:"auth"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Client: ClientConfig{
			Port:             993,
			ConnectTimeout:   "10s",
			CommandTimeout:   "30s",
			TLSVerify:        true,
			TLSMinVersion:    "1.2",
			MaxLineBytes:     64 * 1024,
			MaxLiteralBytes:  64 * 1024 * 1024,
			MaxResponseBytes: 128 * 1024 * 1024,
		},
		Auth: AuthConfig{
			Mechanism: "auto",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9993",
			Path:    "/metrics",
		},
	}
}

func (c *ClientConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(c.ConnectTimeout)
}

func (c *ClientConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.CommandTimeout)
}

// GetTLSMinVersion maps the configured version string to a crypto/tls constant.
func (c *ClientConfig) GetTLSMinVersion() (uint16, error) {
	switch c.TLSMinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls_min_version %q (use \"1.2\" or \"1.3\")", c.TLSMinVersion)
	}
}

func (c *ClientConfig) GetPort() int {
	if c.Port <= 0 {
		return 993
	}
	return c.Port
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Client.Host == "" {
		return fmt.Errorf("client.host is required")
	}
	if c.Client.Port < 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client.port %d is out of range", c.Client.Port)
	}
	if _, err := c.Client.GetConnectTimeout(); err != nil {
		return fmt.Errorf("client.connect_timeout: %w", err)
	}
	if _, err := c.Client.GetCommandTimeout(); err != nil {
		return fmt.Errorf("client.command_timeout: %w", err)
	}
	if _, err := c.Client.GetTLSMinVersion(); err != nil {
		return fmt.Errorf("client.tls_min_version: %w", err)
	}
	if (c.Client.TLSCertFile == "") != (c.Client.TLSKeyFile == "") {
		return fmt.Errorf("client.tls_cert_file and client.tls_key_file must be set together")
	}
	switch strings.ToLower(c.Auth.Mechanism) {
	case "", "auto", "plain", "login":
	default:
		return fmt.Errorf("auth.mechanism %q is not supported", c.Auth.Mechanism)
	}
	if c.Auth.Username != "" && c.Auth.Password == "" {
		return fmt.Errorf("auth.password is required when auth.username is set")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
