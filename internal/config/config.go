// Package config loads and validates the pimmirror YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DBPath is the SQLite mirror database file. Defaults to
	// ~/.local/share/pimmirror/mirror.db.
	DBPath string `yaml:"db_path"`

	// MailRoot is the directory containing one subdirectory per mail account.
	// Each partition below resolves to MailRoot/<partition>.
	MailRoot string `yaml:"mail_root"`

	// Partitions are the account subdirectories to mirror. At least one.
	Partitions []string `yaml:"partitions"`

	// PollInterval controls how often the watch loop runs an incremental
	// pass. Minimum 10s, maximum 1h. Defaults to 1m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FetchTimeout bounds a single source fetch. Defaults to 2m.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxBackoff caps the watch loop's exponential backoff after transient
	// failures. Defaults to 15m.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// ExpansionWindow is how far forward recurring events are expanded into
	// occurrence records. Defaults to one year.
	ExpansionWindow time.Duration `yaml:"expansion_window"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "pimmirror".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/pimmirror/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pimmirror", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.MailRoot == "" {
		return fmt.Errorf("mail_root is required")
	}

	if len(c.Partitions) == 0 {
		return fmt.Errorf("partitions must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p == "" {
			return fmt.Errorf("partitions contains an empty entry")
		}
		if filepath.Base(p) != p {
			return fmt.Errorf("partition %q must be a plain directory name, not a path", p)
		}
		if seen[p] {
			return fmt.Errorf("partition %q is listed twice", p)
		}
		seen[p] = true
	}

	if c.PollInterval == 0 {
		c.PollInterval = time.Minute
	}
	if c.PollInterval < 10*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.FetchTimeout == 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.FetchTimeout < time.Second {
		return fmt.Errorf("fetch_timeout %v is too short (minimum 1s)", c.FetchTimeout)
	}

	if c.MaxBackoff == 0 {
		c.MaxBackoff = 15 * time.Minute
	}
	if c.MaxBackoff < c.PollInterval {
		return fmt.Errorf("max_backoff %v must not be shorter than poll_interval %v", c.MaxBackoff, c.PollInterval)
	}

	if c.ExpansionWindow == 0 {
		c.ExpansionWindow = 365 * 24 * time.Hour
	}
	if c.ExpansionWindow < 24*time.Hour {
		return fmt.Errorf("expansion_window %v is too short (minimum 24h)", c.ExpansionWindow)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
