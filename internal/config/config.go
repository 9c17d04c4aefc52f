package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/jeffersonwarrior/cloudpipe/sdk/corehttp"
)

// EnvPrefix prefixes every environment override, e.g. CLOUDPIPE_ACCOUNT_NAME
// or CLOUDPIPE_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "CLOUDPIPE"

// Transport kinds
const (
	TransportNative = "native"
	TransportStd    = "std"
	TransportResty  = "resty"
)

// Config is the client configuration. Values come from defaults, then the
// YAML file, then the environment.
type Config struct {
	ApplicationID string          `yaml:"application_id" split_words:"true"`
	Account       AccountConfig   `yaml:"account" envconfig:"ACCOUNT"`
	Retry         RetryConfig     `yaml:"retry" envconfig:"RETRY"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging       LoggingConfig   `yaml:"logging" envconfig:"LOG"`
	Transport     TransportConfig `yaml:"transport" envconfig:"TRANSPORT"`
}

// AccountConfig holds the shared-key credential. Both fields empty means
// requests go out unsigned.
type AccountConfig struct {
	Name string `yaml:"name" split_words:"true"`
	Key  string `yaml:"key" split_words:"true"`
}

// RetryConfig holds retry policy settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" split_words:"true"`
	BaseDelay   time.Duration `yaml:"base_delay" split_words:"true"`
	MaxDelay    time.Duration `yaml:"max_delay" split_words:"true"`
	TryTimeout  time.Duration `yaml:"try_timeout" split_words:"true"`
}

// RateLimitConfig holds client-side throttling settings. A zero rate
// disables throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" split_words:"true"`
	Burst             int     `yaml:"burst" split_words:"true"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level          string `yaml:"level" split_words:"true"`
	Development    bool   `yaml:"development" split_words:"true"`
	IncludeHeaders bool   `yaml:"include_headers" split_words:"true"`
}

// TransportConfig selects and tunes the transport backend
type TransportConfig struct {
	Kind              string        `yaml:"kind" split_words:"true"` // native, std, resty
	Timeout           time.Duration `yaml:"timeout" split_words:"true"`
	CloseTimeout      time.Duration `yaml:"close_timeout" split_words:"true"`
	ReadBufferSize    int           `yaml:"read_buffer_size" split_words:"true"`
	ReceiveBufferSize int           `yaml:"receive_buffer_size" split_words:"true"`
}

// Load reads path, applies environment overrides and fills in defaults. A
// missing file yields the defaults; a malformed one is an error. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ApplicationID: "cloudpipe-cli",
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Transport: TransportConfig{
			Kind:              TransportNative,
			Timeout:           30 * time.Second,
			CloseTimeout:      5 * time.Second,
			ReadBufferSize:    32 * 1024,
			ReceiveBufferSize: 4096,
		},
	}
}

// applyDefaults fills in values the file or environment zeroed out
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = def.Transport.Kind
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = def.Transport.Timeout
	}
	if c.Transport.CloseTimeout == 0 {
		c.Transport.CloseTimeout = def.Transport.CloseTimeout
	}
	if c.Transport.ReadBufferSize == 0 {
		c.Transport.ReadBufferSize = def.Transport.ReadBufferSize
	}
	if c.Transport.ReceiveBufferSize == 0 {
		c.Transport.ReceiveBufferSize = def.Transport.ReceiveBufferSize
	}
}

// Validate reports settings no component could honor.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportNative, TransportStd, TransportResty:
	default:
		return fmt.Errorf("unknown transport kind %q (want native, std or resty)", c.Transport.Kind)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if (c.Account.Name == "") != (c.Account.Key == "") {
		return errors.New("account.name and account.key must be set together")
	}
	return nil
}

// Signed reports whether requests should carry a shared-key signature.
func (c *Config) Signed() bool {
	return c.Account.Name != "" && c.Account.Key != ""
}

// ClientOptions maps the config onto the default pipeline options.
func (c *Config) ClientOptions() corehttp.ClientOptions {
	return corehttp.ClientOptions{
		ApplicationID: c.ApplicationID,
		Retry: corehttp.RetryOptions{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			TryTimeout:  c.Retry.TryTimeout,
		},
		RateLimit: corehttp.RateLimitOptions{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			Burst:             c.RateLimit.Burst,
		},
		Logging: corehttp.LoggingOptions{
			IncludeHeaders: c.Logging.IncludeHeaders,
		},
	}
}
