package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval = 30 * time.Second
	DefaultShipInterval   = 15 * time.Second
	DefaultBufferSize     = 1000
	DefaultBatchSize      = 200
	DefaultOperationLabel = "operation"
	DefaultUnit           = "seconds"
	DefaultAPIKeyHeader   = "x-api-key"
)

// Config is the top-level agent configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerURL is the base URL of pulse-server, e.g. "http://pulse:8080".
	ServerURL string `yaml:"server_url"`

	ScrapeInterval time.Duration `yaml:"scrape_interval"`
	ShipInterval   time.Duration `yaml:"ship_interval"`

	// BufferSize is the maximum number of samples held while the server is
	// unreachable. The oldest sample is evicted first.
	BufferSize int `yaml:"buffer_size"`

	// BatchSize caps the samples sent per POST.
	BatchSize int `yaml:"batch_size"`

	ServerAuth ServerAuthConfig `yaml:"server_auth"`

	Sources []Source `yaml:"sources"`
}

// ServerAuthConfig is how the agent authenticates its ingest requests.
type ServerAuthConfig struct {
	// Mode is apikey or none.
	Mode   string `yaml:"mode"`
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`
}

// Key returns the API key resolved from the environment.
func (a ServerAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Source is one Prometheus endpoint exposing a latency summary or histogram.
type Source struct {
	// ID is a unique, human-readable identifier for this source.
	ID string `yaml:"id"`

	// Endpoint is the full URL of the /metrics page.
	Endpoint string `yaml:"endpoint"`

	// Metric is the base name of the summary or histogram, without the
	// _sum/_count suffix.
	Metric string `yaml:"metric"`

	// OperationLabel names the label whose value becomes the sample's
	// operation type.
	OperationLabel string `yaml:"operation_label"`

	// Unit is the unit of the metric's _sum: seconds | milliseconds | microseconds.
	Unit string `yaml:"unit"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// MicrosPerUnit converts one unit of the source's _sum to microseconds.
func (s Source) MicrosPerUnit() float64 {
	switch s.Unit {
	case "milliseconds":
		return 1e3
	case "microseconds":
		return 1
	default:
		return 1e6
	}
}

// AuthConfig specifies how the agent authenticates to a source.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mtls
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// apikey
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`

	// bearer
	TokenEnv string `yaml:"token_env"`

	// basic
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

func (a AuthConfig) Key() string      { return lookupEnv(a.KeyEnv) }
func (a AuthConfig) Token() string    { return lookupEnv(a.TokenEnv) }
func (a AuthConfig) Password() string { return lookupEnv(a.PasswordEnv) }

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applySourceDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ScrapeInterval: DefaultScrapeInterval,
			ShipInterval:   DefaultShipInterval,
			BufferSize:     DefaultBufferSize,
			BatchSize:      DefaultBatchSize,
		},
	}
}

func applySourceDefaults(cfg *Config) {
	if cfg.Agent.ServerAuth.Mode == "apikey" && cfg.Agent.ServerAuth.Header == "" {
		cfg.Agent.ServerAuth.Header = DefaultAPIKeyHeader
	}
	for i := range cfg.Agent.Sources {
		src := &cfg.Agent.Sources[i]
		if src.OperationLabel == "" {
			src.OperationLabel = DefaultOperationLabel
		}
		if src.Unit == "" {
			src.Unit = DefaultUnit
		}
	}
}

func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if a.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if a.ShipInterval <= 0 {
		return fmt.Errorf("agent.ship_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("agent.batch_size must be positive")
	}
	switch a.ServerAuth.Mode {
	case "apikey":
		if a.ServerAuth.KeyEnv == "" {
			return fmt.Errorf("agent.server_auth.key_env is required for apikey mode")
		}
	case "none", "":
	default:
		return fmt.Errorf("agent.server_auth: unknown mode %q", a.ServerAuth.Mode)
	}

	seen := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		if src.Metric == "" {
			return fmt.Errorf("sources[%d] %q: metric is required", i, src.ID)
		}
		switch src.Unit {
		case "seconds", "milliseconds", "microseconds":
		default:
			return fmt.Errorf("sources[%d] %q: unknown unit %q", i, src.ID, src.Unit)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}
