package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort = 8080

	DefaultSampleRetention      = 7 * 24 * time.Hour
	DefaultBaselineLookback     = 24 * time.Hour
	DefaultBaselineMinSamples   = 30
	DefaultAlertMultiplier      = 2.0
	DefaultChangeThresholdPct   = 5.0
	DefaultStatisticalWindow    = time.Hour
	DefaultZThreshold           = 3.0
	DefaultDegradationDays      = 7
	DefaultDegradationPct       = 20.0
	DefaultCorrelationWindow    = 2 * time.Hour
	DefaultCorrelationThreshold = 0.75
	DefaultCorrelationMinPairs  = 10
	DefaultCorrelationRetention = 7 * 24 * time.Hour
	DefaultEscalationWindow     = time.Hour
	DefaultEscalationCount      = 3
	DefaultLatencyCeiling       = 2 * time.Second
	DefaultMaxWait              = 60 * time.Second
	DefaultWorkers              = 4
	DefaultMaxAttempts          = 3
	DefaultBackoffBase          = 5 * time.Minute
	DefaultSendTimeout          = 10 * time.Second
	DefaultPollInterval         = time.Second
	DefaultStaleAfter           = 30 * time.Minute
	DefaultClaimTTL             = time.Minute
	DefaultBaseRate             = 1.0
	DefaultCapacity             = 10
	DefaultMaxPending           = 1000
)

// Config holds the server-side configuration parsed from the `server:` section
// of the config file. The `agent:` key in the same file is ignored.
type Config struct {
	// Version is an operator-supplied revision label. The Holder also stamps
	// every loaded Config with a monotonically increasing Revision.
	Version string `yaml:"version"`

	Server ServerConfig `yaml:"server"`

	// Revision is assigned by Holder.Set; it is not read from YAML.
	Revision uint64 `yaml:"-"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port the ingest API, operator API and WebSocket stream
	// listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	Auth         AuthConfig        `yaml:"auth"`
	Storage      StorageConfig     `yaml:"storage"`
	Retention    RetentionConfig   `yaml:"retention"`
	Baseline     BaselineConfig    `yaml:"baseline"`
	Detection    DetectionConfig   `yaml:"detection"`
	Correlation  CorrelationConfig `yaml:"correlation"`
	Routing      RoutingConfig     `yaml:"routing"`
	Credentials  CredentialsConfig `yaml:"credentials"`
	Destinations []Destination     `yaml:"destinations"`
	Shaper       ShaperConfig      `yaml:"shaper"`
	Delivery     DeliveryConfig    `yaml:"delivery"`
	Events       EventsConfig      `yaml:"events"`
	Jobs         JobsConfig        `yaml:"jobs"`
}

// AuthConfig controls client authentication on the HTTP API.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of: memory | sqlite. Default: memory.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file, used when Backend == "sqlite".
	Path string `yaml:"path"`
}

// RetentionConfig bounds how long append-only data is kept.
type RetentionConfig struct {
	Samples time.Duration `yaml:"samples"`
}

// BaselineConfig drives recalculation and threshold checks.
type BaselineConfig struct {
	Lookback           time.Duration              `yaml:"lookback"`
	MinSamples         int                        `yaml:"min_samples"`
	DefaultMultiplier  float64                    `yaml:"default_multiplier"`
	ChangeThresholdPct float64                    `yaml:"change_threshold_pct"`
	Operations         map[string]OperationConfig `yaml:"operations"`
}

// OperationConfig overrides per-operation alerting parameters.
type OperationConfig struct {
	Multiplier float64 `yaml:"multiplier"`
}

// Multiplier returns the alert multiplier for op, falling back to the default.
func (b BaselineConfig) Multiplier(op string) float64 {
	if oc, ok := b.Operations[op]; ok && oc.Multiplier > 0 {
		return oc.Multiplier
	}
	return b.DefaultMultiplier
}

// DetectionConfig holds the anomaly detector thresholds.
type DetectionConfig struct {
	StatisticalWindow time.Duration `yaml:"statistical_window"`
	ZThreshold        float64       `yaml:"z_threshold"`
	DegradationDays   int           `yaml:"degradation_days"`
	DegradationPct    float64       `yaml:"degradation_pct"`
}

// CorrelationConfig holds the correlation analyzer parameters.
type CorrelationConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold float64       `yaml:"threshold"`
	MinPairs  int           `yaml:"min_pairs"`
	Retention time.Duration `yaml:"retention"`
}

// RoutingConfig holds escalation settings and explicit routing rules.
type RoutingConfig struct {
	EscalationWindow time.Duration `yaml:"escalation_window"`
	EscalationCount  int           `yaml:"escalation_count"`
	Rules            []RoutingRule `yaml:"rules"`
}

// RoutingRule sends alerts matching Severity and Kind to Destinations.
// Empty or "*" fields match anything.
type RoutingRule struct {
	Name         string   `yaml:"name"`
	Severity     string   `yaml:"severity"`
	Kind         string   `yaml:"kind"`
	Destinations []string `yaml:"destinations"`
}

// CredentialsConfig configures how destination credentials are resolved.
type CredentialsConfig struct {
	// EnvelopeKeyEnv names the environment variable holding the base64
	// AES-256 key used to open `ciphertext` credentials.
	EnvelopeKeyEnv string `yaml:"envelope_key_env"`

	// AWSRegion enables the Secrets Manager resolver when non-empty.
	AWSRegion string `yaml:"aws_region"`
}

// EnvelopeKey returns the envelope key resolved from the environment.
func (c CredentialsConfig) EnvelopeKey() string {
	if c.EnvelopeKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.EnvelopeKeyEnv)
}

// Destination is one notification endpoint.
type Destination struct {
	ID string `yaml:"id"`

	// Type is one of: slack | teams | pagerduty | http | log.
	Type string `yaml:"type"`

	// Criticality 0–9 raises delivery priority and picks the INFO channel
	// (lowest criticality wins).
	Criticality int `yaml:"criticality"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// At most one credential source may be set.
	URLEnv     string `yaml:"url_env"`
	Ciphertext string `yaml:"ciphertext"`
	SecretID   string `yaml:"secret_id"`

	BaseRate   float64 `yaml:"base_rate"`
	MinRate    float64 `yaml:"min_rate"`
	MaxRate    float64 `yaml:"max_rate"`
	Capacity   int     `yaml:"capacity"`
	MaxPending int     `yaml:"max_pending"`
}

// IsEnabled reports whether the destination accepts deliveries.
func (d Destination) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// IsChat reports whether the destination is a chat channel.
func (d Destination) IsChat() bool {
	return d.Type == "slack" || d.Type == "teams"
}

// ShaperConfig holds global traffic-shaper settings.
type ShaperConfig struct {
	// Backend is one of: local | redis.
	Backend        string        `yaml:"backend"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPrefix    string        `yaml:"redis_prefix"`
	LatencyCeiling time.Duration `yaml:"latency_ceiling"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

// DeliveryConfig holds worker pool and retry settings.
type DeliveryConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	ClaimTTL     time.Duration `yaml:"claim_ttl"`
}

// EventsConfig enables NATS event publishing when NATSURL is set.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// JobsConfig sets the schedule of the batch jobs. A zero interval disables a job.
type JobsConfig struct {
	BaselineEvery    time.Duration `yaml:"baseline_every"`
	AnomalyEvery     time.Duration `yaml:"anomaly_every"`
	CorrelationEvery time.Duration `yaml:"correlation_every"`
	RateEvery        time.Duration `yaml:"rate_every"`
	StaleEvery       time.Duration `yaml:"stale_every"`
	RetentionEvery   time.Duration `yaml:"retention_every"`
}

// Destination returns the destination with the given ID.
func (s ServerConfig) Destination(id string) (Destination, bool) {
	for _, d := range s.Destinations {
		if d.ID == id {
			return d, true
		}
	}
	return Destination{}, false
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes the same way Load does.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}
	applyDestinationDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:  DefaultHTTPPort,
			Storage:   StorageConfig{Backend: "memory"},
			Retention: RetentionConfig{Samples: DefaultSampleRetention},
			Baseline: BaselineConfig{
				Lookback:           DefaultBaselineLookback,
				MinSamples:         DefaultBaselineMinSamples,
				DefaultMultiplier:  DefaultAlertMultiplier,
				ChangeThresholdPct: DefaultChangeThresholdPct,
			},
			Detection: DetectionConfig{
				StatisticalWindow: DefaultStatisticalWindow,
				ZThreshold:        DefaultZThreshold,
				DegradationDays:   DefaultDegradationDays,
				DegradationPct:    DefaultDegradationPct,
			},
			Correlation: CorrelationConfig{
				Window:    DefaultCorrelationWindow,
				Threshold: DefaultCorrelationThreshold,
				MinPairs:  DefaultCorrelationMinPairs,
				Retention: DefaultCorrelationRetention,
			},
			Routing: RoutingConfig{
				EscalationWindow: DefaultEscalationWindow,
				EscalationCount:  DefaultEscalationCount,
			},
			Shaper: ShaperConfig{
				Backend:        "local",
				RedisPrefix:    "pulse:bucket:",
				LatencyCeiling: DefaultLatencyCeiling,
				MaxWait:        DefaultMaxWait,
			},
			Delivery: DeliveryConfig{
				Workers:      DefaultWorkers,
				MaxAttempts:  DefaultMaxAttempts,
				BackoffBase:  DefaultBackoffBase,
				SendTimeout:  DefaultSendTimeout,
				PollInterval: DefaultPollInterval,
				StaleAfter:   DefaultStaleAfter,
				ClaimTTL:     DefaultClaimTTL,
			},
			Events: EventsConfig{SubjectPrefix: "pulse"},
			Jobs: JobsConfig{
				BaselineEvery:    5 * time.Minute,
				AnomalyEvery:     5 * time.Minute,
				CorrelationEvery: 10 * time.Minute,
				RateEvery:        30 * time.Second,
				StaleEvery:       time.Minute,
				RetentionEvery:   time.Hour,
			},
		},
	}
}

// applyDestinationDefaults fills per-destination rate settings. It runs after
// unmarshalling because list elements cannot be pre-populated.
func applyDestinationDefaults(cfg *Config) {
	for i := range cfg.Server.Destinations {
		d := &cfg.Server.Destinations[i]
		if d.BaseRate == 0 {
			d.BaseRate = DefaultBaseRate
		}
		if d.MinRate == 0 {
			d.MinRate = d.BaseRate * 0.05
		}
		if d.MaxRate == 0 {
			d.MaxRate = d.BaseRate * 5
		}
		if d.Capacity == 0 {
			d.Capacity = DefaultCapacity
		}
		if d.MaxPending == 0 {
			d.MaxPending = DefaultMaxPending
		}
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	switch s.Storage.Backend {
	case "memory":
	case "sqlite":
		if s.Storage.Path == "" {
			return fmt.Errorf("server.storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("server.storage.backend %q unknown: want memory|sqlite", s.Storage.Backend)
	}
	if s.Retention.Samples <= 0 {
		return fmt.Errorf("server.retention.samples must be positive")
	}
	if s.Baseline.Lookback <= 0 || s.Baseline.MinSamples <= 0 {
		return fmt.Errorf("server.baseline: lookback and min_samples must be positive")
	}
	if s.Baseline.DefaultMultiplier <= 0 {
		return fmt.Errorf("server.baseline.default_multiplier must be positive")
	}
	if s.Detection.ZThreshold <= 0 || s.Detection.DegradationPct <= 0 || s.Detection.DegradationDays <= 0 {
		return fmt.Errorf("server.detection: thresholds must be positive")
	}
	if s.Correlation.Threshold <= 0 || s.Correlation.Threshold > 1 {
		return fmt.Errorf("server.correlation.threshold %.2f is out of range (0, 1]", s.Correlation.Threshold)
	}
	if s.Correlation.MinPairs < 2 {
		return fmt.Errorf("server.correlation.min_pairs must be at least 2")
	}
	if s.Routing.EscalationCount < 1 {
		return fmt.Errorf("server.routing.escalation_count must be at least 1")
	}

	ids := make(map[string]bool, len(s.Destinations))
	for i, d := range s.Destinations {
		if d.ID == "" {
			return fmt.Errorf("destinations[%d]: id is required", i)
		}
		if ids[d.ID] {
			return fmt.Errorf("destinations[%d]: duplicate id %q", i, d.ID)
		}
		ids[d.ID] = true
		switch d.Type {
		case "slack", "teams", "pagerduty", "http", "log":
		default:
			return fmt.Errorf("destinations[%d] %q: unknown type %q", i, d.ID, d.Type)
		}
		sources := 0
		for _, v := range []string{d.URLEnv, d.Ciphertext, d.SecretID} {
			if v != "" {
				sources++
			}
		}
		if sources > 1 {
			return fmt.Errorf("destinations[%d] %q: set only one of url_env, ciphertext, secret_id", i, d.ID)
		}
		if d.Criticality < 0 || d.Criticality > 9 {
			return fmt.Errorf("destinations[%d] %q: criticality %d is out of range [0, 9]", i, d.ID, d.Criticality)
		}
		if d.MinRate > d.BaseRate || d.BaseRate > d.MaxRate {
			return fmt.Errorf("destinations[%d] %q: want min_rate <= base_rate <= max_rate", i, d.ID)
		}
	}
	for i, r := range s.Routing.Rules {
		if len(r.Destinations) == 0 {
			return fmt.Errorf("routing.rules[%d]: destinations are required", i)
		}
		for _, id := range r.Destinations {
			if !ids[id] {
				return fmt.Errorf("routing.rules[%d]: unknown destination %q", i, id)
			}
		}
	}

	switch s.Shaper.Backend {
	case "local":
	case "redis":
		if s.Shaper.RedisAddr == "" {
			return fmt.Errorf("server.shaper.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("server.shaper.backend %q unknown: want local|redis", s.Shaper.Backend)
	}
	if s.Delivery.Workers <= 0 || s.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("server.delivery: workers and max_attempts must be positive")
	}
	if s.Delivery.BackoffBase <= 0 || s.Delivery.SendTimeout <= 0 || s.Delivery.StaleAfter <= 0 {
		return fmt.Errorf("server.delivery: backoff_base, send_timeout and stale_after must be positive")
	}
	return nil
}
