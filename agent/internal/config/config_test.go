package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  server_url: "http://pulse:8080"
  scrape_interval: 10s
  ship_interval: 5s
  buffer_size: 500
  batch_size: 50
  server_auth:
    mode: apikey
    key_env: PULSE_API_KEY
  sources:
    - id: vcs-api
      endpoint: "http://vcs:9100/metrics"
      metric: vcs_request_duration_seconds
      operation_label: op
      auth:
        mode: none
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.ServerURL != "http://pulse:8080" {
		t.Errorf("server_url: got %q", cfg.Agent.ServerURL)
	}
	if cfg.Agent.ScrapeInterval != 10*time.Second {
		t.Errorf("scrape_interval: got %v", cfg.Agent.ScrapeInterval)
	}
	if cfg.Agent.BufferSize != 500 || cfg.Agent.BatchSize != 50 {
		t.Errorf("buffer/batch: got %d/%d", cfg.Agent.BufferSize, cfg.Agent.BatchSize)
	}
	if cfg.Agent.ServerAuth.Header != DefaultAPIKeyHeader {
		t.Errorf("server_auth.header: got %q, want default", cfg.Agent.ServerAuth.Header)
	}
	if len(cfg.Agent.Sources) != 1 {
		t.Fatalf("sources: got %d, want 1", len(cfg.Agent.Sources))
	}
	src := cfg.Agent.Sources[0]
	if src.ID != "vcs-api" || src.Metric != "vcs_request_duration_seconds" || src.OperationLabel != "op" {
		t.Errorf("source: got %+v", src)
	}
	if src.Unit != "seconds" {
		t.Errorf("unit: got %q, want seconds", src.Unit)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
agent:
  server_url: "http://pulse:8080"
  sources:
    - id: vcs
      endpoint: "http://vcs:9100/metrics"
      metric: rpc_duration_seconds
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.ScrapeInterval != DefaultScrapeInterval {
		t.Errorf("default scrape_interval: got %v, want %v", cfg.Agent.ScrapeInterval, DefaultScrapeInterval)
	}
	if cfg.Agent.ShipInterval != DefaultShipInterval {
		t.Errorf("default ship_interval: got %v, want %v", cfg.Agent.ShipInterval, DefaultShipInterval)
	}
	if cfg.Agent.BufferSize != DefaultBufferSize {
		t.Errorf("default buffer_size: got %d, want %d", cfg.Agent.BufferSize, DefaultBufferSize)
	}
	if cfg.Agent.BatchSize != DefaultBatchSize {
		t.Errorf("default batch_size: got %d, want %d", cfg.Agent.BatchSize, DefaultBatchSize)
	}
	if got := cfg.Agent.Sources[0].OperationLabel; got != DefaultOperationLabel {
		t.Errorf("default operation_label: got %q", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing server_url",
			yaml: `
agent:
  sources: []
`,
			want: "server_url",
		},
		{
			name: "missing metric",
			yaml: `
agent:
  server_url: "http://pulse:8080"
  sources:
    - id: vcs
      endpoint: "http://vcs:9100/metrics"
`,
			want: "metric is required",
		},
		{
			name: "duplicate id",
			yaml: `
agent:
  server_url: "http://pulse:8080"
  sources:
    - {id: vcs, endpoint: "http://a/metrics", metric: m}
    - {id: vcs, endpoint: "http://b/metrics", metric: m}
`,
			want: "duplicate id",
		},
		{
			name: "unknown unit",
			yaml: `
agent:
  server_url: "http://pulse:8080"
  sources:
    - {id: vcs, endpoint: "http://a/metrics", metric: m, unit: minutes}
`,
			want: "unknown unit",
		},
		{
			name: "unknown source auth",
			yaml: `
agent:
  server_url: "http://pulse:8080"
  sources:
    - id: vcs
      endpoint: "http://a/metrics"
      metric: m
      auth: {mode: kerberos}
`,
			want: "unknown auth mode",
		},
		{
			name: "apikey without key_env",
			yaml: `
agent:
  server_url: "http://pulse:8080"
  server_auth: {mode: apikey}
`,
			want: "key_env",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadStringErr(t, tc.yaml)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestSource_MicrosPerUnit(t *testing.T) {
	cases := map[string]float64{"seconds": 1e6, "milliseconds": 1e3, "microseconds": 1}
	for unit, want := range cases {
		if got := (Source{Unit: unit}).MicrosPerUnit(); got != want {
			t.Errorf("MicrosPerUnit(%q) = %v, want %v", unit, got, want)
		}
	}
}

func TestAuthConfig_EnvLookups(t *testing.T) {
	t.Setenv("TEST_SRC_KEY", "k1")
	t.Setenv("TEST_SRC_TOKEN", "t1")
	t.Setenv("TEST_SRC_PASS", "p1")
	a := AuthConfig{KeyEnv: "TEST_SRC_KEY", TokenEnv: "TEST_SRC_TOKEN", PasswordEnv: "TEST_SRC_PASS"}
	if a.Key() != "k1" || a.Token() != "t1" || a.Password() != "p1" {
		t.Errorf("got key=%q token=%q password=%q", a.Key(), a.Token(), a.Password())
	}
	if (AuthConfig{}).Key() != "" {
		t.Error("empty KeyEnv should resolve to empty string")
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(id string) {
		t.Helper()
		body := "agent:\n  server_url: http://pulse:8080\n  sources:\n    - {id: " + id + ", endpoint: http://a/metrics, metric: m}\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	ready := make(chan error, 1)
	go func() {
		ready <- Watch(ctx, path, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	write("second")

	select {
	case cfg := <-got:
		if cfg.Agent.Sources[0].ID != "second" {
			t.Errorf("reloaded source id = %q, want second", cfg.Agent.Sources[0].ID)
		}
	case err := <-ready:
		t.Fatalf("Watch returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
