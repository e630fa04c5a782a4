package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/pulse/agent/internal/config"
)

// typedSummary is a summary as client_golang exposes it.
const typedSummary = `
# HELP vcs_request_duration_seconds Request latency.
# TYPE vcs_request_duration_seconds summary
vcs_request_duration_seconds{op="get_history",quantile="0.5"} 0.012
vcs_request_duration_seconds{op="get_history",quantile="0.99"} 0.09
vcs_request_duration_seconds_sum{op="get_history"} 12.5
vcs_request_duration_seconds_count{op="get_history"} 1000
vcs_request_duration_seconds{op="merge",quantile="0.5"} 0.4
vcs_request_duration_seconds_sum{op="merge"} 40
vcs_request_duration_seconds_count{op="merge"} 80
`

// typedHistogram has two series for the same operation, split by instance.
const typedHistogram = `
# TYPE rpc_duration_seconds histogram
rpc_duration_seconds_bucket{op="commit",instance="a",le="0.1"} 5
rpc_duration_seconds_bucket{op="commit",instance="a",le="+Inf"} 10
rpc_duration_seconds_sum{op="commit",instance="a"} 2
rpc_duration_seconds_count{op="commit",instance="a"} 10
rpc_duration_seconds_bucket{op="commit",instance="b",le="0.1"} 2
rpc_duration_seconds_bucket{op="commit",instance="b",le="+Inf"} 10
rpc_duration_seconds_sum{op="commit",instance="b"} 3
rpc_duration_seconds_count{op="commit",instance="b"} 10
rpc_duration_seconds_bucket{le="+Inf"} 4
rpc_duration_seconds_sum 1
rpc_duration_seconds_count 4
`

// untyped carries bare _sum and _count series in milliseconds; "push" has
// no _count and must be skipped.
const untyped = `
clone_ms_sum{operation="clone"} 3000
clone_ms_count{operation="clone"} 6
clone_ms_sum{operation="push"} 100
`

func newTestScraper(endpoint string, src config.Source) *Prometheus {
	src.Endpoint = endpoint
	if src.ID == "" {
		src.ID = "test"
	}
	return &Prometheus{
		src:    src,
		client: http.DefaultClient,
		now:    func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrometheus_TypedSummary(t *testing.T) {
	srv := serve(t, typedSummary)
	s := newTestScraper(srv.URL, config.Source{
		Metric: "vcs_request_duration_seconds", OperationLabel: "op", Unit: "seconds",
	})

	res, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if res.Err != nil {
		t.Fatalf("res.Err = %v", res.Err)
	}
	if res.SourceID != "test" {
		t.Errorf("SourceID = %q", res.SourceID)
	}

	want := map[string]Totals{
		"get_history": {SumMicros: 12.5e6, Count: 1000},
		"merge":       {SumMicros: 40e6, Count: 80},
	}
	if len(res.Totals) != len(want) {
		t.Fatalf("Totals = %v, want %v", res.Totals, want)
	}
	for op, w := range want {
		if got := res.Totals[op]; got != w {
			t.Errorf("Totals[%q] = %+v, want %+v", op, got, w)
		}
	}
}

func TestPrometheus_HistogramAggregatesSeries(t *testing.T) {
	srv := serve(t, typedHistogram)
	s := newTestScraper(srv.URL, config.Source{
		Metric: "rpc_duration_seconds", OperationLabel: "op", Unit: "seconds",
	})

	res, _ := s.Scrape(context.Background())
	if res.Err != nil {
		t.Fatalf("res.Err = %v", res.Err)
	}
	if len(res.Totals) != 1 {
		t.Fatalf("Totals = %v, want only commit (unlabelled series ignored)", res.Totals)
	}
	got := res.Totals["commit"]
	if got.SumMicros != 5e6 || got.Count != 20 {
		t.Errorf("commit = %+v, want sum 5e6 count 20", got)
	}
}

func TestPrometheus_UntypedSumAndCount(t *testing.T) {
	srv := serve(t, untyped)
	s := newTestScraper(srv.URL, config.Source{
		Metric: "clone_ms", OperationLabel: "operation", Unit: "milliseconds",
	})

	res, _ := s.Scrape(context.Background())
	if res.Err != nil {
		t.Fatalf("res.Err = %v", res.Err)
	}
	if _, ok := res.Totals["push"]; ok {
		t.Error("push has no _count and should be skipped")
	}
	got := res.Totals["clone"]
	if got.SumMicros != 3e6 || got.Count != 6 {
		t.Errorf("clone = %+v, want sum 3e6 count 6", got)
	}
}

func TestPrometheus_MetricMissing(t *testing.T) {
	srv := serve(t, typedSummary)
	s := newTestScraper(srv.URL, config.Source{Metric: "absent", OperationLabel: "op", Unit: "seconds"})

	res, _ := s.Scrape(context.Background())
	if res.Err != nil {
		t.Fatalf("res.Err = %v", res.Err)
	}
	if len(res.Totals) != 0 {
		t.Errorf("Totals = %v, want empty", res.Totals)
	}
}

func TestPrometheus_ConnectFailure(t *testing.T) {
	s := newTestScraper("http://127.0.0.1:1", config.Source{Metric: "m", OperationLabel: "op"})

	res, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() should not return a Go error, got %v", err)
	}
	if res.Err == nil {
		t.Error("res.Err should be set for a connection failure")
	}
}

func TestPrometheus_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s := newTestScraper(srv.URL, config.Source{Metric: "m", OperationLabel: "op"})

	res, _ := s.Scrape(context.Background())
	if res.Err == nil || !strings.Contains(res.Err.Error(), "503") {
		t.Errorf("res.Err = %v, want unexpected status 503", res.Err)
	}
}

func TestNew_AuthHeaders(t *testing.T) {
	t.Setenv("TEST_SCRAPE_TOKEN", "tok")
	t.Setenv("TEST_SCRAPE_KEY", "key")
	t.Setenv("TEST_SCRAPE_PASS", "pw")

	cases := []struct {
		name  string
		auth  config.AuthConfig
		check func(r *http.Request) bool
	}{
		{"bearer", config.AuthConfig{Mode: "bearer", TokenEnv: "TEST_SCRAPE_TOKEN"}, func(r *http.Request) bool {
			return r.Header.Get("Authorization") == "Bearer tok"
		}},
		{"apikey", config.AuthConfig{Mode: "apikey", Header: "X-Scrape-Key", KeyEnv: "TEST_SCRAPE_KEY"}, func(r *http.Request) bool {
			return r.Header.Get("X-Scrape-Key") == "key"
		}},
		{"basic", config.AuthConfig{Mode: "basic", Username: "u", PasswordEnv: "TEST_SCRAPE_PASS"}, func(r *http.Request) bool {
			user, pass, ok := r.BasicAuth()
			return ok && user == "u" && pass == "pw"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ok bool
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ok = tc.check(r)
				_, _ = w.Write([]byte(typedSummary))
			}))
			defer srv.Close()

			s, err := New(config.Source{
				ID: "auth", Endpoint: srv.URL, Metric: "vcs_request_duration_seconds",
				OperationLabel: "op", Unit: "seconds", Auth: tc.auth,
			})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			res, _ := s.Scrape(context.Background())
			if res.Err != nil {
				t.Fatalf("res.Err = %v", res.Err)
			}
			if !ok {
				t.Error("credentials not sent as expected")
			}
		})
	}
}

func TestNew_MTLSMissingCert(t *testing.T) {
	_, err := New(config.Source{ID: "m", Auth: config.AuthConfig{Mode: "mtls", CertFile: "/nonexistent.pem", KeyFile: "/nonexistent.key"}})
	if err == nil {
		t.Fatal("expected error for missing client certificate")
	}
}
