package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/pulse/agent/internal/config"
)

const (
	defaultScrapeTimeout = 10 * time.Second
	maxExpositionBytes   = 16 << 20
)

// Totals is the cumulative latency state of one operation as exposed by the
// source: the summary or histogram _sum (converted to microseconds) and
// _count.
type Totals struct {
	SumMicros float64
	Count     float64
}

// ScrapeResult is the output of one scrape of a single source. Totals are raw
// cumulative values; the compute engine derives samples from the deltas
// between two results.
type ScrapeResult struct {
	SourceID  string
	ScrapedAt time.Time

	// Totals is keyed by the value of the source's operation label.
	Totals map[string]Totals

	// Err is non-nil if the scrape itself failed (connectivity, auth, parse).
	Err error
}

// Scraper is implemented by every source scraper.
type Scraper interface {
	Scrape(ctx context.Context) (*ScrapeResult, error)
}

// New returns a Prometheus scraper for src. It builds the HTTP client once
// and reuses it across scrape calls.
func New(src config.Source) (*Prometheus, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("scraper %q: build http client: %w", src.ID, err)
	}
	return &Prometheus{src: src, client: client, now: time.Now}, nil
}

// authTransport decorates every outgoing request with the source's
// credentials. Secrets are read from the environment per request so a
// rotated value is picked up without a restart.
type authTransport struct {
	next  http.RoundTripper
	apply func(*http.Request)
}

func (t authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.apply == nil {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	t.apply(req)
	return t.next.RoundTrip(req)
}

func credentialsFor(a config.AuthConfig) func(*http.Request) {
	switch a.Mode {
	case "apikey":
		return func(r *http.Request) { r.Header.Set(a.Header, a.Key()) }
	case "bearer":
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+a.Token()) }
	case "basic":
		return func(r *http.Request) { r.SetBasicAuth(a.Username, a.Password()) }
	}
	return nil
}

// tlsConfigFor loads the client certificate for mtls sources. A CA file is
// honoured in every mode, for endpoints behind a private CA.
func tlsConfigFor(src config.Source) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if src.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if src.Auth.CAFile != "" {
		pem, err := os.ReadFile(src.Auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg, err := tlsConfigFor(src)
	if err != nil {
		return nil, err
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsCfg
	return &http.Client{
		Transport: authTransport{next: base, apply: credentialsFor(src.Auth)},
		Timeout:   defaultScrapeTimeout,
	}, nil
}

func fetchMetrics(ctx context.Context, client *http.Client, endpoint string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(io.LimitReader(resp.Body, maxExpositionBytes))
}

// parseMetrics decodes a Prometheus text exposition from r. A partial parse
// that produced at least one family counts as success.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}
