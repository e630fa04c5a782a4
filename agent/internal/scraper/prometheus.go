package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/obsidianstack/pulse/agent/internal/config"
)

// Prometheus reads one summary or histogram from a /metrics endpoint and
// groups its _sum and _count by the operation label.
type Prometheus struct {
	src    config.Source
	client *http.Client
	now    func() time.Time
}

// Scrape fetches the endpoint and extracts per-operation totals. Fetch and
// parse failures are reported in ScrapeResult.Err, not as an error.
func (p *Prometheus) Scrape(ctx context.Context) (*ScrapeResult, error) {
	res := &ScrapeResult{SourceID: p.src.ID, ScrapedAt: p.now().UTC()}

	mfs, err := fetchMetrics(ctx, p.client, p.src.Endpoint)
	if err != nil {
		res.Err = fmt.Errorf("prometheus scrape %q: %w", p.src.ID, err)
		slog.Warn("scraper: fetch failed", "source", p.src.ID, "err", err)
		return res, nil
	}

	res.Totals = p.extract(mfs)
	if len(res.Totals) == 0 {
		slog.Debug("scraper: metric not present", "source", p.src.ID, "metric", p.src.Metric)
	}
	return res, nil
}

// extract handles both typed expositions, where the summary or histogram is a
// single family, and untyped ones, where _sum and _count arrive as separate
// families. Series without the operation label are ignored; series that share
// an operation value are added together.
func (p *Prometheus) extract(mfs map[string]*dto.MetricFamily) map[string]Totals {
	scale := p.src.MicrosPerUnit()
	label := p.src.OperationLabel
	out := make(map[string]Totals)

	if mf, ok := mfs[p.src.Metric]; ok {
		for _, m := range mf.GetMetric() {
			op := labelValue(m, label)
			if op == "" {
				continue
			}
			var sum float64
			var count uint64
			switch {
			case m.Summary != nil:
				sum, count = m.Summary.GetSampleSum(), m.Summary.GetSampleCount()
			case m.Histogram != nil:
				sum, count = m.Histogram.GetSampleSum(), m.Histogram.GetSampleCount()
			default:
				continue
			}
			t := out[op]
			t.SumMicros += sum * scale
			t.Count += float64(count)
			out[op] = t
		}
		return out
	}

	sums := byOperation(mfs[p.src.Metric+"_sum"], label)
	counts := byOperation(mfs[p.src.Metric+"_count"], label)
	for op, sum := range sums {
		count, ok := counts[op]
		if !ok {
			continue
		}
		out[op] = Totals{SumMicros: sum * scale, Count: count}
	}
	return out
}

func byOperation(mf *dto.MetricFamily, label string) map[string]float64 {
	if mf == nil {
		return nil
	}
	out := make(map[string]float64)
	for _, m := range mf.GetMetric() {
		op := labelValue(m, label)
		if op == "" {
			continue
		}
		switch {
		case m.Counter != nil:
			out[op] += m.Counter.GetValue()
		case m.Gauge != nil:
			out[op] += m.Gauge.GetValue()
		case m.Untyped != nil:
			out[op] += m.Untyped.GetValue()
		}
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
