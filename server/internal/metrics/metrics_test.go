package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshot_FlattensPulseFamilies(t *testing.T) {
	m := New()
	m.SampleIngested("merge")
	m.SampleIngested("merge")
	m.Delivery("pager", "delivered", 0.25)
	m.Rate("pager", 0.5)

	points, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := make(map[string]float64)
	for _, p := range points {
		if !strings.HasPrefix(p.Name, "pulse_") {
			t.Errorf("non-pulse family leaked into snapshot: %s", p.Name)
		}
		key := p.Name
		for _, k := range []string{"operation", "destination", "result"} {
			if v, ok := p.Labels[k]; ok {
				key += "," + v
			}
		}
		got[key] = p.Value
	}

	cases := map[string]float64{
		"pulse_samples_ingested_total,merge":         2,
		"pulse_deliveries_total,pager,delivered":     1,
		"pulse_delivery_latency_seconds_count,pager": 1,
		"pulse_delivery_latency_seconds_sum,pager":   0.25,
		"pulse_destination_rate,pager":               0.5,
	}
	for key, want := range cases {
		if got[key] != want {
			t.Errorf("%s: got %v, want %v", key, got[key], want)
		}
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.SampleRejected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "pulse_samples_rejected_total 1") {
		t.Errorf("exposition missing rejected counter:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SampleIngested("merge")
	m.Delivery("pager", "failed", -1)
	m.JobRun("baseline", "success")
}
