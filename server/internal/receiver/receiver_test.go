package receiver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/obsidianstack/pulse/pkg/types"
	"github.com/obsidianstack/pulse/server/internal/alerts"
	"github.com/obsidianstack/pulse/server/internal/baseline"
	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/receiver"
	"github.com/obsidianstack/pulse/server/internal/shaper"
	"github.com/obsidianstack/pulse/server/internal/store"
)

type admitAll struct{}

func (admitAll) Admit(_ context.Context, destID string) (shaper.Admission, error) {
	return shaper.Admission{DestinationID: destID, Action: model.ActionAccept, Admitted: true, AcceptanceRate: 1}, nil
}

// newServer wires a receiver to a real baseline service and router over a
// memory store. merge has an active baseline with a 2000µs threshold.
func newServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Destinations = []config.Destination{{ID: "audit", Type: "log", Criticality: 1, BaseRate: 1, Capacity: 10, MaxPending: 100}}
	h := config.NewHolder(cfg)
	st := store.NewMemory(config.DefaultSampleRetention)

	b := model.Baseline{ID: "b1", OperationType: "merge", P50: 500, P75: 600, P90: 800, P95: 900, P99: 1000, AlertMultiplier: 2, Active: true, SampleCount: 100, ComputedAt: time.Now()}
	if err := st.ReplaceBaseline(context.Background(), b, model.BaselineChange{OperationType: "merge", NewID: "b1", NewP99: 1000, ChangedAt: time.Now()}); err != nil {
		t.Fatalf("ReplaceBaseline: %v", err)
	}

	rec := receiver.New(baseline.New(st, h, nil, "test"), alerts.New(st, h, admitAll{}, nil, nil))
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return srv, st
}

func sample(op string, micros int64) types.Sample {
	end := time.Now().Add(-time.Second)
	return types.Sample{
		OperationType:  op,
		DurationMicros: micros,
		StartedAt:      end.Add(-time.Duration(micros) * time.Microsecond),
		EndedAt:        end,
		Context:        map[string]string{"branch": "main"},
	}
}

func post(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestIngest_SingleSample(t *testing.T) {
	srv, st := newServer(t)

	resp, body := post(t, srv.URL, sample("get_history", 1500))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got types.IngestResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Accepted != 1 || got.Rejected != 0 || len(got.Alerts) != 0 {
		t.Errorf("response = %+v", got)
	}

	samples, _ := st.Samples(context.Background(), "get_history", time.Now().Add(-time.Hour), time.Now())
	if len(samples) != 1 || samples[0].Context["branch"] != "main" {
		t.Errorf("stored samples = %+v", samples)
	}
}

func TestIngest_ThresholdAlertIsRouted(t *testing.T) {
	srv, st := newServer(t)

	resp, body := post(t, srv.URL, sample("merge", 2500))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got types.IngestResponse
	_ = json.Unmarshal(body, &got)
	if len(got.Alerts) != 1 {
		t.Fatalf("alerts = %v, want one", got.Alerts)
	}

	a, err := st.Alert(context.Background(), got.Alerts[0])
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if a.Kind != model.KindThresholdExceeded || a.OperationType != "merge" {
		t.Errorf("alert = %+v", a)
	}
	items, _ := st.Items(context.Background(), model.StatusPending)
	if len(items) != 1 || items[0].DestinationID != "audit" {
		t.Errorf("queued items = %+v, want one for audit", items)
	}
}

func TestIngest_Batch(t *testing.T) {
	srv, st := newServer(t)

	bad := sample("merge", 0)
	batch := types.SampleBatch{Source: "agent-1", Samples: []types.Sample{sample("merge", 900), bad, sample("commit", 300)}}
	resp, body := post(t, srv.URL, batch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var got types.IngestResponse
	_ = json.Unmarshal(body, &got)
	if got.Accepted != 2 || got.Rejected != 1 {
		t.Fatalf("response = %+v, want 2 accepted 1 rejected", got)
	}
	if len(got.Errors) != 1 || got.Errors[0].Index != 1 {
		t.Errorf("errors = %+v, want index 1", got.Errors)
	}

	ops, _ := st.OperationTypes(context.Background(), time.Now().Add(-time.Hour))
	if len(ops) != 2 {
		t.Errorf("operation types = %v, want commit and merge", ops)
	}
}

func TestIngest_Rejects(t *testing.T) {
	srv, st := newServer(t)

	inverted := sample("merge", 100)
	inverted.StartedAt, inverted.EndedAt = inverted.EndedAt, inverted.StartedAt

	cases := []struct {
		name string
		body any
	}{
		{"non-positive duration", sample("merge", -5)},
		{"inverted range", inverted},
		{"missing operation", sample("", 100)},
		{"empty batch", types.SampleBatch{Samples: []types.Sample{}}},
		{"all invalid batch", types.SampleBatch{Samples: []types.Sample{sample("merge", 0)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := post(t, srv.URL, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", resp.StatusCode, body)
			}
		})
	}

	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed json: status = %d, want 400", resp.StatusCode)
	}

	ops, _ := st.OperationTypes(context.Background(), time.Now().Add(-time.Hour))
	if len(ops) != 0 {
		t.Errorf("rejected samples were persisted: %v", ops)
	}
}

func TestIngest_MethodNotAllowed(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, model.Sample) (*model.Alert, error) {
	return nil, errors.New("disk full")
}

func TestIngest_StoreErrorIs500(t *testing.T) {
	srv := httptest.NewServer(receiver.New(failingRecorder{}, nil))
	defer srv.Close()

	resp, _ := post(t, srv.URL, sample("merge", 100))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}
