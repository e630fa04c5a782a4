package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/obsidianstack/pulse/pkg/types"
	"github.com/obsidianstack/pulse/server/internal/alerts"
	"github.com/obsidianstack/pulse/server/internal/model"
)

// maxBody bounds one ingest request.
const maxBody = 4 << 20

// Recorder persists a sample and returns the threshold alert it raised.
// *baseline.Service implements it.
type Recorder interface {
	Record(ctx context.Context, s model.Sample) (*model.Alert, error)
}

// AlertRouter routes threshold alerts. *alerts.Router implements it.
type AlertRouter interface {
	Route(ctx context.Context, a model.Alert) (alerts.Routed, error)
}

type Receiver struct {
	rec    Recorder
	router AlertRouter
}

func New(rec Recorder, router AlertRouter) *Receiver {
	return &Receiver{rec: rec, router: router}
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		types.Sample
		Source  string          `json:"source"`
		Samples json.RawMessage `json:"samples"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBody)).Decode(&body); err != nil {
		jsonErr(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	batch := []types.Sample{body.Sample}
	single := body.Samples == nil
	if !single {
		if err := json.Unmarshal(body.Samples, &batch); err != nil {
			jsonErr(w, http.StatusBadRequest, "malformed samples: "+err.Error())
			return
		}
		if len(batch) == 0 {
			jsonErr(w, http.StatusBadRequest, "samples is empty")
			return
		}
	}

	resp, err := r.ingest(req.Context(), batch)
	if err != nil {
		slog.Error("receiver: ingest failed", "source", body.Source, "error", err)
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Debug("receiver: samples ingested",
		"source", body.Source,
		"accepted", resp.Accepted,
		"rejected", resp.Rejected,
		"alerts", len(resp.Alerts),
	)

	code := http.StatusOK
	if resp.Accepted == 0 {
		code = http.StatusBadRequest
	}
	if single && resp.Rejected == 1 {
		jsonErr(w, code, resp.Errors[0].Message)
		return
	}
	jsonResp(w, code, resp)
}

// ingest records every sample. Invalid samples are reported per index; any
// other error aborts the request.
func (r *Receiver) ingest(ctx context.Context, batch []types.Sample) (types.IngestResponse, error) {
	var resp types.IngestResponse
	for i, s := range batch {
		alert, err := r.rec.Record(ctx, toModel(s))
		if errors.Is(err, model.ErrInvalidSample) {
			resp.Rejected++
			resp.Errors = append(resp.Errors, types.IngestFailure{Index: i, Message: err.Error()})
			continue
		}
		if err != nil {
			return resp, fmt.Errorf("sample %d: %w", i, err)
		}
		resp.Accepted++
		if alert == nil {
			continue
		}
		routed, err := r.router.Route(ctx, *alert)
		if err != nil {
			// The sample is stored; a routing failure does not reject it.
			slog.Error("receiver: route threshold alert", "operation", s.OperationType, "error", err)
			continue
		}
		resp.Alerts = append(resp.Alerts, routed.Alert.ID)
	}
	return resp, nil
}

func toModel(s types.Sample) model.Sample {
	return model.Sample{
		OperationType:  s.OperationType,
		DurationMicros: s.DurationMicros,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		Context:        s.Context,
	}
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, map[string]string{"error": msg})
}
