package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/obsidianstack/pulse/server/internal/alerts"
	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/jobs"
	"github.com/obsidianstack/pulse/server/internal/metrics"
	"github.com/obsidianstack/pulse/server/internal/model"
	"github.com/obsidianstack/pulse/server/internal/shaper"
	"github.com/obsidianstack/pulse/server/internal/store"
)

// defaultDetectionWindow is how far back GET /detections looks without ?since.
const defaultDetectionWindow = 24 * time.Hour

// AlertService carries the operator actions. *alerts.Router implements it.
type AlertService interface {
	Acknowledge(ctx context.Context, id, by, notes string) (model.Alert, error)
	Resolve(ctx context.Context, id, by, notes string) (model.Alert, error)
	Snooze(ctx context.Context, s model.Snooze) (model.Snooze, error)
	Snoozes(ctx context.Context) ([]model.Snooze, error)
}

// DestinationLister is implemented by *shaper.Shaper.
type DestinationLister interface {
	Destinations(ctx context.Context) ([]shaper.DestinationView, error)
}

// EscalationView is implemented by *delivery.Pool.
type EscalationView interface {
	Escalations(ctx context.Context) ([]model.DeliveryItem, error)
}

// JobReports is implemented by *jobs.Scheduler.
type JobReports interface {
	Reports() []model.JobReport
	RunNow(ctx context.Context, name string) (model.JobReport, error)
}

// StatsSource is implemented by *metrics.Metrics.
type StatsSource interface {
	Snapshot() ([]metrics.Point, error)
}

// Deps are the read models and services behind the API.
type Deps struct {
	Store        store.Store
	Config       *config.Holder
	Alerts       AlertService
	Destinations DestinationLister
	Escalations  EscalationView
	Jobs         JobReports
	Stats        StatsSource
}

// Handler serves /api/v1/*.
type Handler struct {
	Deps
	router chi.Router
	now    func() time.Time
}

// New registers all routes. Mount the result at the server root; the paths
// carry the /api/v1 prefix.
func New(d Deps) *Handler {
	h := &Handler{Deps: d, router: chi.NewRouter(), now: time.Now}

	h.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/baselines", h.baselines)
		r.Get("/baselines/{op}/history", h.baselineHistory)
		r.Get("/detections", h.detections)
		r.Get("/correlations", h.correlations)
		r.Get("/alerts", h.alerts)
		r.Get("/alerts/{id}", h.alert)
		r.Post("/alerts/{id}/ack", h.acknowledge)
		r.Post("/alerts/{id}/resolve", h.resolve)
		r.Get("/snoozes", h.snoozes)
		r.Post("/snoozes", h.createSnooze)
		r.Get("/deliveries", h.deliveries)
		r.Get("/escalations", h.escalations)
		r.Get("/destinations", h.destinations)
		r.Get("/backpressure", h.backpressure)
		r.Get("/rates", h.rates)
		r.Get("/jobs", h.jobs)
		r.Post("/jobs/{name}/run", h.runJob)
		r.Get("/stats", h.stats)
	})
	h.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Summary builds the pipeline summary served by /health and pushed over the
// WebSocket stream.
func (h *Handler) Summary(ctx context.Context) (HealthResponse, error) {
	resp := HealthResponse{GeneratedAt: h.now().UTC().Format(time.RFC3339)}

	all, err := h.Store.Alerts(ctx, "")
	if err != nil {
		return resp, fmt.Errorf("api: alerts: %w", err)
	}
	for _, a := range all {
		switch a.State {
		case model.AlertOpen:
			resp.OpenAlerts++
			if a.Severity == model.SeverityCritical && !a.Suppressed {
				resp.CriticalAlerts++
			}
		case model.AlertAcknowledged:
			resp.Acknowledged++
		}
	}

	baselines, err := h.Store.ActiveBaselines(ctx)
	if err != nil {
		return resp, fmt.Errorf("api: baselines: %w", err)
	}
	resp.Baselines = len(baselines)

	esc, err := h.Escalations.Escalations(ctx)
	if err != nil {
		return resp, err
	}
	resp.Escalations = len(esc)

	views, err := h.Destinations.Destinations(ctx)
	if err != nil {
		return resp, err
	}
	resp.destinations = views
	limits := make(map[string]int, len(views))
	for _, d := range h.Config.Current().Server.Destinations {
		limits[d.ID] = d.MaxPending
	}
	for _, v := range views {
		resp.QueueDepth += v.PendingDepth
		if !v.Enabled {
			continue
		}
		switch v.Health.Classification {
		case model.HealthUnavailable:
			resp.UnavailableCount++
		case model.HealthDegraded:
			resp.DegradedCount++
		default:
			resp.HealthyCount++
		}
	}

	resp.Diagnostics = computeDiagnostics(resp, limits)
	if resp.Diagnostics == nil {
		resp.Diagnostics = []DiagnosticHint{}
	}
	resp.State = stateFromHints(resp.Diagnostics)
	return resp, nil
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Summary(r.Context())
	if err != nil {
		serverErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) baselines(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.ActiveBaselines(r.Context())
	list(w, out, err)
}

func (h *Handler) baselineHistory(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.BaselineHistory(r.Context(), chi.URLParam(r, "op"))
	list(w, out, err)
}

func (h *Handler) detections(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), h.now())
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.Store.Detections(r.Context(), since)
	list(w, out, err)
}

func (h *Handler) correlations(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.Correlations(r.Context())
	list(w, out, err)
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	state := model.AlertState(r.URL.Query().Get("state"))
	switch state {
	case "", model.AlertOpen, model.AlertAcknowledged, model.AlertResolved:
	default:
		jsonErr(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}
	out, err := h.Store.Alerts(r.Context(), state)
	list(w, out, err)
}

func (h *Handler) alert(w http.ResponseWriter, r *http.Request) {
	a, err := h.Store.Alert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		actionErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, a)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Alerts.Acknowledge)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Alerts.Resolve)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string, string) (model.Alert, error)) {
	var req ackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "malformed body: "+err.Error())
			return
		}
	}
	a, err := fn(r.Context(), chi.URLParam(r, "id"), req.By, req.Notes)
	if err != nil {
		actionErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, a)
}

func (h *Handler) snoozes(w http.ResponseWriter, r *http.Request) {
	out, err := h.Alerts.Snoozes(r.Context())
	list(w, out, err)
}

func (h *Handler) createSnooze(w http.ResponseWriter, r *http.Request) {
	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	s := model.Snooze{
		OperationType: req.OperationType,
		Kind:          req.Kind,
		Reason:        req.Reason,
		CreatedBy:     req.CreatedBy,
	}
	switch {
	case req.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "expires_at: "+err.Error())
			return
		}
		s.ExpiresAt = t
	case req.Duration != "":
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "duration: "+err.Error())
			return
		}
		s.ExpiresAt = h.now().Add(d)
	default:
		jsonErr(w, http.StatusBadRequest, "expires_at or duration is required")
		return
	}

	created, err := h.Alerts.Snooze(r.Context(), s)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusCreated, created)
}

func (h *Handler) deliveries(w http.ResponseWriter, r *http.Request) {
	status := model.DeliveryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusPending, model.StatusRetrying, model.StatusDelivered, model.StatusFailed, model.StatusCancelled:
	default:
		jsonErr(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	out, err := h.Store.Items(r.Context(), status)
	list(w, out, err)
}

func (h *Handler) escalations(w http.ResponseWriter, r *http.Request) {
	out, err := h.Escalations.Escalations(r.Context())
	list(w, out, err)
}

func (h *Handler) destinations(w http.ResponseWriter, r *http.Request) {
	out, err := h.Destinations.Destinations(r.Context())
	list(w, out, err)
}

func (h *Handler) backpressure(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.BackpressureSignals(r.Context(), r.URL.Query().Get("destination"))
	list(w, out, err)
}

func (h *Handler) rates(w http.ResponseWriter, r *http.Request) {
	out, err := h.Store.RateChanges(r.Context(), r.URL.Query().Get("destination"))
	list(w, out, err)
}

func (h *Handler) jobs(w http.ResponseWriter, _ *http.Request) {
	list(w, h.Jobs.Reports(), nil)
}

// runJob runs a job synchronously. The run is detached from the request so a
// client disconnect does not abort a half-finished batch.
func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	report, err := h.Jobs.RunNow(context.WithoutCancel(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		actionErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, report)
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	out, err := h.Stats.Snapshot()
	list(w, out, err)
}

// --- helpers ----------------------------------------------------------------

// parseSince accepts an RFC3339 time or a duration back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-defaultDetectionWindow), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("since: want RFC3339 or a positive duration, got %q", v)
	}
	return now.Add(-d), nil
}

// list writes out as a JSON array, never null.
func list[T any](w http.ResponseWriter, out []T, err error) {
	if err != nil {
		serverErr(w, err)
		return
	}
	if out == nil {
		out = []T{}
	}
	jsonResp(w, http.StatusOK, out)
}

func actionErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alerts.ErrResolved), errors.Is(err, jobs.ErrRunning):
		jsonErr(w, http.StatusConflict, err.Error())
	default:
		serverErr(w, err)
	}
}

func serverErr(w http.ResponseWriter, err error) {
	slog.Error("api: request failed", "error", err)
	jsonErr(w, http.StatusInternalServerError, "internal error")
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
