package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/pulse/server/internal/api"
	"github.com/obsidianstack/pulse/server/internal/model"
	wsHub "github.com/obsidianstack/pulse/server/internal/ws"
)

const testInterval = 20 * time.Millisecond

// fakeSource reports an open-alert count that tests can bump.
type fakeSource struct {
	open atomic.Int32
	fail atomic.Bool
}

func (f *fakeSource) Summary(context.Context) (api.HealthResponse, error) {
	if f.fail.Load() {
		return api.HealthResponse{}, errors.New("store unavailable")
	}
	return api.HealthResponse{
		State:       "healthy",
		OpenAlerts:  int(f.open.Load()),
		Diagnostics: []api.DiagnosticHint{},
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func startHub(t *testing.T, src wsHub.Source) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(src, testInterval)
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHub_Connect_ReceivesImmediateSummary(t *testing.T) {
	wsURL, _, _ := startHub(t, &fakeSource{})

	m := readMessage(t, dial(t, wsURL))
	if m["event"] != wsHub.EventSummary {
		t.Errorf("event: got %v, want summary", m["event"])
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		t.Fatal("data: missing or wrong type")
	}
	if data["generated_at"] == nil || data["generated_at"] == "" {
		t.Error("generated_at: missing")
	}
	if data["state"] != "healthy" {
		t.Errorf("state: got %v", data["state"])
	}
}

func TestHub_ReceivesBroadcastOnTick(t *testing.T) {
	src := &fakeSource{}
	wsURL, _, _ := startHub(t, src)

	conn := dial(t, wsURL)
	readMessage(t, conn)

	src.open.Store(3)
	// Ticks keep coming; one of the next few carries the new count.
	for i := 0; i < 20; i++ {
		m := readMessage(t, conn)
		if m["event"] != wsHub.EventSummary {
			continue
		}
		if m["data"].(map[string]any)["open_alerts"] == float64(3) {
			return
		}
	}
	t.Error("no broadcast carried open_alerts=3")
}

func TestHub_PublishForwardsEvents(t *testing.T) {
	wsURL, hub, _ := startHub(t, &fakeSource{})
	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })

	err := hub.Publish(context.Background(), model.Event{
		Type:  model.AlertRouted,
		At:    time.Now(),
		Alert: &model.Alert{ID: "a1", OperationType: "merge"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 20; i++ {
		m := readMessage(t, conn)
		if m["event"] != string(model.AlertRouted) {
			continue
		}
		alert := m["data"].(map[string]any)["alert"]
		if a, ok := alert.(map[string]any); !ok || a["id"] != "a1" {
			t.Errorf("event alert = %v", alert)
		}
		return
	}
	t.Error("alert.routed event not received")
}

func TestHub_SummaryErrorSkipsImmediateMessage(t *testing.T) {
	src := &fakeSource{}
	src.fail.Store(true)
	wsURL, hub, _ := startHub(t, src)

	conn := dial(t, wsURL)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })
	if err := hub.Publish(context.Background(), model.Event{Type: model.DeliveryDeadLettered}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	m := readMessage(t, conn)
	if m["event"] != string(model.DeliveryDeadLettered) {
		t.Errorf("first message = %v, want the published event", m["event"])
	}
}

func TestHub_EventFilter(t *testing.T) {
	wsURL, hub, _ := startHub(t, &fakeSource{})
	conn := dial(t, wsURL+"?events=delivery")
	readMessage(t, conn)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })

	ctx := context.Background()
	if err := hub.Publish(ctx, model.Event{Type: model.AlertRouted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := hub.Publish(ctx, model.Event{Type: model.DeliveryStale}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 20; i++ {
		m := readMessage(t, conn)
		switch m["event"] {
		case string(model.AlertRouted):
			t.Fatal("filtered client received alert.routed")
		case string(model.DeliveryStale):
			return
		}
	}
	t.Error("delivery.stale event not received")
}

func TestHub_CountClients(t *testing.T) {
	wsURL, hub, _ := startHub(t, &fakeSource{})

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readMessage(t, conns[i])
	}
	waitFor(t, "three clients", func() bool { return hub.Count() == 3 })

	conns[0].Close()
	waitFor(t, "disconnect", func() bool { return hub.Count() == 2 })
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, &fakeSource{})

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitFor(t, "client registration", func() bool { return hub.Count() == 1 })

	cancel()
	waitFor(t, "shutdown", func() bool { return hub.Count() == 0 })
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(&fakeSource{}, testInterval)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
