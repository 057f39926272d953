package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/auth"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/capture/capturetest"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt/stttest"
	"github.com/loqalabs/loqa-scribe/internal/transcriber"
)

func newTestServer(t *testing.T, gate auth.Gate, driver *capturetest.Driver) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr := transcriber.New(transcriber.Options{
		Driver: driver,
		Format: capture.Format{SampleRate: 16000, Channels: 1},
		Engine: stttest.NewEngine(),
		Gate:   gate,
	}, log)
	t.Cleanup(mgr.Close)

	mux := http.NewServeMux()
	registerSessionRoutes(mux, mgr, log)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string) (int, sessionResponse) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var body sessionResponse
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
	}
	return resp.StatusCode, body
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil, &capturetest.Driver{})

	if code, body := call(t, srv, http.MethodGet, "/v1/session"); code != http.StatusOK || body.State != "idle" {
		t.Fatalf("unexpected initial session %d %+v", code, body)
	}
	code, body := call(t, srv, http.MethodPost, "/v1/session/start")
	if code != http.StatusOK || body.State != "recording" || body.Generation != 1 || body.SessionID == "" {
		t.Fatalf("unexpected start response %d %+v", code, body)
	}
	if code, body := call(t, srv, http.MethodPost, "/v1/session/start"); code != http.StatusConflict || body.Code != protocol.CodeInvalidState {
		t.Fatalf("expected conflict, got %d %+v", code, body)
	}
	if code, body := call(t, srv, http.MethodPost, "/v1/session/stop"); code != http.StatusOK || body.State != "stopped" {
		t.Fatalf("unexpected stop response %d %+v", code, body)
	}
	if code, body := call(t, srv, http.MethodPost, "/v1/session/reset"); code != http.StatusOK || body.State != "idle" {
		t.Fatalf("unexpected reset response %d %+v", code, body)
	}
	if code, _ := call(t, srv, http.MethodPost, "/v1/session/rewind"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", code)
	}
}

func TestStartErrorsMapToStatus(t *testing.T) {
	denied := newTestServer(t, auth.StaticGate{Status: auth.StatusDenied}, &capturetest.Driver{})
	if code, body := call(t, denied, http.MethodPost, "/v1/session/start"); code != http.StatusForbidden || body.Code != protocol.CodeAuthorizationDenied || body.State != "idle" {
		t.Fatalf("expected 403, got %d %+v", code, body)
	}

	broken := &capturetest.Driver{OpenErr: io.ErrUnexpectedEOF}
	noDevice := newTestServer(t, nil, broken)
	if code, body := call(t, noDevice, http.MethodPost, "/v1/session/start"); code != http.StatusServiceUnavailable || body.Code != protocol.CodeDeviceUnavailable {
		t.Fatalf("expected 503, got %d %+v", code, body)
	}
}

func TestReadyReflectsState(t *testing.T) {
	r := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", rec.Code)
	}
	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

type fixedNodes []presence.NodeInfo

func (f fixedNodes) Nodes(filter func(presence.NodeInfo) bool) []presence.NodeInfo {
	var out []presence.NodeInfo
	for _, n := range f {
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	return out
}

func TestNodeRoutes(t *testing.T) {
	mux := http.NewServeMux()
	registerNodeRoutes(mux, fixedNodes{
		{ID: "a", State: "recording", Healthy: true},
		{ID: "b", State: "idle", Healthy: true},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fetch := func(path string) []presence.NodeInfo {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, rec.Code)
		}
		var nodes []presence.NodeInfo
		if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return nodes
	}

	if nodes := fetch("/v1/nodes"); len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %+v", nodes)
	}
	if nodes := fetch("/v1/nodes?state=recording"); len(nodes) != 1 || nodes[0].ID != "a" {
		t.Fatalf("unexpected filtered nodes %+v", nodes)
	}
	if nodes := fetch("/v1/nodes?state=stopped"); nodes == nil || len(nodes) != 0 {
		t.Fatalf("expected empty list, got %+v", nodes)
	}
}

func TestTimelineRoutes(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "timeline.db"),
		RetentionMode: "session",
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.BeginPass(ctx, "pass-1", "scribe"); err != nil {
		t.Fatalf("begin pass: %v", err)
	}
	if err := store.AppendEvent(ctx, eventstore.Event{PassID: "pass-1", Generation: 1, Type: eventstore.EventRecordingStarted, Payload: []byte(`{"generation":1}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.FinishPass(ctx, "pass-1", 1); err != nil {
		t.Fatalf("finish pass: %v", err)
	}

	mux := http.NewServeMux()
	registerTimelineRoutes(mux, store, log)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/passes?limit=5", nil))
	var passes []passResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &passes); err != nil {
		t.Fatalf("decode passes: %v", err)
	}
	if len(passes) != 1 || passes[0].SessionID != "pass-1" || passes[0].StoppedAt == nil {
		t.Fatalf("unexpected passes %+v", passes)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/passes/pass-1/events", nil))
	var events []eventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Type != eventstore.EventRecordingStarted || string(events[0].Payload) != `{"generation":1}` {
		t.Fatalf("unexpected events %+v", events)
	}
}
