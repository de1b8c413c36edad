package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/presence"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
	_ "github.com/nerrad567/gray-logic-relay/migrations"
)

// testDeps returns dependencies for a server over a fresh broker.
func testDeps(mode relay.Mode) Deps {
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     16,
		},
		Logger:  log,
		Broker:  relay.NewBroker(relay.Config{Mode: mode}, relay.WithLogger(log)),
		Version: "test",
	}
}

// testServer creates a Server from deps. The broker is shut down on cleanup.
func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(deps.Broker.Shutdown)
	return srv
}

// serve runs the router through a real listener.
func serve(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		srv.broker.Shutdown()
		ts.Close()
	})
	return ts
}

// do runs req through the router and returns the recorder.
func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v (body %q)", err, w.Body.String())
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeHistory records the filter it was asked for.
type fakeHistory struct {
	filter presence.HistoryFilter
	page   *presence.HistoryPage
	err    error
}

func (f *fakeHistory) List(_ context.Context, filter presence.HistoryFilter) (*presence.HistoryPage, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

// fakeMirror returns a fixed online set or an error.
type fakeMirror struct {
	online map[string]time.Time
	err    error
}

func (f *fakeMirror) Online(context.Context) (map[string]time.Time, error) {
	return f.online, f.err
}

// ─── Construction Tests ────────────────────────────────────────────

func TestNew_RequiresDeps(t *testing.T) {
	deps := testDeps(relay.ModeDirected)
	deps.Logger = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without logger: error = nil")
	}

	deps = testDeps(relay.ModeDirected)
	deps.Broker = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without broker: error = nil")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))

	for _, path := range []string{"/health", "/api/v1/health"} {
		t.Run(path, func(t *testing.T) {
			w := do(srv, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var resp HealthResponse
			decodeBody(t, w, &resp)
			if resp.Status != "healthy" {
				t.Errorf("status = %q, want healthy", resp.Status)
			}
			if resp.WSClients != 0 || resp.RegisteredDevices != 0 {
				t.Errorf("counts = %d/%d, want 0/0", resp.WSClients, resp.RegisteredDevices)
			}
		})
	}
}

func TestHealth_CountsConnections(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	ts := serve(t, srv)

	a := dial(t, ts, "/")
	dial(t, ts, "/ws")
	registerDevice(t, a, "lamp-1")

	var resp HealthResponse
	waitFor(t, "health counts", func() bool {
		w := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
		resp = HealthResponse{}
		decodeBody(t, w, &resp)
		return resp.WSClients == 2 && resp.RegisteredDevices == 1
	})
}

// ─── Status Page Tests ─────────────────────────────────────────────

func TestStatusPage(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		want      string
	}{
		{"plain", "", "ws://relay.example.com/ws"},
		{"behind https proxy", "https", "wss://relay.example.com/ws"},
	}

	srv := testServer(t, testDeps(relay.ModeDirected))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Host = "relay.example.com"
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-Proto", tt.forwarded)
			}
			w := do(srv, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			body := w.Body.String()
			if !strings.Contains(body, "Status: Running") {
				t.Errorf("body missing status line: %q", body)
			}
			if !strings.Contains(body, tt.want) {
				t.Errorf("body missing endpoint %q: %q", tt.want, body)
			}
			if !strings.Contains(body, "directed") {
				t.Errorf("body missing mode: %q", body)
			}
		})
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	w := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := do(srv, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := do(srv, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	deps := testDeps(relay.ModeDirected)
	deps.Config.CORS.AllowedOrigins = []string{"https://panel.example.com"}
	srv := testServer(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := do(srv, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want none", got)
	}
}

func TestHTTPSRedirect(t *testing.T) {
	deps := testDeps(relay.ModeDirected)
	deps.Config.ForceHTTPS = true
	srv := testServer(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/health?x=1", nil)
	req.Host = "relay.example.com"
	w := do(srv, req)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://relay.example.com/health?x=1" {
		t.Errorf("Location = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	if w := do(srv, req); w.Code != http.StatusOK {
		t.Errorf("forwarded https status = %d, want 200", w.Code)
	}
}

func TestHTTPSRedirect_DisabledByDefault(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	if w := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil)); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Device Endpoint Tests ─────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	ts := serve(t, srv)

	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	var empty struct {
		Devices []relay.DeviceStatus `json:"devices"`
		Count   int                  `json:"count"`
	}
	decodeBody(t, w, &empty)
	if empty.Count != 0 || empty.Devices == nil {
		t.Errorf("empty list = %+v, want count 0 and []", empty)
	}

	registerDevice(t, dial(t, ts, "/"), "lamp-2")
	registerDevice(t, dial(t, ts, "/"), "lamp-1")

	w = do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	var resp struct {
		Devices []relay.DeviceStatus `json:"devices"`
		Count   int                  `json:"count"`
	}
	decodeBody(t, w, &resp)
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Devices[0].DeviceID != "lamp-1" || resp.Devices[1].DeviceID != "lamp-2" {
		t.Errorf("devices not sorted: %+v", resp.Devices)
	}
	if resp.Devices[0].State != "open" || resp.Devices[0].LastSeen.IsZero() {
		t.Errorf("device[0] = %+v", resp.Devices[0])
	}
}

func TestGetDevice(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	ts := serve(t, srv)
	registerDevice(t, dial(t, ts, "/"), "lamp-1")

	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/devices/lamp-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var dev relay.DeviceStatus
	decodeBody(t, w, &dev)
	if dev.DeviceID != "lamp-1" {
		t.Errorf("device_id = %q", dev.DeviceID)
	}

	w = do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/devices/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

func TestDeviceHistory(t *testing.T) {
	at := time.Date(2026, 1, 18, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{page: &presence.HistoryPage{
		Entries: []presence.HistoryEntry{{ID: "prs-1", DeviceID: "lamp-1", Event: "registered", OccurredAt: at}},
		Total:   1,
		Limit:   10,
	}}
	deps := testDeps(relay.ModeDirected)
	deps.History = history
	srv := testServer(t, deps)

	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/devices/lamp-1/history?limit=10&offset=5&event=registered", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	want := presence.HistoryFilter{DeviceID: "lamp-1", Event: "registered", Limit: 10, Offset: 5}
	if history.filter != want {
		t.Errorf("filter = %+v, want %+v", history.filter, want)
	}

	var page presence.HistoryPage
	decodeBody(t, w, &page)
	if page.Total != 1 || len(page.Entries) != 1 || page.Entries[0].ID != "prs-1" {
		t.Errorf("page = %+v", page)
	}
}

func TestDeviceHistory_Errors(t *testing.T) {
	tests := []struct {
		name    string
		history HistoryLister
		query   string
		want    int
	}{
		{"disabled", nil, "", http.StatusServiceUnavailable},
		{"bad limit", &fakeHistory{page: &presence.HistoryPage{}}, "?limit=abc", http.StatusBadRequest},
		{"negative offset", &fakeHistory{page: &presence.HistoryPage{}}, "?offset=-1", http.StatusBadRequest},
		{"repository error", &fakeHistory{err: errors.New("disk on fire")}, "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(relay.ModeDirected)
			deps.History = tt.history
			srv := testServer(t, deps)

			w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/devices/lamp-1/history"+tt.query, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var e Error
			decodeBody(t, w, &e)
			if e.Status != tt.want || e.Code == "" {
				t.Errorf("error body = %+v", e)
			}
		})
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeBroadcast))
	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var m SystemMetrics
	decodeBody(t, w, &m)
	if m.Version != "test" || m.Mode != "broadcast" {
		t.Errorf("version/mode = %q/%q", m.Version, m.Mode)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("goroutines = 0")
	}
	if m.MQTT != nil || m.Database != nil || m.Redis != nil {
		t.Error("optional backends reported without being configured")
	}
}

func TestMetrics_Backends(t *testing.T) {
	db, err := database.Open(database.Config{Path: ":memory:", BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	deps := testDeps(relay.ModeDirected)
	deps.DB = db
	deps.Mirror = &fakeMirror{online: map[string]time.Time{"lamp-1": time.Now(), "lamp-2": time.Now()}}
	srv := testServer(t, deps)

	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var m SystemMetrics
	decodeBody(t, w, &m)

	if m.Database == nil {
		t.Fatal("database metrics missing")
	}
	if m.Database.SchemaVersion == "" || m.Database.PendingMigrations != 0 || m.Database.Error != "" {
		t.Errorf("database = %+v, want migrated schema with nothing pending", m.Database)
	}
	if m.Redis == nil || m.Redis.MirroredDevices != 2 {
		t.Errorf("redis = %+v, want 2 mirrored devices", m.Redis)
	}
}

func TestMetrics_MirrorError(t *testing.T) {
	deps := testDeps(relay.ModeDirected)
	deps.Mirror = &fakeMirror{err: errors.New("redis down")}
	srv := testServer(t, deps)

	w := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var m SystemMetrics
	decodeBody(t, w, &m)
	if m.Redis == nil || m.Redis.Error != "redis down" {
		t.Errorf("redis = %+v, want reported error", m.Redis)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	deps := testDeps(relay.ModeDirected)
	srv := testServer(t, deps)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start: error = nil")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	addr := srv.Addr()
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	ws := dialURL(t, "ws://"+addr+"/ws")

	// Broker first, then the listener.
	deps.Broker.Shutdown()
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("client still readable after shutdown")
	}
	if _, err := http.Get("http://" + addr + "/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first := testServer(t, testDeps(relay.ModeDirected))
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	deps := testDeps(relay.ModeDirected)
	_, port, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", first.Addr(), err)
	}
	if deps.Config.Port, err = strconv.Atoi(port); err != nil {
		t.Fatalf("Atoi(%q): %v", port, err)
	}
	second := testServer(t, deps)
	if err := second.Start(context.Background()); err == nil {
		second.Close()
		t.Error("Start() on a used port: error = nil")
	}
}

func TestServer_CloseNotStarted(t *testing.T) {
	srv := testServer(t, testDeps(relay.ModeDirected))
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
