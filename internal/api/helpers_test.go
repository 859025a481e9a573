package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/smartip-core/internal/audit"
	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
	"github.com/nerrad567/smartip-core/internal/device"
	"github.com/nerrad567/smartip-core/internal/infrastructure/config"
	"github.com/nerrad567/smartip-core/internal/infrastructure/logging"
	"github.com/nerrad567/smartip-core/internal/infrastructure/metrics"
)

const testSecret = "test-secret-at-least-32-characters-long"

// fakeSpeaker is an in-memory SmartIP device.
type fakeSpeaker struct {
	mu    sync.Mutex
	level float64
	mute  bool
	down  bool
	puts  int
}

func newFakeSpeaker() *fakeSpeaker {
	return &fakeSpeaker{level: -30}
}

func (f *fakeSpeaker) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeSpeaker) Execute(_ context.Context, method, path string, payload any, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		return nil, &smartip.TransportError{Kind: smartip.KindTimeout, Method: method, Path: path, Err: context.DeadlineExceeded}
	}
	if method == http.MethodPut {
		f.puts++
		if p, ok := payload.(map[string]any); ok && path == "/audio/volume" {
			if v, ok := p["level"].(float64); ok {
				f.level = v
			}
			if v, ok := p["mute"].(bool); ok {
				f.mute = v
			}
		}
		return []byte(`{}`), nil
	}

	var body any
	switch path {
	case "/device/info":
		body = map[string]any{"model": "8330A", "fwId": "2.1.0", "apiVer": "v1", "category": "SAM_2WAY"}
	case "/audio/volume":
		body = map[string]any{"level": f.level, "mute": f.mute}
	case "/device/pwr":
		body = map[string]any{"state": "ACTIVE"}
	case "/audio/inputs":
		body = map[string]any{"input": []string{"A"}}
	case "/events":
		body = map[string]any{"cpuT": 41.0, "cpuLoad": 8.0, "uptime": 3600.0}
	default:
		return nil, &smartip.TransportError{Kind: smartip.KindHTTPStatus, Method: method, Path: path, Code: http.StatusNotFound}
	}
	return json.Marshal(body)
}

// memoryAudit is an audit.Repository kept in memory.
type memoryAudit struct {
	mu      sync.Mutex
	records []smartip.CommandRecord
}

func (m *memoryAudit) RecordCommand(_ context.Context, rec smartip.CommandRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *memoryAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &audit.ListResult{Entries: []audit.Entry{}, Limit: f.Limit, Offset: f.Offset}
	for _, r := range m.records {
		if f.DeviceID != "" && r.DeviceID != f.DeviceID {
			continue
		}
		res.Entries = append(res.Entries, audit.Entry{
			ID: r.ID, DeviceID: r.DeviceID, Command: r.Command, Source: r.Source,
			UserID: r.UserID, Result: r.Result, Error: r.Error, IssuedAt: r.IssuedAt,
		})
	}
	res.Total = len(res.Entries)
	return res, nil
}

func (m *memoryAudit) all() []smartip.CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]smartip.CommandRecord(nil), m.records...)
}

// stubHistory returns canned entries.
type stubHistory struct {
	entries []device.HistoryEntry
	lastQ   device.HistoryQuery
}

func (h *stubHistory) RecordSnapshot(context.Context, smartip.Update) error { return nil }

func (h *stubHistory) GetHistory(_ context.Context, q device.HistoryQuery) ([]device.HistoryEntry, error) {
	h.lastQ = q
	return h.entries, nil
}

func (h *stubHistory) PruneHistory(context.Context, time.Duration) (int64, error) { return 0, nil }

type failingCheck struct{ err error }

func (c failingCheck) HealthCheck(context.Context) error { return c.err }

// testEnv is a server wired to one fake speaker.
type testEnv struct {
	server   *Server
	registry *smartip.Registry
	speaker  *fakeSpeaker
	coord    *smartip.Coordinator
	audit    *memoryAudit
}

type envOption func(*Deps)

func withJWT() envOption {
	return func(d *Deps) {
		d.Security.JWT = config.JWTConfig{Enabled: true, Secret: testSecret, Issuer: "smartipd"}
	}
}

func withCORS(origins ...string) envOption {
	return func(d *Deps) { d.Config.CORS.AllowedOrigins = origins }
}

func withHistory(h device.SnapshotHistory) envOption {
	return func(d *Deps) { d.History = h }
}

func withCheck(name string, c HealthChecker) envOption {
	return func(d *Deps) {
		if d.Checks == nil {
			d.Checks = map[string]HealthChecker{}
		}
		d.Checks[name] = c
	}
}

// newTestEnv registers "studio-left" and, when online is set, reads it once
// and starts its command loop.
func newTestEnv(t *testing.T, online bool, opts ...envOption) *testEnv {
	t.Helper()

	logger := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
	registry := smartip.NewRegistry(logger)
	speaker := newFakeSpeaker()
	rec := metrics.New()

	coord, err := smartip.NewCoordinator(smartip.CoordinatorOptions{
		ID:           "studio-left",
		Name:         "Studio Left",
		Endpoint:     smartip.DeviceEndpoint{Address: "10.0.0.5", Port: 9000, Scheme: "http", Username: "admin", Password: "secret"},
		Transport:    speaker,
		PollInterval: time.Hour,
		Metrics:      rec,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	if err := registry.Add(coord); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	t.Cleanup(registry.Close)

	if online {
		if err := coord.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		if err := coord.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}

	auditRepo := &memoryAudit{}
	deps := Deps{
		WS:         config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger:     logger,
		Registry:   registry,
		Dispatcher: smartip.NewDispatcher(registry, auditRepo, logger),
		Audit:      auditRepo,
		Metrics:    rec,
		Version:    "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // test cleanup

	return &testEnv{server: srv, registry: registry, speaker: speaker, coord: coord, audit: auditRepo}
}

// do sends a request through the router and decodes a JSON response into out.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}
