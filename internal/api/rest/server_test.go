package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition/acquisitiontest"
	"github.com/KevinKickass/OpenInstrumentCore/internal/api/websocket"
	"github.com/KevinKickass/OpenInstrumentCore/internal/auth"
	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
	"github.com/KevinKickass/OpenInstrumentCore/internal/instrument"
	"github.com/KevinKickass/OpenInstrumentCore/internal/interfaces"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi/scpitest"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

const testSecret = "rest-test-secret-with-at-least-32-chars"

type fakeLifecycle struct {
	cfg      *config.Config
	manager  *instrument.Manager
	recorder storage.Recorder

	mu       sync.Mutex
	reloads  int
	shutdown chan struct{}
}

func (f *fakeLifecycle) Config() *config.Config           { return f.cfg }
func (f *fakeLifecycle) Instruments() *instrument.Manager { return f.manager }
func (f *fakeLifecycle) Recorder() storage.Recorder       { return f.recorder }

func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", InstrumentCount: len(f.manager.List())}
}

func (f *fakeLifecycle) ReloadCatalogs() error {
	f.mu.Lock()
	f.reloads++
	f.mu.Unlock()
	return f.manager.ReloadAll()
}

func (f *fakeLifecycle) Shutdown(context.Context) error {
	close(f.shutdown)
	return nil
}

type fixture struct {
	handler   http.Handler
	lm        *fakeLifecycle
	transport *scpitest.Transport
	jwt       *auth.JWTHandler
}

func newFixture(t *testing.T, authEnabled bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	recorder, err := storage.NewSQLiteRecorder(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { recorder.Close() })

	manager, err := instrument.NewManager(instrument.ManagerConfig{
		SearchPaths: []string{"../../instrument/testdata"},
		Recorder:    recorder,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	cat, path, err := manager.Compile("lockin")
	if err != nil {
		t.Fatal(err)
	}
	transport := scpitest.New()
	if _, err := manager.Register(instrument.Config{
		Name:        "lockin",
		Transport:   scpi.Serialize(transport),
		Catalog:     cat,
		CatalogPath: path,
		Clock:       acquisitiontest.NewClock(time.Unix(1000, 0)),
	}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	lm := &fakeLifecycle{cfg: cfg, manager: manager, recorder: recorder, shutdown: make(chan struct{})}

	jwt := auth.NewJWTHandler(testSecret, time.Hour)
	authService := auth.NewService(jwt, authEnabled)
	hub := websocket.NewHub(logger, authService)

	server := NewServer(cfg, lm, logger, hub, authService)
	return &fixture{handler: server.Handler(), lm: lm, transport: transport, jwt: jwt}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, w)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error body, got %v", body)
	}
	return e["code"].(string)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListAndGetInstrument(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/v1/instruments", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if body := decode(t, w); body["count"] != 1.0 {
		t.Errorf("expected one instrument, got %v", body)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if diags, _ := body["diagnostics"].([]any); len(diags) != 1 {
		t.Errorf("expected the screen diagnostic, got %v", body["diagnostics"])
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/missing", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestReadAndWriteSignal(t *testing.T) {
	f := newFixture(t, false)
	f.transport.Reply("FREQ?", "1000.5")

	w := f.do(t, http.MethodGet, "/api/v1/instruments/lockin/signals/freq", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if body := decode(t, w); body["value"] != 1000.5 {
		t.Errorf("expected 1000.5, got %v", body["value"])
	}

	w = f.do(t, http.MethodPut, "/api/v1/instruments/lockin/signals/freq", gin.H{"value": 250}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if f.transport.Count("W FREQ 250") != 1 {
		t.Errorf("expected FREQ write, log %v", f.transport.Log())
	}

	w = f.do(t, http.MethodPut, "/api/v1/instruments/lockin/signals/freq", gin.H{}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing value, got %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, false)
	f.transport.FailWrite("FREQ 5", &scpi.TransportError{Op: "write", Command: "FREQ 5", Err: errors.New("broken pipe")})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown signal", http.MethodGet, "/api/v1/instruments/lockin/signals/nope", nil, http.StatusNotFound, "NOT_FOUND"},
		{"skipped", http.MethodGet, "/api/v1/instruments/lockin/signals/screen", nil, http.StatusUnprocessableEntity, "SKIPPED"},
		{"read only", http.MethodPut, "/api/v1/instruments/lockin/signals/data_pts_ready", gin.H{"value": 1}, http.StatusMethodNotAllowed, "NOT_WRITABLE"},
		{"no data", http.MethodGet, "/api/v1/instruments/lockin/signals/read_buffer_mean", nil, http.StatusConflict, "NO_DATA"},
		{"not buffered", http.MethodPost, "/api/v1/instruments/lockin/acquisitions/freq", nil, http.StatusMethodNotAllowed, "NOT_BUFFERED"},
		{"transport", http.MethodPut, "/api/v1/instruments/lockin/signals/freq", gin.H{"value": 5}, http.StatusBadGateway, "TRANSPORT_ERROR"},
		{"bad timeout", http.MethodPost, "/api/v1/instruments/lockin/acquisitions/read_buffer", gin.H{"timeout": "soon"}, http.StatusBadRequest, "BAD_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body, "")
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body)
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestAcquireAndHistory(t *testing.T) {
	f := newFixture(t, false)
	f.transport.Reply("SPTS?", "500").Reply("TRCA? 1,0,80", "1,2,3,4")

	w := f.do(t, http.MethodPost, "/api/v1/instruments/lockin/acquisitions/read_buffer", gin.H{"wait": true}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if body := decode(t, w); body["status"] != "completed" || body["points"] != 4.0 {
		t.Errorf("unexpected session %v", body)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin/signals/read_buffer_mean", nil, "")
	if body := decode(t, w); body["value"] != 2.5 {
		t.Errorf("expected mean 2.5, got %v", body)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected latest session, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin/history?signal=read_buffer", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if body := decode(t, w); body["count"] != 1.0 {
		t.Errorf("expected one record, got %v", body)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin/history?limit=x", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestStartAndCancelAcquisition(t *testing.T) {
	f := newFixture(t, false)
	release := make(chan struct{})
	f.transport.Handle("SPTS?", func(string) (string, error) {
		<-release
		return "0", nil
	})

	w := f.do(t, http.MethodPost, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}

	w = f.do(t, http.MethodPost, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, "")
	if w.Code != http.StatusConflict || errorCode(t, w) != "BUSY" {
		t.Fatalf("expected busy, got %d: %s", w.Code, w.Body)
	}

	w = f.do(t, http.MethodPost, "/api/v1/instruments/lockin/reload", nil, "")
	if w.Code != http.StatusConflict {
		t.Errorf("expected reload refused while busy, got %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body)
	}
	close(release)

	// The cancelled session lands in the history; it is not a completed one.
	var records []any
	deadline := time.Now().Add(5 * time.Second)
	for len(records) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin/history", nil, "")
		records, _ = decode(t, w)["acquisitions"].([]any)
	}
	if len(records) != 1 || records[0].(map[string]any)["status"] != "cancelled" {
		t.Fatalf("expected one cancelled record, got %v", records)
	}

	w = f.do(t, http.MethodGet, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected no completed session, got %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, "")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 with nothing running, got %d", w.Code)
	}
}

func TestStage(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/instruments/lockin/stage", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	want := []string{"FREQ 1000", "DDEF 1,0"}
	got := f.transport.Writes()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/v1/system/status", nil, "")
	if body := decode(t, w); body["state"] != "RUNNING" || body["instrument_count"] != 1.0 {
		t.Errorf("unexpected status %v", body)
	}

	w = f.do(t, http.MethodPost, "/api/v1/system/reload", nil, "")
	if w.Code != http.StatusOK || f.lm.reloads != 1 {
		t.Errorf("expected reload, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/v1/system/shutdown", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	select {
	case <-f.lm.shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not triggered")
	}
}

func TestPermissions(t *testing.T) {
	f := newFixture(t, true)
	f.transport.Reply("FREQ?", "1")

	viewer, _ := f.jwt.GenerateAccessToken("ui", auth.RoleViewer)
	technician, _ := f.jwt.GenerateAccessToken("bench", auth.RoleTechnician)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		token  string
		status int
	}{
		{"no token", http.MethodGet, "/api/v1/instruments", nil, "", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/instruments/lockin/signals/freq", nil, viewer, http.StatusOK},
		{"viewer cannot write", http.MethodPut, "/api/v1/instruments/lockin/signals/freq", gin.H{"value": 1}, viewer, http.StatusForbidden},
		{"viewer cannot acquire", http.MethodPost, "/api/v1/instruments/lockin/acquisitions/read_buffer", nil, viewer, http.StatusForbidden},
		{"technician writes", http.MethodPut, "/api/v1/instruments/lockin/signals/freq", gin.H{"value": 1}, technician, http.StatusOK},
		{"ws status", http.MethodGet, "/api/v1/ws/status", nil, viewer, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(t, tt.method, tt.path, tt.body, tt.token); w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body)
			}
		})
	}
}
