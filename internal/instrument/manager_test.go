package instrument

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi/scpitest"
	"go.uber.org/zap/zaptest"
)

// copyCatalog places the lock-in fixture in a temp dir so tests can edit it.
func copyCatalog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("testdata/lockin.yaml")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "lockin.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func registerFromFile(t *testing.T, m *Manager, path string) (*Instrument, *scpitest.Transport) {
	t.Helper()
	cat, abs, err := m.Compile(path)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	transport := scpitest.New()
	inst, err := m.Register(Config{Name: "lockin", Transport: transport, Catalog: cat, CatalogPath: abs})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return inst, transport
}

func TestManagerRegisterAndList(t *testing.T) {
	m, err := NewManager(ManagerConfig{SearchPaths: []string{"testdata"}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	cat, _, err := m.Compile("lockin")
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"zeta", "alpha"} {
		if _, err := m.Register(Config{Name: name, Transport: scpitest.New(), Catalog: cat}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if _, err := m.Register(Config{Name: "alpha", Transport: scpitest.New(), Catalog: cat}); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	list := m.List()
	if len(list) != 2 || list[0].Name() != "alpha" || list[1].Name() != "zeta" {
		t.Errorf("unexpected list order")
	}
	if !m.Connected("alpha") || m.Connected("missing") {
		t.Error("unexpected connection state")
	}
	if _, ok := m.Get("zeta"); !ok {
		t.Error("expected zeta")
	}

	if _, _, err := m.Compile("missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestManagerLoadConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 64)
			conn.Read(buf)
		}
	}()

	m, err := NewManager(ManagerConfig{
		SearchPaths:      []string{"testdata"},
		TransportTimeout: time.Second,
		Terminator:       "\n",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	inst, err := m.Load(context.Background(), Spec{Name: "lockin", Catalog: "lockin", Address: ln.Addr().String()})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !m.Connected("lockin") {
		t.Error("expected connected instrument")
	}
	if !strings.HasSuffix(inst.CatalogPath(), "lockin.yaml") {
		t.Errorf("unexpected catalog path %s", inst.CatalogPath())
	}

	m.StopAll()
	if m.Connected("lockin") {
		t.Error("expected closed connection after StopAll")
	}
}

func TestManagerLoadUnreachable(t *testing.T) {
	m, err := NewManager(ManagerConfig{SearchPaths: []string{"testdata"}, TransportTimeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	if _, err := m.Load(context.Background(), Spec{Name: "lockin", Catalog: "lockin", Address: addr}); err == nil {
		t.Fatal("expected connection error")
	}
	if _, ok := m.Get("lockin"); ok {
		t.Error("failed load must not register the instrument")
	}
}

func TestReloadCatalog(t *testing.T) {
	path := copyCatalog(t)
	m, err := NewManager(ManagerConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	inst, _ := registerFromFile(t, m, path)

	data, _ := os.ReadFile(path)
	edited := strings.Replace(string(data),
		"  - {name: data_pts_ready,",
		"  - {name: harm, ascii: HARM, has_setter: true, setter_inputs: 1}\n  - {name: data_pts_ready,", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	m.ReloadCatalog(inst.CatalogPath())
	if _, ok := inst.Catalog().Lookup("harm"); !ok {
		t.Fatal("expected reloaded catalog to contain harm")
	}

	// A broken file keeps the current catalog.
	if err := os.WriteFile(path, []byte("commands: [{name: 1}]"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.ReloadCatalog(inst.CatalogPath())
	if _, ok := inst.Catalog().Lookup("harm"); !ok {
		t.Fatal("failed reload replaced the catalog")
	}
}

func TestReloadRefusedWhileBusy(t *testing.T) {
	path := copyCatalog(t)
	m, err := NewManager(ManagerConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	inst, transport := registerFromFile(t, m, path)

	release := make(chan struct{})
	transport.Handle("SPTS?", func(string) (string, error) {
		<-release
		return "500", nil
	}).Reply("TRCA? 1,0,80", "1,2")

	h, err := inst.StartAcquisition(context.Background(), "read_buffer", acquisition.Options{})
	if err != nil {
		t.Fatal(err)
	}

	before := inst.Catalog()
	if err := inst.Reload(before); !errors.Is(err, ErrReloadBusy) {
		t.Fatalf("expected reload to be refused, got %v", err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := inst.Get(ctx, "read_buffer"); err != nil {
		t.Fatalf("expected array after acquisition: %v", err)
	}

	if err := inst.Reload(before); err != nil {
		t.Fatalf("reload after idle: %v", err)
	}
	if _, err := inst.Get(ctx, "read_buffer"); err == nil {
		t.Error("expected arrays of the previous catalog to be dropped")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := copyCatalog(t)
	m, err := NewManager(ManagerConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	inst, _ := registerFromFile(t, m, path)

	if err := m.Watch(20 * time.Millisecond); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer m.StopAll()

	data, _ := os.ReadFile(path)
	edited := strings.Replace(string(data), "statistics: [mean, max]", "statistics: [mean, max, min]", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := inst.Catalog().Derived("read_buffer_min"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("catalog change was not picked up")
}

func TestPollerPublishesValues(t *testing.T) {
	f := newFixture(t)
	f.transport.Reply("FREQ?", "1000").Reply("SPTS?", "12")

	p := NewPoller(f.inst, []string{"freq", "data_pts_ready", "screen"}, time.Second, zaptest.NewLogger(t))
	p.Poll()

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if f.publisher.values["freq"] != 1000.0 || f.publisher.values["data_pts_ready"] != int64(12) {
		t.Errorf("unexpected published values %v", f.publisher.values)
	}
	if _, ok := f.publisher.values["screen"]; ok {
		t.Error("skipped signal must not be published")
	}
}

func TestManagerStartPoller(t *testing.T) {
	f := newFixture(t)
	f.transport.Reply("FREQ?", "1000")

	if err := f.manager.StartPoller("lockin", []string{"freq"}, 10*time.Millisecond); err != nil {
		t.Fatalf("start poller: %v", err)
	}
	if err := f.manager.StartPoller("missing", nil, time.Second); err == nil {
		t.Error("expected error for unknown instrument")
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.transport.Count("Q FREQ?") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	f.manager.StopAll()

	if f.transport.Count("Q FREQ?") == 0 {
		t.Fatal("poller never read freq")
	}
}

func TestManagerReload(t *testing.T) {
	path := copyCatalog(t)
	m, err := NewManager(ManagerConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	inst, _ := registerFromFile(t, m, path)

	if err := m.Reload("missing"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("expected unknown instrument, got %v", err)
	}

	data, _ := os.ReadFile(path)
	edited := strings.Replace(string(data), "statistics: [mean, max]", "statistics: [mean]", 1)
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.ReloadAll(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := inst.Catalog().Derived("read_buffer_max"); ok {
		t.Error("expected read_buffer_max to be gone after reload")
	}

	if err := os.WriteFile(path, []byte("commands: [{name: 1}]"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload("lockin"); err == nil {
		t.Error("expected broken catalog to fail reload")
	}
}
