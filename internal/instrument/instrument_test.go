package instrument

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition/acquisitiontest"
	"github.com/KevinKickass/OpenInstrumentCore/internal/derived"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi/scpitest"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []acquisition.Event
	writes map[string]any
	values map[string]any
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{writes: make(map[string]any), values: make(map[string]any)}
}

func (p *fakePublisher) PublishAcquisition(_ string, ev acquisition.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) PublishWrite(_, signal string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes[signal] = value
}

func (p *fakePublisher) PublishValue(_, signal string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[signal] = value
}

type memRecorder struct {
	mu      sync.Mutex
	records []storage.AcquisitionRecord
}

func (r *memRecorder) RecordAcquisition(_ context.Context, rec *storage.AcquisitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *memRecorder) ListAcquisitions(context.Context, storage.ListFilter) ([]storage.AcquisitionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.AcquisitionRecord(nil), r.records...), nil
}

func (r *memRecorder) Close() error { return nil }

type fixture struct {
	inst      *Instrument
	transport *scpitest.Transport
	publisher *fakePublisher
	recorder  *memRecorder
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m, err := NewManager(ManagerConfig{SearchPaths: []string{"testdata"}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	cat, path, err := m.Compile("lockin")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	f := &fixture{
		transport: scpitest.New(),
		publisher: newFakePublisher(),
		recorder:  &memRecorder{},
		manager:   m,
	}
	f.inst, err = m.Register(Config{
		Name:        "lockin",
		Transport:   scpi.Serialize(f.transport),
		Catalog:     cat,
		CatalogPath: path,
		Recorder:    f.recorder,
		Publisher:   f.publisher,
		Clock:       acquisitiontest.NewClock(time.Unix(1000, 0)),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return f
}

func TestGetAndSetScalars(t *testing.T) {
	f := newFixture(t)
	f.transport.Reply("FREQ?", "1000.5\n").Reply("SPTS?", "42")
	ctx := context.Background()

	v, err := f.inst.Get(ctx, "freq")
	if err != nil {
		t.Fatalf("get freq: %v", err)
	}
	if v != 1000.5 {
		t.Errorf("expected 1000.5, got %v", v)
	}

	if err := f.inst.Set(ctx, "freq", 2000.0); err != nil {
		t.Fatalf("set freq: %v", err)
	}
	if err := f.inst.Set(ctx, "disp_chan2", 4); err != nil {
		t.Fatalf("set disp_chan2: %v", err)
	}

	want := []string{"Q FREQ?", "W FREQ 2000", "W DDEF 2,4"}
	if got := f.transport.Log(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if f.publisher.writes["disp_chan2"] != 4 {
		t.Errorf("write not published: %v", f.publisher.writes)
	}
	if last := f.inst.LastValues()["freq"]; last.Value != 2000.0 {
		t.Errorf("expected last freq 2000, got %v", last.Value)
	}
}

func TestSetRejectsNonWritable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		signal string
		want   error
	}{
		{"data_pts_ready", ErrNotWritable},
		{"read_buffer", ErrNotWritable},
		{"read_buffer_mean", ErrNotWritable},
		{"screen", ErrSkipped},
		{"disp", ErrUnknownSignal},
	}
	for _, tt := range tests {
		t.Run(tt.signal, func(t *testing.T) {
			if err := f.inst.Set(ctx, tt.signal, 1.0); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if n := len(f.transport.Writes()); n != 0 {
		t.Errorf("rejected writes reached the transport: %d", n)
	}
}

func TestAcquireFeedsDerivedSignals(t *testing.T) {
	f := newFixture(t)
	f.transport.
		Sequence("SPTS?", "10", "150").
		Reply("TRCA? 1,0,80", "1,2,3,4")
	ctx := context.Background()

	if _, err := f.inst.Get(ctx, "read_buffer_mean"); !errors.Is(err, derived.ErrNoData) {
		t.Fatalf("expected no data before first acquisition, got %v", err)
	}
	if _, err := f.inst.Get(ctx, "read_buffer"); !errors.Is(err, derived.ErrNoData) {
		t.Fatalf("expected no data before first acquisition, got %v", err)
	}

	session, err := f.inst.Acquire(ctx, "read_buffer", acquisition.Options{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if session.Status != acquisition.StatusCompleted || session.Points != 4 || session.Polls != 2 {
		t.Errorf("unexpected session %+v", session)
	}

	mean, err := f.inst.Get(ctx, "read_buffer_mean")
	if err != nil || mean != 2.5 {
		t.Errorf("expected mean 2.5, got %v (%v)", mean, err)
	}
	peak, err := f.inst.Get(ctx, "read_buffer_max")
	if err != nil || peak != 4.0 {
		t.Errorf("expected max 4, got %v (%v)", peak, err)
	}
	arr, err := f.inst.Get(ctx, "read_buffer")
	if err != nil || !reflect.DeepEqual(arr, []float64{1, 2, 3, 4}) {
		t.Errorf("expected drained array, got %v (%v)", arr, err)
	}

	if len(f.recorder.records) != 1 {
		t.Fatalf("expected one recorded session, got %d", len(f.recorder.records))
	}
	rec := f.recorder.records[0]
	if rec.Instrument != "lockin" || rec.Signal != "read_buffer" || rec.Status != "completed" || rec.SessionID != session.ID {
		t.Errorf("unexpected record %+v", rec)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	if n := len(f.publisher.events); n != 6 {
		t.Errorf("expected 6 published transitions, got %d", n)
	}
}

func TestAcquireRejectsScalarSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.inst.Acquire(ctx, "freq", acquisition.Options{}); !errors.Is(err, ErrNotBuffered) {
		t.Errorf("expected not buffered, got %v", err)
	}
	if _, err := f.inst.Acquire(ctx, "screen", acquisition.Options{}); !errors.Is(err, ErrSkipped) {
		t.Errorf("expected skipped, got %v", err)
	}
	if _, err := f.inst.Acquire(ctx, "nope", acquisition.Options{}); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("expected unknown, got %v", err)
	}
	if _, err := f.inst.Get(ctx, "screen"); !errors.Is(err, ErrSkipped) {
		t.Errorf("expected skipped on get, got %v", err)
	}
}

func TestAcquireTimeoutIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.transport.Reply("SPTS?", "3")

	session, err := f.inst.Acquire(context.Background(), "read_buffer", acquisition.Options{Timeout: 200 * time.Millisecond})
	if !errors.Is(err, acquisition.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if session.Status != acquisition.StatusTimeout {
		t.Errorf("expected timeout status, got %s", session.Status)
	}
	if len(f.recorder.records) != 1 || f.recorder.records[0].Status != "timeout" || f.recorder.records[0].Error == "" {
		t.Errorf("timeout not recorded: %+v", f.recorder.records)
	}
	for _, w := range f.transport.Writes() {
		if w == "PAUS" {
			t.Error("post action ran after timeout")
		}
	}
}

func TestStartCancelAndSession(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.transport.Handle("SPTS?", func(string) (string, error) {
		<-release
		return "0", nil
	})
	ctx := context.Background()

	h, err := f.inst.StartAcquisition(ctx, "read_buffer", acquisition.Options{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.inst.StartAcquisition(ctx, "read_buffer", acquisition.Options{}); !errors.Is(err, acquisition.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}

	current, ok, err := f.inst.Session("read_buffer")
	if err != nil || !ok || current.ID != h.ID() {
		t.Fatalf("expected active session %s, got %+v %t %v", h.ID(), current, ok, err)
	}

	cancelled, err := f.inst.CancelAcquisition("read_buffer")
	if err != nil || !cancelled {
		t.Fatalf("cancel: %t %v", cancelled, err)
	}
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	session, err := h.Wait(waitCtx)
	if !errors.Is(err, acquisition.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if session.Status != acquisition.StatusCancelled {
		t.Errorf("expected cancelled status, got %s", session.Status)
	}
	if f.inst.Busy() {
		t.Error("instrument still busy after cancel")
	}
}

func TestAcquireMany(t *testing.T) {
	f := newFixture(t)
	f.transport.
		Reply("SPTS?", "500").
		Reply("TRCA? 1,0,80", "1,1,1").
		Reply("TRCB? 2", "7,8")

	results, err := f.inst.AcquireMany(context.Background(), []string{"read_buffer", "aux_buffer"}, acquisition.Options{})
	if err != nil {
		t.Fatalf("acquire many: %v", err)
	}
	if results["read_buffer"].Points != 3 || results["aux_buffer"].Points != 2 {
		t.Errorf("unexpected results %+v", results)
	}
	if n := f.transport.Overlaps(); n != 0 {
		t.Errorf("transport access interleaved %d times", n)
	}

	if _, err := f.inst.AcquireMany(context.Background(), []string{"aux_buffer", "aux_buffer"}, acquisition.Options{}); err == nil {
		t.Error("expected error for repeated signal")
	}
	if _, err := f.inst.AcquireMany(context.Background(), []string{"aux_buffer", "freq"}, acquisition.Options{}); !errors.Is(err, ErrNotBuffered) {
		t.Errorf("expected not buffered, got %v", err)
	}
}

func TestStage(t *testing.T) {
	f := newFixture(t)

	if err := f.inst.Stage(context.Background()); err != nil {
		t.Fatalf("stage: %v", err)
	}
	want := []string{"FREQ 1000", "DDEF 1,0"}
	if got := f.transport.Writes(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStageStopsOnTransportError(t *testing.T) {
	f := newFixture(t)
	linkDown := errors.New("link down")
	f.transport.FailWrite("FREQ 1000", linkDown)

	if err := f.inst.Stage(context.Background()); !errors.Is(err, linkDown) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if n := len(f.transport.Writes()); n != 1 {
		t.Errorf("expected staging to stop after the failure, got %d writes", n)
	}
}

func TestSignals(t *testing.T) {
	f := newFixture(t)

	byName := make(map[string]SignalInfo)
	for _, s := range f.inst.Signals() {
		byName[s.Name] = s
	}
	if byName["read_buffer_mean"].Source != "read_buffer" || byName["read_buffer_mean"].Kind != "hinted" {
		t.Errorf("unexpected derived info %+v", byName["read_buffer_mean"])
	}
	if byName["screen"].Category != "skipped" {
		t.Errorf("unexpected screen info %+v", byName["screen"])
	}

	readable := f.inst.ReadableSignals()
	if len(readable) == 0 || readable[0] != "data_pts_ready" {
		t.Errorf("unexpected readable signals %v", readable)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Name: "x"}, zap.NewNop()); err == nil {
		t.Error("expected error without transport")
	}
	if _, err := New(Config{Name: "x", Transport: scpitest.New()}, zap.NewNop()); err == nil {
		t.Error("expected error without catalog")
	}
}
