package instrument

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/catalog"
	"github.com/KevinKickass/OpenInstrumentCore/internal/derived"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownSignal = errors.New("unknown signal")
	ErrNotWritable   = errors.New("signal is not writable")
	ErrSkipped       = errors.New("signal has no binding")
	ErrNotBuffered   = errors.New("signal is not a buffered array")
	ErrReloadBusy    = errors.New("acquisition in progress")

	ErrUnknownInstrument = errors.New("unknown instrument")
)

// Publisher receives live events of an instrument. Implementations must not
// block.
type Publisher interface {
	PublishAcquisition(instrument string, event acquisition.Event)
	PublishWrite(instrument, signal string, value any)
	PublishValue(instrument, signal string, value any)
}

type Config struct {
	Name        string
	Transport   scpi.Transport
	Catalog     *catalog.Catalog
	CatalogPath string

	// Optional collaborators.
	Sink      acquisition.Sink
	Recorder  storage.Recorder
	Publisher Publisher
	Clock     acquisition.Clock
}

// Instrument is a compiled catalog bound to a transport.
type Instrument struct {
	ID   uuid.UUID
	name string

	transport scpi.Transport
	sink      acquisition.Sink
	recorder  storage.Recorder
	publisher Publisher
	clock     acquisition.Clock
	logger    *zap.Logger

	mu          sync.RWMutex
	catalog     *catalog.Catalog
	catalogPath string
	acquirers   map[string]*acquisition.Acquirer
	derived     map[string]*derived.Signal

	valuesMu   sync.RWMutex
	lastValues map[string]Reading
}

// Reading is the last value read from or written to a scalar signal.
type Reading struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SignalInfo describes one signal for listings.
type SignalInfo struct {
	Name     string           `json:"name"`
	Category catalog.Category `json:"category"`
	Kind     types.Kind       `json:"kind"`
	Command  string           `json:"command,omitempty"`
	Source   string           `json:"source,omitempty"`
	Busy     bool             `json:"busy,omitempty"`
}

func New(cfg Config, logger *zap.Logger) (*Instrument, error) {
	if cfg.Name == "" {
		return nil, errors.New("instrument name is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("instrument %s: transport is required", cfg.Name)
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("instrument %s: catalog is required", cfg.Name)
	}
	if cfg.Clock == nil {
		cfg.Clock = acquisition.SystemClock()
	}

	inst := &Instrument{
		ID:          uuid.New(),
		name:        cfg.Name,
		transport:   cfg.Transport,
		sink:        cfg.Sink,
		recorder:    cfg.Recorder,
		publisher:   cfg.Publisher,
		clock:       cfg.Clock,
		logger:      logger.With(zap.String("instrument", cfg.Name)),
		catalogPath: cfg.CatalogPath,
		lastValues:  make(map[string]Reading),
	}
	inst.bind(cfg.Catalog)
	return inst, nil
}

func (i *Instrument) Name() string { return i.name }

func (i *Instrument) CatalogPath() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.catalogPath
}

func (i *Instrument) Catalog() *catalog.Catalog {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.catalog
}

// bind builds one acquirer per buffered signal and attaches the derived
// signals to their sources. Callers hold mu or own the instrument.
func (i *Instrument) bind(cat *catalog.Catalog) {
	acquirers := make(map[string]*acquisition.Acquirer)
	for _, b := range cat.Buffered() {
		opts := []acquisition.Option{
			acquisition.WithClock(i.clock),
			acquisition.WithFinishHook(i.record),
		}
		if i.sink != nil {
			opts = append(opts, acquisition.WithSink(i.sink))
		}
		if i.publisher != nil {
			opts = append(opts, acquisition.WithObserver(func(ev acquisition.Event) {
				i.publisher.PublishAcquisition(i.name, ev)
			}))
		}
		acquirers[b.Name] = acquisition.NewAcquirer(b.Name, b.Monitor, i.transport, i.logger, opts...)
	}

	signals := make(map[string]*derived.Signal)
	for _, spec := range cat.DerivedSpecs() {
		signals[spec.Name] = spec.Bind(acquirers[spec.Source])
	}

	i.catalog = cat
	i.acquirers = acquirers
	i.derived = signals
}

// Get reads a signal. Scalars are queried from the instrument, buffered
// signals return the array of the last completed session and derived
// signals are computed from their source's latest array.
func (i *Instrument) Get(ctx context.Context, name string) (any, error) {
	i.mu.RLock()
	b, bound := i.catalog.Lookup(name)
	d, isDerived := i.derived[name]
	acq := i.acquirers[name]
	i.mu.RUnlock()

	switch {
	case isDerived:
		return d.Get()
	case !bound:
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownSignal)
	}

	switch b.Category {
	case catalog.Skipped:
		return nil, fmt.Errorf("%s: %w", name, ErrSkipped)
	case catalog.BufferedArray:
		values, ok := acq.LatestArray()
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, derived.ErrNoData)
		}
		return append([]float64(nil), values...), nil
	}

	query, err := scpi.Format(b.Getter, b.Args(nil))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	raw, err := i.transport.Ask(ctx, query)
	if err != nil {
		return nil, err
	}
	value, err := scpi.ParseValue(raw, b.ValueType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	i.remember(name, value)
	return value, nil
}

// Set writes a value to a writable signal.
func (i *Instrument) Set(ctx context.Context, name string, value any) error {
	i.mu.RLock()
	b, bound := i.catalog.Lookup(name)
	_, isDerived := i.derived[name]
	i.mu.RUnlock()

	switch {
	case isDerived:
		return fmt.Errorf("%s is derived: %w", name, ErrNotWritable)
	case !bound:
		return fmt.Errorf("%s: %w", name, ErrUnknownSignal)
	case b.Category == catalog.Skipped:
		return fmt.Errorf("%s: %w", name, ErrSkipped)
	case b.Category != catalog.Writable:
		return fmt.Errorf("%s (%s): %w", name, b.Category, ErrNotWritable)
	}

	command, err := scpi.Format(b.Setter, b.Args(map[string]any{types.ValueToken: value}))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := i.transport.Write(ctx, command); err != nil {
		return err
	}

	i.remember(name, value)
	if i.publisher != nil {
		i.publisher.PublishWrite(i.name, name, value)
	}
	i.logger.Debug("Signal written", zap.String("signal", name), zap.String("command", command))
	return nil
}

// Stage applies the catalog's stage settings in order.
func (i *Instrument) Stage(ctx context.Context) error {
	stage := i.Catalog().Stage
	for _, s := range stage {
		if err := i.Set(ctx, s.Signal, s.Value); err != nil {
			return fmt.Errorf("stage %s: %w", s.Signal, err)
		}
	}
	i.logger.Info("Instrument staged", zap.Int("settings", len(stage)))
	return nil
}

func (i *Instrument) acquirer(name string) (*acquisition.Acquirer, error) {
	if acq, ok := i.acquirers[name]; ok {
		return acq, nil
	}
	if _, isDerived := i.derived[name]; isDerived {
		return nil, fmt.Errorf("%s: %w", name, ErrNotBuffered)
	}
	b, ok := i.catalog.Lookup(name)
	switch {
	case !ok:
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownSignal)
	case b.Category == catalog.Skipped:
		return nil, fmt.Errorf("%s: %w", name, ErrSkipped)
	default:
		return nil, fmt.Errorf("%s (%s): %w", name, b.Category, ErrNotBuffered)
	}
}

// StartAcquisition starts a session and returns immediately. The session
// outlives ctx; stop it with CancelAcquisition or the handle.
func (i *Instrument) StartAcquisition(ctx context.Context, name string, opts acquisition.Options) (*acquisition.Handle, error) {
	// Holding the read lock keeps Reload from swapping acquirers between
	// the busy check and the start.
	i.mu.RLock()
	defer i.mu.RUnlock()

	acq, err := i.acquirer(name)
	if err != nil {
		return nil, err
	}
	return acq.Start(context.WithoutCancel(ctx), opts)
}

// Acquire runs one session and waits for it. Cancelling ctx cancels the
// session.
func (i *Instrument) Acquire(ctx context.Context, name string, opts acquisition.Options) (acquisition.Session, error) {
	i.mu.RLock()
	acq, err := i.acquirer(name)
	if err != nil {
		i.mu.RUnlock()
		return acquisition.Session{}, err
	}
	h, err := acq.Start(ctx, opts)
	i.mu.RUnlock()
	if err != nil {
		return acquisition.Session{}, err
	}

	return h.Wait(context.Background())
}

// AcquireMany runs sessions for distinct buffered signals concurrently.
// The first failure cancels the others.
func (i *Instrument) AcquireMany(ctx context.Context, names []string, opts acquisition.Options) (map[string]acquisition.Session, error) {
	seen := make(map[string]bool, len(names))
	i.mu.RLock()
	for _, name := range names {
		if seen[name] {
			i.mu.RUnlock()
			return nil, fmt.Errorf("%s requested twice", name)
		}
		seen[name] = true
		if _, err := i.acquirer(name); err != nil {
			i.mu.RUnlock()
			return nil, err
		}
	}
	i.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]acquisition.Session, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			session, err := i.Acquire(gctx, name, opts)
			mu.Lock()
			results[name] = session
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	return results, err
}

// CancelAcquisition cancels the active session of a buffered signal. It
// reports false when nothing was running.
func (i *Instrument) CancelAcquisition(name string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	acq, err := i.acquirer(name)
	if err != nil {
		return false, err
	}
	return acq.Cancel(), nil
}

// Session returns the active session of a signal, or the last completed one.
func (i *Instrument) Session(name string) (acquisition.Session, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	acq, err := i.acquirer(name)
	if err != nil {
		return acquisition.Session{}, false, err
	}
	if s, ok := acq.Current(); ok {
		return s, true, nil
	}
	s, ok := acq.Latest()
	return s, ok, nil
}

// Busy reports whether any buffered signal has an active session.
func (i *Instrument) Busy() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.busyLocked()
}

func (i *Instrument) busyLocked() bool {
	for _, acq := range i.acquirers {
		if acq.Busy() {
			return true
		}
	}
	return false
}

// Reload swaps in a recompiled catalog. It is refused while a session is
// active. Completed arrays of the old catalog are dropped.
func (i *Instrument) Reload(cat *catalog.Catalog) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.busyLocked() {
		return fmt.Errorf("instrument %s: %w", i.name, ErrReloadBusy)
	}
	i.bind(cat)

	i.logger.Info("Catalog reloaded", zap.Int("signals", len(cat.Signals())))
	return nil
}

// Signals lists all signals: bindings in compile order, then derived ones.
func (i *Instrument) Signals() []SignalInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var out []SignalInfo
	for _, b := range i.catalog.Bindings() {
		info := SignalInfo{Name: b.Name, Category: b.Category, Kind: b.Kind, Command: b.Command}
		if acq, ok := i.acquirers[b.Name]; ok {
			info.Busy = acq.Busy()
		}
		out = append(out, info)
	}
	for _, d := range i.catalog.DerivedSpecs() {
		out = append(out, SignalInfo{Name: d.Name, Kind: types.KindHinted, Source: d.Source})
	}
	return out
}

// LastValues returns the last value seen per scalar signal.
func (i *Instrument) LastValues() map[string]Reading {
	i.valuesMu.RLock()
	defer i.valuesMu.RUnlock()

	out := make(map[string]Reading, len(i.lastValues))
	for k, v := range i.lastValues {
		out[k] = v
	}
	return out
}

// ReadableSignals returns the names of scalar signals in sorted order.
func (i *Instrument) ReadableSignals() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var out []string
	for _, b := range i.catalog.Bindings() {
		if b.Readable() {
			out = append(out, b.Name)
		}
	}
	sort.Strings(out)
	return out
}

func (i *Instrument) remember(name string, value any) {
	i.valuesMu.Lock()
	i.lastValues[name] = Reading{Value: value, Timestamp: i.clock.Now()}
	i.valuesMu.Unlock()
}

func (i *Instrument) record(s acquisition.Session, _ error) {
	if i.recorder == nil {
		return
	}

	rec := &storage.AcquisitionRecord{
		Instrument:   i.name,
		Signal:       s.Signal,
		SessionID:    s.ID,
		Status:       string(s.Status),
		Points:       s.Points,
		ArtifactPath: s.ArtifactPath,
		Error:        s.Error,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.recorder.RecordAcquisition(ctx, rec); err != nil {
		i.logger.Error("Failed to record acquisition",
			zap.String("signal", s.Signal),
			zap.String("session_id", s.ID.String()),
			zap.Error(err))
	}
}

// cancelAll cancels every active session.
func (i *Instrument) cancelAll() {
	i.mu.RLock()
	defer i.mu.RUnlock()

	for _, acq := range i.acquirers {
		acq.Cancel()
	}
}
