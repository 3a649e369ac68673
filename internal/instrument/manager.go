package instrument

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/catalog"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
	"go.uber.org/zap"
)

// ManagerConfig holds what every loaded instrument shares.
type ManagerConfig struct {
	SearchPaths      []string
	Monitor          catalog.Defaults
	TransportTimeout time.Duration
	Terminator       string

	Sink      acquisition.Sink
	Recorder  storage.Recorder
	Publisher Publisher
}

// Spec describes one instrument to load.
type Spec struct {
	Name    string
	Catalog string
	Address string
	Timeout time.Duration
}

type Manager struct {
	cfg      ManagerConfig
	loader   *catalog.Loader
	compiler *catalog.Compiler
	watcher  *catalog.Watcher

	instruments map[string]*Instrument
	clients     map[string]*scpi.Client
	pollers     map[string]*Poller
	mu          sync.RWMutex
	logger      *zap.Logger
}

func NewManager(cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	loader, err := catalog.NewLoader(cfg.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog loader: %w", err)
	}

	return &Manager{
		cfg:         cfg,
		loader:      loader,
		compiler:    catalog.NewCompiler(cfg.Monitor, logger),
		instruments: make(map[string]*Instrument),
		clients:     make(map[string]*scpi.Client),
		pollers:     make(map[string]*Poller),
		logger:      logger,
	}, nil
}

// Compile loads and compiles a catalog by name or path.
func (m *Manager) Compile(name string) (*catalog.Catalog, string, error) {
	path, err := m.loader.Resolve(name)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}

	def, err := m.loader.LoadFile(abs)
	if err != nil {
		return nil, "", err
	}
	cat, err := m.compiler.Compile(def)
	if err != nil {
		return nil, "", fmt.Errorf("failed to compile %s: %w", abs, err)
	}
	return cat, abs, nil
}

// Load compiles the catalog, connects to the instrument and registers it.
func (m *Manager) Load(ctx context.Context, spec Spec) (*Instrument, error) {
	cat, path, err := m.Compile(spec.Catalog)
	if err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.cfg.TransportTimeout
	}
	client := scpi.NewClient(spec.Address, timeout, m.cfg.Terminator)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect instrument %s: %w", spec.Name, err)
	}

	inst, err := m.Register(Config{
		Name:        spec.Name,
		Transport:   scpi.Serialize(client),
		Catalog:     cat,
		CatalogPath: path,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	m.mu.Lock()
	m.clients[spec.Name] = client
	m.mu.Unlock()

	m.logger.Info("Instrument loaded",
		zap.String("name", spec.Name),
		zap.String("catalog", path),
		zap.String("address", spec.Address),
		zap.Int("signals", len(cat.Signals())),
		zap.Int("diagnostics", len(cat.Diagnostics)))

	return inst, nil
}

// Register adds an instrument over an existing transport. Shared
// collaborators from the manager config fill unset fields.
func (m *Manager) Register(cfg Config) (*Instrument, error) {
	if cfg.Sink == nil {
		cfg.Sink = m.cfg.Sink
	}
	if cfg.Recorder == nil {
		cfg.Recorder = m.cfg.Recorder
	}
	if cfg.Publisher == nil {
		cfg.Publisher = m.cfg.Publisher
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instruments[cfg.Name]; exists {
		return nil, fmt.Errorf("instrument %s already registered", cfg.Name)
	}

	inst, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.instruments[cfg.Name] = inst

	if m.watcher != nil && cfg.CatalogPath != "" {
		if err := m.watcher.Add(cfg.CatalogPath); err != nil {
			m.logger.Warn("Failed to watch catalog", zap.String("path", cfg.CatalogPath), zap.Error(err))
		}
	}
	return inst, nil
}

func (m *Manager) Get(name string) (*Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.instruments[name]
	return inst, exists
}

// List returns all instruments sorted by name.
func (m *Manager) List() []*Instrument {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*Instrument, 0, len(m.instruments))
	for _, inst := range m.instruments {
		list = append(list, inst)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].Name() < list[b].Name() })
	return list
}

// Names returns the registered instrument names in sorted order.
func (m *Manager) Names() []string {
	list := m.List()
	names := make([]string, len(list))
	for i, inst := range list {
		names[i] = inst.Name()
	}
	return names
}

// Connected reports whether the instrument's transport is up. Instruments
// registered over a foreign transport count as connected.
func (m *Manager) Connected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.instruments[name]; !ok {
		return false
	}
	if client, ok := m.clients[name]; ok {
		return client.Connected()
	}
	return true
}

// StartPoller periodically reads the given scalar signals of an instrument.
func (m *Manager) StartPoller(name string, signals []string, interval time.Duration) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownInstrument)
	}
	if interval <= 0 {
		return fmt.Errorf("instrument %s: poll interval must be > 0", name)
	}

	poller := NewPoller(inst, signals, interval, m.logger)

	m.mu.Lock()
	if old, exists := m.pollers[name]; exists {
		m.mu.Unlock()
		old.Stop()
		m.mu.Lock()
	}
	m.pollers[name] = poller
	m.mu.Unlock()

	poller.Start()
	return nil
}

// Watch recompiles catalogs when their files change.
func (m *Manager) Watch(debounce time.Duration) error {
	watcher, err := catalog.NewWatcher(debounce, m.ReloadCatalog, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inst := range m.instruments {
		if path := inst.CatalogPath(); path != "" {
			if err := watcher.Add(path); err != nil {
				watcher.Stop()
				return err
			}
		}
	}
	m.watcher = watcher
	watcher.Start()
	return nil
}

// ReloadCatalog recompiles the catalog at path and swaps it into every
// instrument using it. A failed compile or a busy instrument keeps the
// previous catalog.
func (m *Manager) ReloadCatalog(path string) {
	def, err := m.loader.LoadFile(path)
	if err != nil {
		m.logger.Error("Catalog reload failed", zap.String("path", path), zap.Error(err))
		return
	}
	cat, err := m.compiler.Compile(def)
	if err != nil {
		m.logger.Error("Catalog reload failed", zap.String("path", path), zap.Error(err))
		return
	}

	for _, inst := range m.List() {
		if inst.CatalogPath() != path {
			continue
		}
		if err := inst.Reload(cat); err != nil {
			m.logger.Warn("Catalog reload deferred",
				zap.String("instrument", inst.Name()),
				zap.Error(err))
		}
	}
}

// Reload recompiles the catalog of one instrument and swaps it in.
func (m *Manager) Reload(name string) error {
	inst, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownInstrument)
	}
	path := inst.CatalogPath()
	if path == "" {
		return fmt.Errorf("instrument %s has no catalog file", name)
	}

	def, err := m.loader.LoadFile(path)
	if err != nil {
		return err
	}
	cat, err := m.compiler.Compile(def)
	if err != nil {
		return fmt.Errorf("failed to compile %s: %w", path, err)
	}
	return inst.Reload(cat)
}

// ReloadAll reloads every instrument backed by a catalog file and returns
// the joined errors.
func (m *Manager) ReloadAll() error {
	var errs []error
	for _, inst := range m.List() {
		if inst.CatalogPath() == "" {
			continue
		}
		if err := m.Reload(inst.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops pollers and the watcher and closes every connection.
func (m *Manager) StopAll() {
	m.mu.Lock()
	pollers := m.pollers
	m.pollers = make(map[string]*Poller)
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, inst := range m.instruments {
		if inst.Busy() {
			inst.cancelAll()
		}
		if client, ok := m.clients[name]; ok {
			if err := client.Close(); err != nil {
				m.logger.Error("Failed to close instrument",
					zap.String("name", name),
					zap.Error(err))
			}
		}
		m.logger.Info("Instrument stopped", zap.String("name", name))
	}
}
