package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/api/rest"
	"github.com/KevinKickass/OpenInstrumentCore/internal/api/websocket"
	"github.com/KevinKickass/OpenInstrumentCore/internal/artifacts"
	"github.com/KevinKickass/OpenInstrumentCore/internal/auth"
	"github.com/KevinKickass/OpenInstrumentCore/internal/catalog"
	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
	"github.com/KevinKickass/OpenInstrumentCore/internal/health"
	"github.com/KevinKickass/OpenInstrumentCore/internal/instrument"
	"github.com/KevinKickass/OpenInstrumentCore/internal/interfaces"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	watchDebounce  = 250 * time.Millisecond
	healthInterval = 5 * time.Second
)

type LifecycleManager struct {
	config      *config.Config
	recorder    storage.Recorder
	instruments *instrument.Manager
	wsHub       *websocket.Hub
	authService *auth.Service
	checker     *health.Checker
	logger      *zap.Logger

	restServer *rest.Server
	grpcServer *grpc.Server
	grpcAddr   net.Addr

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	recorder, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open acquisition history: %w", err)
	}

	if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
		logger.Warn("Authentication enabled with the development secret",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}
	jwt := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
	authService := auth.NewService(jwt, cfg.Auth.Enabled)
	wsHub := websocket.NewHub(logger, authService)

	manager, err := instrument.NewManager(instrument.ManagerConfig{
		SearchPaths: cfg.Catalogs.SearchPaths,
		Monitor: catalog.Defaults{
			PollInterval: cfg.Acquisition.DefaultPollInterval,
			Timeout:      cfg.Acquisition.DefaultTimeout,
		},
		TransportTimeout: cfg.Transport.DefaultTimeout,
		Terminator:       cfg.Transport.Terminator,
		Sink:             artifacts.NewSaver(cfg.Artifacts.Directory, logger),
		Recorder:         recorder,
		Publisher:        wsHub,
	}, logger)
	if err != nil {
		if recorder != nil {
			recorder.Close()
		}
		return nil, err
	}

	return &LifecycleManager{
		config:       cfg,
		recorder:     recorder,
		instruments:  manager,
		wsHub:        wsHub,
		authService:  authService,
		checker:      health.NewChecker(manager, healthInterval, logger),
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start loads the configured instruments and starts the servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenInstrumentCore")

	go lm.wsHub.Run()

	lm.loadInstruments(ctx)

	if lm.config.Catalogs.Watch {
		if err := lm.instruments.Watch(watchDebounce); err != nil {
			lm.logger.Warn("Catalog watch disabled", zap.Error(err))
		}
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if err := lm.setState(StateRunning); err != nil {
		return err
	}

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("instruments", len(lm.instruments.List())))

	return nil
}

// loadInstruments connects every configured instrument. A failing
// instrument is logged and left out.
func (lm *LifecycleManager) loadInstruments(ctx context.Context) {
	for _, ic := range lm.config.Instruments {
		_, err := lm.instruments.Load(ctx, instrument.Spec{
			Name:    ic.Name,
			Catalog: ic.Catalog,
			Address: ic.Address,
			Timeout: ic.Timeout,
		})
		if err != nil {
			lm.logger.Error("Failed to load instrument",
				zap.String("name", ic.Name),
				zap.String("catalog", ic.Catalog),
				zap.Error(err))
			continue
		}

		if ic.PollInterval > 0 {
			if err := lm.instruments.StartPoller(ic.Name, ic.PollSignals, ic.PollInterval); err != nil {
				lm.logger.Error("Failed to start poller",
					zap.String("name", ic.Name),
					zap.Error(err))
			}
		}
	}
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.checker.Register(lm.grpcServer)
	lm.checker.Start()
	lm.grpcAddr = lis.Addr()

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// ReloadCatalogs recompiles the catalog of every instrument.
func (lm *LifecycleManager) ReloadCatalogs() error {
	if err := lm.setState(StateReloading); err != nil {
		return fmt.Errorf("cannot reload: %w", err)
	}

	err := lm.instruments.ReloadAll()
	if err != nil {
		lm.logger.Warn("Catalog reload incomplete", zap.Error(err))
	}

	if stateErr := lm.setState(StateRunning); stateErr != nil {
		return errors.Join(err, stateErr)
	}
	return err
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		if err := lm.setState(StateStopping); err != nil {
			lm.logger.Warn("Unexpected state on shutdown", zap.Error(err))
		}

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.forceState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		g.Go(func() error {
			if err := lm.restServer.Shutdown(gctx); err != nil {
				return fmt.Errorf("rest api shutdown failed: %w", err)
			}
			return nil
		})
	}

	// 2. gRPC Server graceful stop
	if lm.grpcServer != nil {
		g.Go(func() error {
			lm.checker.Shutdown()
			lm.grpcServer.GracefulStop()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		err = fmt.Errorf("shutdown timeout exceeded")
	}

	// 3. Instruments: pollers, watcher, sessions, connections
	lm.instruments.StopAll()
	lm.wsHub.Stop()

	if lm.recorder != nil {
		if cerr := lm.recorder.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("recorder close failed: %w", cerr))
		}
	}

	if err == nil {
		lm.logger.Info("Graceful shutdown completed")
	}
	return err
}

// setState applies a validated transition.
func (lm *LifecycleManager) setState(state SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		return fmt.Errorf("%w (current: %s)", err, lm.currentState)
	}
	lm.currentState = state
	return nil
}

func (lm *LifecycleManager) forceState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lastError := lm.lastError
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{State: state.String()}
	if lastError != nil {
		status.Error = lastError.Error()
	}

	for _, inst := range lm.instruments.List() {
		status.InstrumentCount++
		if lm.instruments.Connected(inst.Name()) {
			status.ConnectedInstruments++
		}
		if inst.Busy() {
			status.ActiveAcquisitions++
		}
	}
	return status
}

// GRPCAddr is the bound gRPC address once started.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	return lm.grpcAddr
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Instruments() *instrument.Manager {
	return lm.instruments
}

func (lm *LifecycleManager) Recorder() storage.Recorder {
	return lm.recorder
}
