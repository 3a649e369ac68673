package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes per-instrument health service names.
const ServicePrefix = "instrument."

// Instruments is the view of the instrument registry the checker needs.
type Instruments interface {
	Names() []string
	Connected(name string) bool
}

// Checker mirrors instrument connectivity into a gRPC health server.
type Checker struct {
	server      *health.Server
	instruments Instruments
	interval    time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	known    map[string]healthpb.HealthCheckResponse_ServingStatus
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

func NewChecker(instruments Instruments, interval time.Duration, logger *zap.Logger) *Checker {
	return &Checker{
		server:      health.NewServer(),
		instruments: instruments,
		interval:    interval,
		logger:      logger,
		known:       make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Register adds the health service to a gRPC server.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Server exposes the underlying health server.
func (c *Checker) Server() *health.Server {
	return c.server
}

// Refresh sets the overall status to SERVING and updates every instrument.
func (c *Checker) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range c.instruments.Names() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if c.instruments.Connected(name) {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if prev, ok := c.known[name]; ok && prev == status {
			continue
		}
		c.known[name] = status
		c.server.SetServingStatus(ServicePrefix+name, status)
		c.logger.Info("Instrument health changed",
			zap.String("instrument", name),
			zap.String("status", status.String()))
	}
}

func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.Refresh()

	c.wg.Add(1)
	go c.loop()
}

func (c *Checker) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// Shutdown stops refreshing and reports every service as NOT_SERVING.
func (c *Checker) Shutdown() {
	c.mu.Lock()
	if c.running {
		close(c.stopChan)
		c.running = false
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.server.Shutdown()
}
