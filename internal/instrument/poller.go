package instrument

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller periodically reads scalar signals of one instrument so that their
// last values and live subscribers stay current.
type Poller struct {
	instrument *Instrument
	signals    []string
	interval   time.Duration
	logger     *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewPoller polls the given signals, or every readable signal when none
// are given.
func NewPoller(inst *Instrument, signals []string, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		instrument: inst,
		signals:    signals,
		interval:   interval,
		logger:     logger.With(zap.String("instrument", inst.Name())),
		stopChan:   make(chan struct{}),
	}
}

func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Info("Poller started", zap.Duration("interval", p.interval))
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.logger.Info("Poller stopped")
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll reads every polled signal once. Scalar reads share the transport
// with acquisitions, so a busy instrument is skipped for this round.
func (p *Poller) Poll() {
	if p.instrument.Busy() {
		return
	}

	signals := p.signals
	if len(signals) == 0 {
		signals = p.instrument.ReadableSignals()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	for _, name := range signals {
		value, err := p.instrument.Get(ctx, name)
		if err != nil {
			p.logger.Warn("Poll failed", zap.String("signal", name), zap.Error(err))
			continue
		}
		if pub := p.instrument.publisher; pub != nil {
			pub.PublishValue(p.instrument.Name(), name, value)
		}
	}
}
