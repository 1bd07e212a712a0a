package adb

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const refreshTimeout = 15 * time.Second

type refresher interface {
	Refresh(ctx context.Context) error
}

// Poller samples the device screen at a fixed interval. A slow dump delays
// the next sample instead of stacking up.
type Poller struct {
	target   refresher
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	failures int
}

func NewPoller(target refresher, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		target:   target,
		interval: interval,
		logger:   logger,
	}
}

// Start startet das zyklische Polling
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go p.pollLoop(p.stopChan)

	p.logger.Info("Screen poller started", zap.Duration("interval", p.interval))
	return nil
}

// Stop stoppt das Polling
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Screen poller stopped")
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop(stop chan struct{}) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	if err := p.target.Refresh(ctx); err != nil {
		if parent.Err() != nil {
			return
		}
		p.failures++
		// log the first failure and then every 10th to keep the log readable
		if p.failures == 1 || p.failures%10 == 0 {
			p.logger.Warn("Screen refresh failed", zap.Int("failures", p.failures), zap.Error(err))
		}
		return
	}
	if p.failures > 0 {
		p.logger.Info("Screen refresh recovered", zap.Int("after_failures", p.failures))
		p.failures = 0
	}
}
