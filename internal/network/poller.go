package network

import (
	"context"
	"sync"
	"time"

	"github.com/salvacell/offsync/internal/logging"
)

// Poller is a platform adapter for hosts without a connectivity signal: it
// probes the server periodically and pushes the result into a Monitor.
type Poller struct {
	monitor  *Monitor
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPoller creates a Poller. interval and timeout must be positive.
func NewPoller(monitor *Monitor, prober Prober, interval, timeout time.Duration) *Poller {
	return &Poller{
		monitor:  monitor,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
	}
}

// Start probes once immediately and then every interval until Stop or ctx
// cancellation.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	logging.Info("Connectivity poller started", map[string]interface{}{"interval": p.interval.String()})
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.PollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs one probe and updates the monitor.
func (p *Poller) PollOnce(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.prober.Probe(probeCtx)
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{"error": err.Error()})
	}
	p.monitor.SetOnline(err == nil)
	return err == nil
}
