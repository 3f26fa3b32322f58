package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/learnsync/core/internal/logging"
)

// Pinger checks whether the remote is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HTTPPinger probes a URL with GET; any status below 500 counts as reachable.
type HTTPPinger struct {
	URL    string
	Client *http.Client
}

// Ping performs one probe request.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Prober polls a Pinger on an interval and drives a Monitor.
type Prober struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a Prober. Each probe is bounded by timeout, or by the
// interval when timeout is zero.
func NewProber(m *Monitor, p Pinger, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{
		monitor:  m,
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		logger:   logging.Get(),
	}
}

// ProbeOnce pings once and updates the monitor. It returns the observed state.
// A probe cut short by ctx leaves the monitor unchanged.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(pctx)
	if ctx.Err() != nil {
		return p.monitor.IsOnline()
	}
	online := err == nil
	if p.monitor.SetOnline(online) {
		fields := map[string]interface{}{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		p.logger.Info("Network state changed", fields)
	}
	return online
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}
