// Package poller runs the fixed-interval re-read loop that watches a stage
// record while a generation job is outstanding.
package poller

import (
	"context"
	"sync"
	"time"
)

// ObserveFunc performs one read of the watched record. Returning true ends
// the loop (a terminal status was observed).
type ObserveFunc func(ctx context.Context) bool

// Poller re-reads a stage record on a fixed cadence. The loop computes "wait
// interval, then read" serially, so a slow read delays the next tick instead
// of piling up concurrent requests. The cadence is fixed rather than backed
// off: jobs run seconds to low minutes, and one extra read costs less than
// the latency of under-polling.
type Poller struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle poller.
func New() *Poller {
	return &Poller{}
}

// Start begins polling. Any loop already running on this poller is stopped
// first, so at most one loop is ever active.
func (p *Poller) Start(ctx context.Context, interval time.Duration, observe ObserveFunc) {
	if interval <= 0 {
		interval = time.Second
	}
	p.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(interval):
			}
			if observe(runCtx) {
				p.mu.Lock()
				if p.done == done {
					p.cancel = nil
					p.done = nil
				}
				p.mu.Unlock()
				cancel()
				return
			}
		}
	}()
}

// Stop cancels the active loop and waits for it to exit. It is idempotent and
// safe to call on a poller that never started.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Running reports whether a poll loop is currently active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
