// Package autosave debounces local stage edits into record-store writes,
// independent of generation state.
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/services"
)

// WriteFunc persists the current edit surface. The coordinator owns when it
// runs, the caller owns what it writes.
type WriteFunc func(ctx context.Context) error

const backgroundWriteTimeout = 10 * time.Second

// Coordinator schedules a write after a quiet period following the last edit.
// A single coordinator owns the whole edit surface of one open stage, so
// every write is last-write-wins over the full field set; there is no
// per-field race to model.
type Coordinator struct {
	write WriteFunc
	delay time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool

	logger *slog.Logger
}

// New constructs a coordinator around the given write function.
func New(write WriteFunc, delay time.Duration, logger *slog.Logger) *Coordinator {
	if delay <= 0 {
		delay = 750 * time.Millisecond
	}
	return &Coordinator{
		write:  write,
		delay:  delay,
		logger: logging.NewComponentLogger(logger, "autosave"),
	}
}

// MarkDirty records that the edit surface changed and (re)schedules the
// debounced write.
func (c *Coordinator) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.dirty = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.delay, c.flushExpired)
}

// Flush cancels any pending scheduled write and performs the write now. A
// failed write leaves the dirty state set, so the next MarkDirty or Flush
// retries it; the edit is never silently dropped.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(ctx)
}

// Dirty reports whether an unpersisted edit is outstanding.
func (c *Coordinator) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Close performs one final flush and stops the timer. Further MarkDirty calls
// are ignored.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.flushLocked(ctx)
	c.closed = true
	return err
}

func (c *Coordinator) flushExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.flushLocked(ctx); err != nil {
		c.logger.Debug("debounced write failed; edit retained for retry", logging.Error(err))
	}
}

func (c *Coordinator) flushLocked(ctx context.Context) error {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !c.dirty {
		return nil
	}
	if c.write == nil {
		c.dirty = false
		return nil
	}
	if err := c.write(ctx); err != nil {
		return services.Wrap(services.ErrPersistence, "autosave", "write draft", "", err)
	}
	c.dirty = false
	return nil
}
