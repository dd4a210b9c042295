package poller_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/poller"
)

func TestPollerStopsWhenObserveReportsTerminal(t *testing.T) {
	p := poller.New()
	var ticks atomic.Int32

	p.Start(context.Background(), time.Millisecond, func(ctx context.Context) bool {
		return ticks.Add(1) >= 3
	})

	deadline := time.After(2 * time.Second)
	for p.Running() {
		select {
		case <-deadline:
			t.Fatal("poller did not stop after terminal observation")
		case <-time.After(time.Millisecond):
		}
	}
	if got := ticks.Load(); got != 3 {
		t.Fatalf("expected exactly 3 observations, got %d", got)
	}
}

func TestPollerNeverOverlapsObservations(t *testing.T) {
	p := poller.New()
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	var ticks atomic.Int32

	p.Start(context.Background(), time.Millisecond, func(ctx context.Context) bool {
		current := inFlight.Add(1)
		if current > maxSeen.Load() {
			maxSeen.Store(current)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ticks.Add(1) >= 5
	})

	deadline := time.After(2 * time.Second)
	for p.Running() {
		select {
		case <-deadline:
			t.Fatal("poller did not finish")
		case <-time.After(time.Millisecond):
		}
	}
	if maxSeen.Load() != 1 {
		t.Fatalf("observations overlapped: max in flight %d", maxSeen.Load())
	}
}

func TestPollerStartReplacesActiveLoop(t *testing.T) {
	p := poller.New()
	var first, second atomic.Int32

	p.Start(context.Background(), time.Millisecond, func(ctx context.Context) bool {
		first.Add(1)
		return false
	})
	time.Sleep(10 * time.Millisecond)

	p.Start(context.Background(), time.Millisecond, func(ctx context.Context) bool {
		return second.Add(1) >= 2
	})

	deadline := time.After(2 * time.Second)
	for p.Running() {
		select {
		case <-deadline:
			t.Fatal("replacement loop did not finish")
		case <-time.After(time.Millisecond):
		}
	}

	settled := first.Load()
	time.Sleep(20 * time.Millisecond)
	if first.Load() != settled {
		t.Fatal("first loop still observing after replacement")
	}
	if second.Load() != 2 {
		t.Fatalf("expected 2 observations on the second loop, got %d", second.Load())
	}
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := poller.New()
	p.Stop()

	var wg sync.WaitGroup
	p.Start(context.Background(), time.Millisecond, func(ctx context.Context) bool {
		return false
	})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
		}()
	}
	wg.Wait()

	if p.Running() {
		t.Fatal("poller still running after Stop")
	}
}

func TestPollerHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := poller.New()
	var ticks atomic.Int32

	p.Start(ctx, time.Millisecond, func(ctx context.Context) bool {
		ticks.Add(1)
		return false
	})
	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	settled := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != settled {
		t.Fatal("loop kept observing after context cancellation")
	}
}
