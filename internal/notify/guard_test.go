package notify_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/records"
	"loom/internal/services"
	"loom/internal/testsupport"
)

func openGuardFixture(t *testing.T) (*notify.Guard, int64) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	p, err := store.CreatePipeline(context.Background(), records.PipelineStill, "Guard Test", false, []records.StageKey{records.StageImage})
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	rec, err := store.Stage(context.Background(), p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	return notify.NewGuard(store, logging.NewNop()), rec.ID
}

func TestNotifyOnceFiresExactlyOnce(t *testing.T) {
	guard, stageID := openGuardFixture(t)

	var fired atomic.Int32
	fire := func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := guard.NotifyOnce(context.Background(), stageID, "dispatch-1:completed", fire); err != nil {
			t.Fatalf("NotifyOnce failed: %v", err)
		}
	}
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired.Load())
	}
}

func TestNotifyOnceDistinctKeysFireSeparately(t *testing.T) {
	guard, stageID := openGuardFixture(t)

	var fired atomic.Int32
	fire := func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}

	_ = guard.NotifyOnce(context.Background(), stageID, "dispatch-1:completed", fire)
	_ = guard.NotifyOnce(context.Background(), stageID, "dispatch-2:completed", fire)
	if fired.Load() != 2 {
		t.Fatalf("expected two fires for two dispatches, got %d", fired.Load())
	}
}

func TestNotifyOnceConcurrentObserversOneWinner(t *testing.T) {
	guard, stageID := openGuardFixture(t)

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = guard.NotifyOnce(context.Background(), stageID, "dispatch-1:completed", func(ctx context.Context) error {
				fired.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	if fired.Load() != 1 {
		t.Fatalf("racing observers must resolve to one fire, got %d", fired.Load())
	}
}

func TestNotifyOnceSideEffectFailureNotRetried(t *testing.T) {
	guard, stageID := openGuardFixture(t)

	var fired atomic.Int32
	failing := func(ctx context.Context) error {
		fired.Add(1)
		return errors.New("ntfy unreachable")
	}

	if err := guard.NotifyOnce(context.Background(), stageID, "dispatch-1:failed", failing); err != nil {
		t.Fatalf("a side-effect failure must not surface: %v", err)
	}
	if err := guard.NotifyOnce(context.Background(), stageID, "dispatch-1:failed", failing); err != nil {
		t.Fatalf("NotifyOnce failed: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("the marker stands even when the side effect failed, got %d fires", fired.Load())
	}
}

type failingMarks struct{}

func (failingMarks) MarkStageNotified(context.Context, int64, string) (bool, error) {
	return false, errors.New("db locked")
}

func TestNotifyOnceSurfacesMarkerFailure(t *testing.T) {
	guard := notify.NewGuard(failingMarks{}, logging.NewNop())
	err := guard.NotifyOnce(context.Background(), 1, "key", nil)
	if !errors.Is(err, services.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestNotifyOnceEmptyKeyIsNoop(t *testing.T) {
	guard, stageID := openGuardFixture(t)
	var fired atomic.Int32
	if err := guard.NotifyOnce(context.Background(), stageID, "", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("NotifyOnce failed: %v", err)
	}
	if fired.Load() != 0 {
		t.Fatal("empty key must not fire")
	}
}
