package stagectl_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/records"
	"loom/internal/services"
	"loom/internal/stagectl"
	"loom/internal/testsupport"
)

// stubDispatcher accepts or rejects every dispatch and records what it saw.
type stubDispatcher struct {
	mu         sync.Mutex
	requests   []dispatch.Request
	err        error
	onDispatch func(req dispatch.Request)
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req dispatch.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.requests = append(d.requests, req)
	if d.onDispatch != nil {
		d.onDispatch(req)
	}
	return nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *stubDispatcher) last() dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return dispatch.Request{}
	}
	return d.requests[len(d.requests)-1]
}

// recordingNotifier counts notification deliveries.
type recordingNotifier struct {
	mu         sync.Mutex
	completed  int
	failed     int
	pipelines  int
	lowBalance int
}

func (n *recordingNotifier) GenerationCompleted(ctx context.Context, pipelineTitle, stageLabel, outputURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed++
	return nil
}

func (n *recordingNotifier) GenerationFailed(ctx context.Context, pipelineTitle, stageLabel, message string, refunded bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
	return nil
}

func (n *recordingNotifier) PipelineCompleted(ctx context.Context, pipelineTitle string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pipelines++
	return nil
}

func (n *recordingNotifier) LowBalance(ctx context.Context, balance float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lowBalance++
	return nil
}

func (n *recordingNotifier) NotifyError(ctx context.Context, err error, contextLabel string) error {
	return nil
}

func (n *recordingNotifier) TestNotification(ctx context.Context) error { return nil }

func (n *recordingNotifier) counts() (completed, failed, pipelines, lowBalance int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.completed, n.failed, n.pipelines, n.lowBalance
}

type fixture struct {
	cfg        *config.Config
	store      *records.Store
	dispatcher *stubDispatcher
	notifier   *recordingNotifier
	deps       stagectl.Deps
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()

	opts = append([]testsupport.ConfigOption{
		testsupport.WithRates(0.1, 0.05, 0.25, 0.1),
	}, opts...)
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	if err := store.EnsureAccount(context.Background(), cfg.Backend.AccountID); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	dispatcher := &stubDispatcher{}
	notifier := &recordingNotifier{}
	return &fixture{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		deps: stagectl.Deps{
			Config:     cfg,
			Logger:     logger,
			Store:      store,
			Ledger:     ledger.New(cfg, store, logger),
			Dispatcher: dispatcher,
			Notifier:   notifier,
			Guard:      notify.NewGuard(store, logger),
		},
	}
}

func (f *fixture) createPipeline(t *testing.T, kind records.PipelineKind, strict bool) *records.Pipeline {
	t.Helper()
	keys := stageKeysFor(t, kind)
	p, err := f.store.CreatePipeline(context.Background(), kind, "Launch teaser", strict, keys)
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	return p
}

func stageKeysFor(t *testing.T, kind records.PipelineKind) []records.StageKey {
	t.Helper()
	switch kind {
	case records.PipelineBRoll:
		return []records.StageKey{records.StageFirstFrame, records.StageLastFrame, records.StageFinalVideo}
	case records.PipelineARoll:
		return []records.StageKey{records.StageScript, records.StageSpeech, records.StageFinalVideo}
	case records.PipelineStill:
		return []records.StageKey{records.StageImage}
	}
	t.Fatalf("unknown pipeline kind %q", kind)
	return nil
}

func (f *fixture) setBalance(t *testing.T, balance float64) {
	t.Helper()
	if err := f.store.SetBalance(context.Background(), f.cfg.Backend.AccountID, balance); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
}

func (f *fixture) open(t *testing.T, pipelineID string, key records.StageKey) *stagectl.Controller {
	t.Helper()
	c, err := stagectl.Open(context.Background(), f.deps, pipelineID, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close(context.Background())
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGenerateDispatchesAndObservesCompletion(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	// The dispatched payload must read back from a durable draft.
	f.dispatcher.onDispatch = func(req dispatch.Request) {
		rec, err := f.store.StageByID(ctx, req.RecordID)
		if err != nil {
			t.Errorf("read stage at dispatch time: %v", err)
			return
		}
		if !strings.Contains(rec.InputJSON, "lighthouse") {
			t.Error("draft was not persisted before dispatch")
		}
	}

	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if f.dispatcher.count() != 1 {
		t.Fatalf("expected 1 dispatch, got %d", f.dispatcher.count())
	}
	req := f.dispatcher.last()
	if req.Kind != string(records.KindImage) {
		t.Errorf("expected image request, got %s", req.Kind)
	}
	if req.CreditsCost != 0.25 {
		t.Errorf("expected cost 0.25, got %v", req.CreditsCost)
	}
	if req.DispatchID == "" {
		t.Error("dispatch ID must be set")
	}
	snap := c.Snapshot()
	if !snap.IsGenerating {
		t.Error("a generation should be in flight after dispatch")
	}

	// The backend writes its result straight into the record store.
	if err := f.store.CompleteStage(ctx, c.StageID(), records.StageOutput{
		URL:         "https://cdn.example/image.png",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}

	waitFor(t, "completion to be observed", func() bool {
		return c.Snapshot().State == stagectl.StateCompleted
	})
	snap = c.Snapshot()
	if !snap.Complete {
		t.Error("stage should be complete")
	}
	if snap.Output == nil || snap.Output.URL != "https://cdn.example/image.png" {
		t.Errorf("unexpected output: %+v", snap.Output)
	}
	if snap.IsGenerating {
		t.Error("no generation should remain in flight")
	}
	waitFor(t, "completion notifications", func() bool {
		completed, _, pipelines, _ := f.notifier.counts()
		return completed == 1 && pipelines == 1
	})
}

func TestGenerateRefusedWhenBalanceTooLow(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 0.1)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	err := c.Generate(ctx)
	if !errors.Is(err, services.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if f.dispatcher.count() != 0 {
		t.Fatal("a refused generation must not reach the dispatcher")
	}
	rec, err := f.store.StageByID(ctx, c.StageID())
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if rec.GenerationStatus != records.GenStatusIdle {
		t.Errorf("stage must stay idle, got %s", rec.GenerationStatus)
	}
	if rec.DispatchID != "" {
		t.Error("no dispatch marker may be written before admission passes")
	}
	if !errors.Is(c.LastError(), services.ErrInsufficientCredits) {
		t.Errorf("LastError should surface the refusal, got %v", c.LastError())
	}
}

func TestDispatchRejectionRevertsStage(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	f.dispatcher.err = services.Wrap(services.ErrDispatchRejected, "dispatch", "submit", "backend unavailable", nil)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	err := c.Generate(ctx)
	if !errors.Is(err, services.ErrDispatchRejected) {
		t.Fatalf("expected ErrDispatchRejected, got %v", err)
	}

	snap := c.Snapshot()
	if snap.State != stagectl.StateEditing {
		t.Errorf("rejection must return the controller to editing, got %s", snap.State)
	}
	if snap.IsGenerating {
		t.Error("no job may remain after a rejection")
	}
	rec, err := f.store.StageByID(ctx, c.StageID())
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if rec.GenerationStatus != records.GenStatusIdle {
		t.Errorf("optimistic marker must be reverted, got %s", rec.GenerationStatus)
	}
	if rec.DispatchID != "" {
		t.Errorf("dispatch marker must be cleared, got %q", rec.DispatchID)
	}
}

func TestGenerateObservesFailure(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := f.store.FailStage(ctx, c.StageID(), "content policy rejection"); err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}

	waitFor(t, "failure to be observed", func() bool {
		return c.Snapshot().State == stagectl.StateFailed
	})
	snap := c.Snapshot()
	if snap.ErrorMessage != "content policy rejection" {
		t.Errorf("unexpected error message %q", snap.ErrorMessage)
	}
	if !errors.Is(c.LastError(), services.ErrJobFailed) {
		t.Errorf("LastError should wrap ErrJobFailed, got %v", c.LastError())
	}
	waitFor(t, "failure notification", func() bool {
		_, failed, _, _ := f.notifier.counts()
		return failed == 1
	})
}

func TestUploadCompletesWithoutDispatch(t *testing.T) {
	f := newFixture(t)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Upload(ctx, "https://cdn.example/manual.png"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if f.dispatcher.count() != 0 {
		t.Fatal("uploads must not dispatch")
	}
	snap := c.Snapshot()
	if snap.State != stagectl.StateCompleted {
		t.Errorf("expected completed, got %s", snap.State)
	}
	if snap.Output == nil || !snap.Output.Uploaded {
		t.Errorf("output must be marked uploaded: %+v", snap.Output)
	}
	rec, err := f.store.StageByID(ctx, c.StageID())
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if rec.GenerationStatus != records.GenStatusIdle {
		t.Errorf("uploads never pass through processing, got %s", rec.GenerationStatus)
	}
	if !rec.Complete {
		t.Error("uploaded stage must be complete")
	}
	completed, _, _, _ := f.notifier.counts()
	if completed != 1 {
		t.Errorf("expected 1 completion notification, got %d", completed)
	}
}

func TestGenerateBlockedByIncompleteUpstream(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 100)
	p := f.createPipeline(t, records.PipelineBRoll, false)
	c := f.open(t, p.ID, records.StageFinalVideo)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Video.Prompt = "slow pan across the coast"
		d.Input.Video.DurationSeconds = 8
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	err := c.Generate(ctx)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if !strings.Contains(err.Error(), string(records.StageFirstFrame)) {
		t.Errorf("error should name the missing stage: %v", err)
	}
	if f.dispatcher.count() != 0 {
		t.Fatal("a gated generation must not dispatch")
	}
}

func TestSpeechInheritsScriptText(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 100)
	p := f.createPipeline(t, records.PipelineARoll, false)
	ctx := context.Background()

	script, err := f.store.Stage(ctx, p.ID, records.StageScript)
	if err != nil {
		t.Fatalf("load script stage: %v", err)
	}
	if err := f.store.CompleteStage(ctx, script.ID, records.StageOutput{
		Text:        "Sixty seconds on why lighthouses still matter.",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}

	c := f.open(t, p.ID, records.StageSpeech)
	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Speech.Voice = "narrator"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	req := f.dispatcher.last()
	if req.Text != "Sixty seconds on why lighthouses still matter." {
		t.Errorf("speech request should inherit the script text, got %q", req.Text)
	}
	if req.Voice != "narrator" {
		t.Errorf("unexpected voice %q", req.Voice)
	}
}

func TestRefineRequiresPriorOutput(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 100)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}

	err := c.Refine(ctx)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("refine without output should fail validation, got %v", err)
	}
	if f.dispatcher.count() != 0 {
		t.Fatal("refine without output must not dispatch")
	}
}

func TestRefineCarriesPriorOutput(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 100)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := f.store.CompleteStage(ctx, c.StageID(), records.StageOutput{
		URL:         "https://cdn.example/v1.png",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	waitFor(t, "first generation to complete", func() bool {
		return c.Snapshot().State == stagectl.StateCompleted
	})

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn, warmer light"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Refine(ctx); err != nil {
		t.Fatalf("Refine failed: %v", err)
	}
	req := f.dispatcher.last()
	if !req.IsRefine {
		t.Error("request should be marked as a refine")
	}
	if req.PriorOutputURL != "https://cdn.example/v1.png" {
		t.Errorf("refine should carry the prior output URL, got %q", req.PriorOutputURL)
	}
}

func TestEditDebouncePersistsDraft(t *testing.T) {
	f := newFixture(t)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	for _, prompt := range []string{"a", "a light", "a lighthouse"} {
		if err := c.Edit(ctx, func(d *records.StageDraft) {
			d.Input.Image.Prompt = prompt
		}); err != nil {
			t.Fatalf("Edit failed: %v", err)
		}
	}

	waitFor(t, "debounced draft write", func() bool {
		rec, err := f.store.StageByID(ctx, c.StageID())
		if err != nil {
			return false
		}
		return strings.Contains(rec.InputJSON, "a lighthouse")
	})
	waitFor(t, "dirty flag to clear", func() bool {
		return !c.DirtyDraft()
	})
}

func TestReopenDoesNotReannounce(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := f.store.CompleteStage(ctx, c.StageID(), records.StageOutput{
		URL:         "https://cdn.example/image.png",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	waitFor(t, "completion to be observed", func() bool {
		return c.Snapshot().State == stagectl.StateCompleted
	})
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := f.open(t, p.ID, records.StageImage)
	snap := reopened.Snapshot()
	if snap.State != stagectl.StateCompleted {
		t.Errorf("reopened stage should read completed, got %s", snap.State)
	}
	completed, _, _, _ := f.notifier.counts()
	if completed != 1 {
		t.Errorf("the terminal result must be announced exactly once, got %d", completed)
	}
}

func TestOpenResumesInFlightPolling(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	p := f.createPipeline(t, records.PipelineStill, false)
	ctx := context.Background()

	first := f.open(t, p.ID, records.StageImage)
	if err := first.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := first.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The backend job kept running while no editor was open.
	resumed := f.open(t, p.ID, records.StageImage)
	snap := resumed.Snapshot()
	if !snap.IsGenerating {
		t.Fatal("reopening a processing stage must resume observation")
	}
	if snap.State != stagectl.StatePolling {
		t.Errorf("expected polling, got %s", snap.State)
	}

	if err := f.store.CompleteStage(ctx, resumed.StageID(), records.StageOutput{
		URL:         "https://cdn.example/image.png",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	waitFor(t, "resumed poll to observe completion", func() bool {
		return resumed.Snapshot().State == stagectl.StateCompleted
	})
	completed, _, _, _ := f.notifier.counts()
	if completed != 1 {
		t.Errorf("expected exactly one completion notification, got %d", completed)
	}
}

func TestGenerateRefusedWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	err := c.Generate(ctx)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for a second dispatch, got %v", err)
	}
	if f.dispatcher.count() != 1 {
		t.Fatalf("expected exactly 1 dispatch, got %d", f.dispatcher.count())
	}
}

func TestClosedControllerRefusesCommands(t *testing.T) {
	f := newFixture(t)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Edit(ctx, func(d *records.StageDraft) {}); !errors.Is(err, services.ErrValidation) {
		t.Errorf("edit after close should fail validation, got %v", err)
	}
	if err := c.Generate(ctx); !errors.Is(err, services.ErrValidation) {
		t.Errorf("generate after close should fail validation, got %v", err)
	}
	if err := c.Upload(ctx, "https://cdn.example/x.png"); !errors.Is(err, services.ErrValidation) {
		t.Errorf("upload after close should fail validation, got %v", err)
	}
}

func TestLowBalanceAnnouncedAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.cfg.Credits.LowBalanceThreshold = 5
	f.setBalance(t, 1)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := f.store.CompleteStage(ctx, c.StageID(), records.StageOutput{
		URL:         "https://cdn.example/image.png",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}

	waitFor(t, "low balance notification", func() bool {
		_, _, _, low := f.notifier.counts()
		return low == 1
	})
}

func TestStageIDStableDuringPolling(t *testing.T) {
	f := newFixture(t)
	f.setBalance(t, 10)
	p := f.createPipeline(t, records.PipelineStill, false)
	c := f.open(t, p.ID, records.StageImage)
	ctx := context.Background()

	if err := c.Edit(ctx, func(d *records.StageDraft) {
		d.Input.Image.Prompt = "a lighthouse at dawn"
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if err := c.Generate(ctx); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	want := c.StageID()

	// Hammer the accessor while the poll loop rewrites the record. Under
	// the race detector this fails if StageID reads shared poll state.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if got := c.StageID(); got != want {
				t.Errorf("StageID changed mid-poll: got %d, want %d", got, want)
				return
			}
		}
	}()

	if err := f.store.CompleteStage(ctx, want, records.StageOutput{
		URL:         "https://cdn.example/image.png",
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	waitFor(t, "completion to be observed", func() bool {
		return c.Snapshot().State == stagectl.StateCompleted
	})
	close(stop)
	wg.Wait()
}
