package records_test

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"loom/internal/records"
	"loom/internal/testsupport"
)

func createPipeline(t *testing.T, store *records.Store, kind records.PipelineKind, keys ...records.StageKey) *records.Pipeline {
	t.Helper()
	p, err := store.CreatePipeline(context.Background(), kind, "Test Pipeline", false, keys)
	if err != nil {
		t.Fatalf("CreatePipeline failed: %v", err)
	}
	return p
}

func TestOpenCreatesSchemaAndStageRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineBRoll,
		records.StageFirstFrame, records.StageLastFrame, records.StageFinalVideo)
	if p.ID == "" {
		t.Fatal("expected pipeline ID to be assigned")
	}

	snapshot, err := store.StagesForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("StagesForPipeline failed: %v", err)
	}
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 stage rows, got %d", len(snapshot))
	}
	for key, rec := range snapshot {
		if rec.GenerationStatus != records.GenStatusIdle {
			t.Errorf("stage %s: expected idle, got %s", key, rec.GenerationStatus)
		}
		if rec.Complete {
			t.Errorf("stage %s: new stage should not be complete", key)
		}
	}
}

func TestGetPipelineNotFound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if _, err := store.GetPipeline(context.Background(), "missing"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStageDraftLastWriteWins(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	first := records.StageDraft{
		Name:           "early name",
		WorkflowStatus: records.WorkflowBacklog,
		Input:          records.NewStageInput(records.KindImage),
	}
	first.Input.Image.Prompt = "a quiet harbor"
	if err := store.UpdateStageDraft(ctx, rec.ID, first); err != nil {
		t.Fatalf("first UpdateStageDraft failed: %v", err)
	}

	second := first
	second.Name = "final name"
	second.Tags = []string{"hero", "harbor"}
	second.WorkflowStatus = records.WorkflowInProgress
	second.Input.Image = &records.ImageInput{Prompt: "a stormy harbor", Mode: records.ModeGenerate}
	if err := store.UpdateStageDraft(ctx, rec.ID, second); err != nil {
		t.Fatalf("second UpdateStageDraft failed: %v", err)
	}

	fetched, err := store.StageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if fetched.Name != "final name" {
		t.Errorf("expected last write to win on name, got %q", fetched.Name)
	}
	if fetched.WorkflowStatus != records.WorkflowInProgress {
		t.Errorf("unexpected workflow status %s", fetched.WorkflowStatus)
	}
	input, err := fetched.Input()
	if err != nil {
		t.Fatalf("decode input: %v", err)
	}
	if input.Image == nil || input.Image.Prompt != "a stormy harbor" {
		t.Errorf("unexpected input document: %#v", input)
	}
	if len(fetched.Tags) != 2 {
		t.Errorf("expected 2 tags, got %v", fetched.Tags)
	}
}

func TestBeginDispatchAndRevert(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	now := time.Now().UTC()
	if err := store.BeginDispatch(ctx, rec.ID, "dispatch-1", now); err != nil {
		t.Fatalf("BeginDispatch failed: %v", err)
	}
	fetched, err := store.StageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if fetched.GenerationStatus != records.GenStatusProcessing {
		t.Fatalf("expected processing after dispatch, got %s", fetched.GenerationStatus)
	}
	if fetched.DispatchID != "dispatch-1" {
		t.Fatalf("expected dispatch marker, got %q", fetched.DispatchID)
	}
	if fetched.DispatchedAt == nil {
		t.Fatal("expected dispatched_at to be set")
	}

	if err := store.RevertDispatch(ctx, rec.ID, records.GenStatusIdle); err != nil {
		t.Fatalf("RevertDispatch failed: %v", err)
	}
	reverted, err := store.StageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if reverted.GenerationStatus != records.GenStatusIdle {
		t.Errorf("expected idle after revert, got %s", reverted.GenerationStatus)
	}
	if reverted.DispatchID != "" {
		t.Errorf("expected dispatch marker cleared, got %q", reverted.DispatchID)
	}
}

func TestMarkCompleteRequiresOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if err := store.MarkComplete(ctx, rec.ID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound when marking complete without output, got %v", err)
	}

	out := records.StageOutput{URL: "https://cdn.example/img.png", GeneratedAt: time.Now().UTC()}
	if err := store.CompleteStage(ctx, rec.ID, out); err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	fetched, err := store.StageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if !fetched.Complete {
		t.Error("expected stage marked complete")
	}
	if fetched.GenerationStatus != records.GenStatusCompleted {
		t.Errorf("expected completed status, got %s", fetched.GenerationStatus)
	}
	decoded, err := fetched.Output()
	if err != nil || decoded == nil || decoded.URL != out.URL {
		t.Errorf("unexpected output document: %#v (%v)", decoded, err)
	}
}

func TestUploadOutputLeavesGenerationStatusUntouched(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	out := records.StageOutput{URL: "https://cdn.example/upload.png", Uploaded: true, GeneratedAt: time.Now().UTC()}
	if err := store.UploadOutput(ctx, rec.ID, out); err != nil {
		t.Fatalf("UploadOutput failed: %v", err)
	}
	fetched, err := store.StageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if !fetched.Complete {
		t.Error("expected uploaded stage to be complete")
	}
	if fetched.GenerationStatus != records.GenStatusIdle {
		t.Errorf("upload must not touch generation status, got %s", fetched.GenerationStatus)
	}
}

func TestMarkStageNotifiedCheckAndSet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	won, err := store.MarkStageNotified(ctx, rec.ID, "dispatch-1:completed")
	if err != nil {
		t.Fatalf("MarkStageNotified failed: %v", err)
	}
	if !won {
		t.Fatal("first mark should win")
	}

	won, err = store.MarkStageNotified(ctx, rec.ID, "dispatch-1:completed")
	if err != nil {
		t.Fatalf("MarkStageNotified failed: %v", err)
	}
	if won {
		t.Fatal("duplicate mark with the same key must lose")
	}

	won, err = store.MarkStageNotified(ctx, rec.ID, "dispatch-2:completed")
	if err != nil {
		t.Fatalf("MarkStageNotified failed: %v", err)
	}
	if !won {
		t.Fatal("a new dispatch key should win")
	}
}

func TestFailStageRecordsMessage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if err := store.FailStage(ctx, rec.ID, "backend rejected prompt"); err != nil {
		t.Fatalf("FailStage failed: %v", err)
	}
	fetched, err := store.StageByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageByID failed: %v", err)
	}
	if fetched.GenerationStatus != records.GenStatusFailed {
		t.Errorf("expected failed status, got %s", fetched.GenerationStatus)
	}
	if fetched.ErrorMessage != "backend rejected prompt" {
		t.Errorf("unexpected error message %q", fetched.ErrorMessage)
	}
}

func TestStaleProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineStill, records.StageImage)
	rec, err := store.Stage(ctx, p.ID, records.StageImage)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := store.BeginDispatch(ctx, rec.ID, "dispatch-old", old); err != nil {
		t.Fatalf("BeginDispatch failed: %v", err)
	}

	stale, err := store.StaleProcessing(ctx, time.Hour)
	if err != nil {
		t.Fatalf("StaleProcessing failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != rec.ID {
		t.Fatalf("expected the old dispatch to be stale, got %#v", stale)
	}

	stale, err = store.StaleProcessing(ctx, 3*time.Hour)
	if err != nil {
		t.Fatalf("StaleProcessing failed: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale stages within a wide horizon, got %d", len(stale))
	}
}

func TestDeletePipelineRemovesStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	p := createPipeline(t, store, records.PipelineARoll,
		records.StageScript, records.StageSpeech, records.StageFinalVideo)

	if err := store.DeletePipeline(ctx, p.ID); err != nil {
		t.Fatalf("DeletePipeline failed: %v", err)
	}
	if _, err := store.GetPipeline(ctx, p.ID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	snapshot, err := store.StagesForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("StagesForPipeline failed: %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("expected stage rows removed with pipeline, got %d", len(snapshot))
	}
}

func TestAccountBalanceRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	if err := store.EnsureAccount(ctx, "primary"); err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if err := store.EnsureAccount(ctx, "primary"); err != nil {
		t.Fatalf("EnsureAccount should be idempotent: %v", err)
	}

	if err := store.SetBalance(ctx, "primary", 42.5); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
	balance, err := store.Balance(ctx, "primary")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 42.5 {
		t.Fatalf("expected balance 42.5, got %v", balance)
	}

	if _, err := store.Balance(ctx, "missing"); err == nil {
		t.Fatal("expected error reading unknown account")
	}
}

// TestCompleteImpliesOutputUnderRandomOps drives a stage through random
// operation sequences and checks after every step that a complete stage
// always carries an output document.
func TestCompleteImpliesOutputUnderRandomOps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))

	out := records.StageOutput{URL: "https://cdn.example/asset.png", GeneratedAt: time.Now().UTC()}
	ops := []func(id int64) error{
		func(id int64) error { return store.BeginDispatch(ctx, id, "d-"+strconv.Itoa(rng.Int()), time.Now().UTC()) },
		func(id int64) error { return store.CompleteStage(ctx, id, out) },
		func(id int64) error { return store.MarkComplete(ctx, id) },
		func(id int64) error { return store.FailStage(ctx, id, "backend refused") },
		func(id int64) error { return store.UploadOutput(ctx, id, records.StageOutput{URL: "https://cdn.example/up.mp4", GeneratedAt: time.Now().UTC(), Uploaded: true}) },
		func(id int64) error { return store.RevertDispatch(ctx, id, records.GenStatusIdle) },
		func(id int64) error {
			return store.UpdateStageDraft(ctx, id, records.StageDraft{Name: "draft", Input: records.NewStageInput(records.KindImage)})
		},
	}

	for run := 0; run < 20; run++ {
		p := createPipeline(t, store, records.PipelineStill, records.StageImage)
		rec, err := store.Stage(ctx, p.ID, records.StageImage)
		if err != nil {
			t.Fatalf("Stage failed: %v", err)
		}
		for step := 0; step < 25; step++ {
			// Individual operations may legitimately refuse (for example
			// MarkComplete before any output lands); only the invariant on
			// the stored row matters here.
			_ = ops[rng.Intn(len(ops))](rec.ID)

			fetched, err := store.StageByID(ctx, rec.ID)
			if err != nil {
				t.Fatalf("run %d step %d: StageByID failed: %v", run, step, err)
			}
			if fetched.Complete && !fetched.HasOutput() {
				t.Fatalf("run %d step %d: stage is complete without an output document", run, step)
			}
		}
	}
}
