package stagectl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/internal/dispatch"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/records"
	"loom/internal/services"
)

// Edit applies a mutation to the draft and schedules a debounced write. The
// mutation sees the latest draft; rapid successive edits collapse into one
// persisted write.
func (c *Controller) Edit(ctx context.Context, mutate func(*records.StageDraft)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return services.Wrap(services.ErrValidation, "stagectl", "edit", "stage controller is closed", nil)
	}

	c.draftMu.Lock()
	mutate(&c.draft)
	if c.draft.Input.Kind == "" {
		c.draft.Input = records.NewStageInput(c.spec.Kind)
	}
	c.draftMu.Unlock()

	c.saver.MarkDirty()
	return nil
}

// SetWorkflowStatus moves the stage between workflow columns. Workflow
// position is user-managed and independent of generation state.
func (c *Controller) SetWorkflowStatus(ctx context.Context, status records.WorkflowStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetWorkflowStatus(ctx, c.rec.ID, status); err != nil {
		return services.Wrap(services.ErrPersistence, "stagectl", "set workflow status", "", err)
	}
	c.rec.WorkflowStatus = status
	c.draftMu.Lock()
	c.draft.WorkflowStatus = status
	c.draftMu.Unlock()
	return nil
}

// Generate validates the draft, admits the cost against the credit balance,
// persists the draft, and dispatches a generation job. On acceptance the
// controller polls the record store until the job reaches a terminal status.
func (c *Controller) Generate(ctx context.Context) error {
	return c.generate(ctx, false)
}

// Regenerate re-runs generation for a stage that already produced output,
// replacing it. The flow is identical to Generate; the existing output is
// simply overwritten when the new job completes.
func (c *Controller) Regenerate(ctx context.Context) error {
	return c.generate(ctx, false)
}

// Refine dispatches a generation that builds on the stage's existing output
// instead of starting fresh. It requires a prior output.
func (c *Controller) Refine(ctx context.Context) error {
	return c.generate(ctx, true)
}

func (c *Controller) generate(ctx context.Context, refine bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "generate", "stage controller is closed", nil))
	}
	if c.job != nil {
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "generate", "a generation is already in flight for this stage", nil))
	}

	c.draftMu.Lock()
	input := c.draft.Input
	c.draftMu.Unlock()

	if input.Mode() == records.ModeUpload {
		return c.uploadLocked(ctx, input.UploadedURL())
	}

	var prior *records.StageOutput
	if refine {
		out, err := c.rec.Output()
		if err != nil {
			return c.commandFailed(services.Wrap(services.ErrPersistence, "stagectl", "refine", "decode existing output", err))
		}
		if out == nil {
			return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "refine", "refine requires an existing output", nil))
		}
		prior = out
	}

	snapshot, err := c.store.StagesForPipeline(ctx, c.rec.PipelineID)
	if err != nil {
		return c.commandFailed(services.Wrap(services.ErrPersistence, "stagectl", "generate", "load pipeline stages", err))
	}
	if missing := c.graph.MissingDependencies(c.rec.StageKey, c.pl, snapshot); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, key := range missing {
			names[i] = string(key)
		}
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "generate",
			fmt.Sprintf("upstream stages not complete: %s", strings.Join(names, ", ")), nil))
	}

	// Upstream outputs resolve before validation so a speech stage can
	// inherit its text from the script stage rather than requiring a
	// redundant manual copy.
	input = resolveUpstream(input, snapshot)
	if err := input.Validate(); err != nil {
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "generate", "", err))
	}

	cost := ledger.EstimateCost(c.ledger.Rates(), input)
	if !c.ledger.CanAfford(ctx, cost) {
		return c.commandFailed(services.Wrap(services.ErrInsufficientCredits, "stagectl", "generate",
			fmt.Sprintf("estimated cost %.2f credits exceeds available balance", cost), nil))
	}

	// The draft must be durable before the backend sees the job; a dispatch
	// against an unpersisted input cannot be reconciled later.
	if err := c.saver.Flush(ctx); err != nil {
		return c.commandFailed(err)
	}

	dispatchID := uuid.NewString()
	prevStatus := c.rec.GenerationStatus
	now := time.Now().UTC()
	if err := c.store.BeginDispatch(ctx, c.rec.ID, dispatchID, now); err != nil {
		return c.commandFailed(services.Wrap(services.ErrPersistence, "stagectl", "generate", "record dispatch", err))
	}
	if err := c.reloadLocked(ctx); err != nil {
		return c.commandFailed(err)
	}
	c.job = &job{
		dispatchID:   dispatchID,
		startedAt:    now,
		optimistic:   true,
		lastObserved: records.GenStatusProcessing,
		prevStatus:   prevStatus,
	}
	c.state = StateAwaitingAck

	req := dispatch.NewRequest(c.rec, input, c.cfg.Backend.AccountID, dispatchID, cost, prior)
	req.IsRefine = refine
	if err := c.dispatcher.Dispatch(ctx, req); err != nil {
		// Rejected. Undo the optimistic marker so the stage reads as it did
		// before the attempt.
		if revertErr := c.store.RevertDispatch(ctx, c.rec.ID, prevStatus); revertErr != nil {
			c.logger.Error("failed to revert rejected dispatch",
				logging.Error(revertErr),
				logging.String("dispatch_id", dispatchID),
				logging.String(logging.FieldErrorHint, "check record store access"),
			)
		} else if reloadErr := c.reloadLocked(ctx); reloadErr != nil {
			c.logger.Warn("reload after dispatch revert failed", logging.Error(reloadErr))
		}
		c.job = nil
		c.state = StateEditing
		return c.commandFailed(err)
	}

	c.logger.Info("generation dispatched",
		logging.String("dispatch_id", dispatchID),
		logging.Float64("estimated_cost", cost),
		logging.Bool("refine", refine),
		logging.String(logging.FieldEventType, "generation_dispatched"),
	)
	c.lastErr = nil
	c.startPollingLocked()
	return nil
}

// Upload records a user-provided asset as the stage's output. The stage
// becomes complete without ever passing through processing, and no credits
// are spent.
func (c *Controller) Upload(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "upload", "stage controller is closed", nil))
	}
	if c.job != nil {
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "upload", "a generation is in flight; wait or reopen the stage", nil))
	}
	return c.uploadLocked(ctx, url)
}

func (c *Controller) uploadLocked(ctx context.Context, url string) error {
	if url == "" {
		return c.commandFailed(services.Wrap(services.ErrValidation, "stagectl", "upload", "an uploaded asset URL is required", nil))
	}
	out := records.StageOutput{
		URL:         url,
		Uploaded:    true,
		GeneratedAt: time.Now().UTC(),
	}
	if err := c.saver.Flush(ctx); err != nil {
		return c.commandFailed(err)
	}
	if err := c.store.UploadOutput(ctx, c.rec.ID, out); err != nil {
		return c.commandFailed(services.Wrap(services.ErrPersistence, "stagectl", "upload", "", err))
	}
	if err := c.reloadLocked(ctx); err != nil {
		return c.commandFailed(err)
	}
	c.state = StateCompleted
	c.lastErr = nil
	c.logger.Info("uploaded asset recorded as stage output",
		logging.String("output_url", url),
		logging.String(logging.FieldEventType, "stage_uploaded"),
	)
	c.announceCompletedLocked(ctx, "upload:"+url)
	return nil
}

// commandFailed records the failure on the controller and returns it.
// Locally recovered refusals (validation, credits) log quietly; anything that
// touched the store or the backend logs as a warning.
func (c *Controller) commandFailed(err error) error {
	c.lastErr = err
	if services.RecoveredLocally(err) {
		c.logger.Debug("command refused", logging.Error(err))
	} else {
		c.logger.Warn("command failed", logging.Error(err))
	}
	return err
}

// reloadLocked refreshes the in-memory record from the store. Caller holds
// the state lock.
func (c *Controller) reloadLocked(ctx context.Context) error {
	rec, err := c.store.StageByID(ctx, c.rec.ID)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "stagectl", "reload stage", "", err)
	}
	c.rec = rec
	return nil
}

// resolveUpstream fills the parts of an input document that come from
// upstream stage outputs rather than user edits. Missing optional upstream
// outputs leave their fields empty.
func resolveUpstream(input records.StageInput, snapshot map[records.StageKey]*records.StageRecord) records.StageInput {
	outputURL := func(key records.StageKey) string {
		rec, ok := snapshot[key]
		if !ok || !rec.HasOutput() {
			return ""
		}
		out, err := rec.Output()
		if err != nil || out == nil {
			return ""
		}
		return out.URL
	}

	switch input.Kind {
	case records.KindVideo:
		if input.Video == nil {
			return input
		}
		video := *input.Video
		if url := outputURL(records.StageFirstFrame); url != "" {
			video.FirstFrameURL = url
		}
		if url := outputURL(records.StageLastFrame); url != "" {
			video.LastFrameURL = url
		}
		if url := outputURL(records.StageSpeech); url != "" {
			video.AudioURL = url
		}
		input.Video = &video
	case records.KindSpeech:
		if input.Speech == nil || input.Speech.Text != "" {
			return input
		}
		rec, ok := snapshot[records.StageScript]
		if !ok {
			return input
		}
		out, err := rec.Output()
		if err != nil || out == nil || out.Text == "" {
			return input
		}
		speech := *input.Speech
		speech.Text = out.Text
		input.Speech = &speech
	}
	return input
}
