package stagectl

import (
	"context"

	"loom/internal/logging"
	"loom/internal/records"
	"loom/internal/services"
)

// startPollingLocked begins observing the record store for the stage's
// generation result. Caller holds the state lock. The loop runs on the
// controller's own context so it survives the command that started it.
func (c *Controller) startPollingLocked() {
	c.poll.Start(c.runCtx, c.pollInterval(), c.observe)
}

// observe is one poll tick: read the stage record and advance the state
// machine. Returning true stops the loop. It holds the state lock for the
// whole tick, so a tick never interleaves with a command.
func (c *Controller) observe(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.job == nil {
		return true
	}

	rec, err := c.store.StageByID(ctx, c.rec.ID)
	if err != nil {
		// Transient read failure; keep the loop alive and try again next
		// tick.
		c.logger.Warn("poll read failed", logging.Error(err))
		return false
	}
	c.rec = rec

	if rec.DispatchID != c.job.dispatchID {
		// Another writer re-dispatched this stage. This controller no longer
		// owns the in-flight job; stop observing and fall back to whatever
		// the record now shows.
		c.logger.Warn("dispatch marker changed under an active poll; relinquishing",
			logging.String("expected_dispatch_id", c.job.dispatchID),
			logging.String("found_dispatch_id", rec.DispatchID),
		)
		c.job = nil
		c.state = stateForRecord(rec)
		return true
	}
	c.job.lastObserved = rec.GenerationStatus

	switch rec.GenerationStatus {
	case records.GenStatusProcessing:
		if c.state == StateAwaitingAck {
			// The backend's own status write landed; the marker is no longer
			// only our optimistic claim.
			c.job.optimistic = false
			c.state = StatePolling
		}
		return false

	case records.GenStatusIdle:
		// Our optimistic processing write was undone out-of-band. Treat the
		// attempt as abandoned rather than inventing a result.
		c.logger.Warn("stage reverted to idle while awaiting generation",
			logging.String("dispatch_id", c.job.dispatchID),
		)
		c.job = nil
		c.state = StateEditing
		return true

	case records.GenStatusCompleted:
		c.handleCompletedLocked(ctx, c.job.dispatchID)
		c.job = nil
		return true

	case records.GenStatusFailed:
		c.handleFailedLocked(ctx, c.job.dispatchID)
		c.job = nil
		return true
	}
	return false
}

func (c *Controller) handleCompletedLocked(ctx context.Context, dispatchID string) {
	if c.rec.HasOutput() && !c.rec.Complete {
		if err := c.store.MarkComplete(ctx, c.rec.ID); err != nil {
			c.logger.Error("failed to mark completed stage",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check record store access"),
			)
		} else if err := c.reloadLocked(ctx); err != nil {
			c.logger.Warn("reload after completion failed", logging.Error(err))
		}
	}

	c.state = StateCompleted
	c.lastErr = nil
	c.logger.Info("generation completed",
		logging.String("dispatch_id", dispatchID),
		logging.String(logging.FieldEventType, "generation_completed"),
	)
	c.announceCompletedLocked(ctx, dispatchID)
}

func (c *Controller) handleFailedLocked(ctx context.Context, dispatchID string) {
	c.state = StateFailed
	c.lastErr = services.Wrap(services.ErrJobFailed, "stagectl", "generate", c.rec.ErrorMessage, nil)
	c.logger.Warn("generation failed",
		logging.String("dispatch_id", dispatchID),
		logging.String("failure_message", c.rec.ErrorMessage),
		logging.String(logging.FieldEventType, "generation_failed"),
	)
	c.announceFailedLocked(ctx, dispatchID)
}

// announceCompletedLocked fires the completion side effects behind the
// durable guard. All announcements for one terminal result share one guard
// key, so a reopened editor observing the same result sends nothing.
func (c *Controller) announceCompletedLocked(ctx context.Context, key string) {
	outputURL := ""
	if out, err := c.rec.Output(); err == nil && out != nil {
		outputURL = out.URL
	}
	err := c.guard.NotifyOnce(ctx, c.rec.ID, key+":completed", func(ctx context.Context) error {
		if err := c.notifier.GenerationCompleted(ctx, c.pl.Title, c.spec.Label, outputURL); err != nil {
			return err
		}
		if snapshot, err := c.store.StagesForPipeline(ctx, c.rec.PipelineID); err == nil && c.graph.Complete(snapshot) {
			if err := c.notifier.PipelineCompleted(ctx, c.pl.Title); err != nil {
				return err
			}
		}
		c.announceLowBalance(ctx)
		return nil
	})
	if err != nil {
		c.logger.Warn("completion notification skipped", logging.Error(err))
	}
}

func (c *Controller) announceFailedLocked(ctx context.Context, key string) {
	message := c.rec.ErrorMessage
	err := c.guard.NotifyOnce(ctx, c.rec.ID, key+":failed", func(ctx context.Context) error {
		return c.notifier.GenerationFailed(ctx, c.pl.Title, c.spec.Label, message, true)
	})
	if err != nil {
		c.logger.Warn("failure notification skipped", logging.Error(err))
	}
}

func (c *Controller) announceLowBalance(ctx context.Context) {
	threshold := c.cfg.Credits.LowBalanceThreshold
	if threshold <= 0 {
		return
	}
	balance, err := c.ledger.Balance(ctx)
	if err != nil || balance >= threshold {
		return
	}
	if err := c.notifier.LowBalance(ctx, balance); err != nil {
		c.logger.Warn("low balance notification failed", logging.Error(err))
	}
}

// announceTerminalLocked handles a record found already terminal at open
// time: a result that landed while no editor was watching. The guard makes
// the announcement idempotent across opens.
func (c *Controller) announceTerminalLocked(ctx context.Context) {
	key := c.rec.DispatchID
	if key == "" {
		if out, err := c.rec.Output(); err == nil && out != nil && out.Uploaded {
			key = "upload:" + out.URL
		} else {
			key = "terminal"
		}
	}
	switch c.rec.GenerationStatus {
	case records.GenStatusCompleted:
		c.announceCompletedLocked(ctx, key)
	case records.GenStatusFailed:
		c.announceFailedLocked(ctx, key)
	}
}

// stateForRecord maps a record's generation status to the controller state
// used when no job is in flight.
func stateForRecord(rec *records.StageRecord) State {
	switch rec.GenerationStatus {
	case records.GenStatusCompleted:
		return StateCompleted
	case records.GenStatusFailed:
		return StateFailed
	default:
		return StateEditing
	}
}
