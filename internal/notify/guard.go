package notify

import (
	"context"
	"log/slog"

	"loom/internal/logging"
	"loom/internal/services"
)

// MarkStore is the slice of the record store the guard needs: an atomic
// check-and-set of the notified marker on a stage record.
type MarkStore interface {
	MarkStageNotified(ctx context.Context, stageID int64, key string) (bool, error)
}

// Guard ensures a terminal-state side effect fires exactly once per distinct
// job. The dedup marker lives on the stage record, not in memory, so a
// reopened editor observing the same terminal output does not re-announce it.
type Guard struct {
	marks  MarkStore
	logger *slog.Logger
}

// NewGuard constructs a guard backed by the given marker store.
func NewGuard(marks MarkStore, logger *slog.Logger) *Guard {
	return &Guard{
		marks:  marks,
		logger: logging.NewComponentLogger(logger, "notify-guard"),
	}
}

// NotifyOnce fires the side effect if no notification with this key has been
// recorded for the stage. Two observers racing on the same terminal state
// resolve through the store's check-and-set: exactly one wins. A failure of
// the side effect itself is logged, not returned; the marker stands so the
// announcement is not retried into a duplicate.
func (g *Guard) NotifyOnce(ctx context.Context, stageID int64, key string, fire func(ctx context.Context) error) error {
	if key == "" {
		return nil
	}
	won, err := g.marks.MarkStageNotified(ctx, stageID, key)
	if err != nil {
		return services.Wrap(services.ErrPersistence, "notify-guard", "mark notified", "", err)
	}
	if !won {
		return nil
	}
	if fire == nil {
		return nil
	}
	if err := fire(ctx); err != nil {
		g.logger.Debug("terminal notification failed",
			logging.Error(err),
			logging.Int64("stage_id", stageID),
			logging.String("notify_key", key),
		)
	}
	return nil
}
