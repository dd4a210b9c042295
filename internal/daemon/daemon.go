package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/records"
	"loom/internal/stagectl"
)

// Daemon owns the long-running loom process: the record store, the credit
// ledger, the dispatcher, and the set of open stage controllers. A file lock
// enforces single-instance execution so only one process ever holds dispatch
// markers for a data directory.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *records.Store
	ledger     *ledger.Ledger
	dispatcher dispatch.Dispatcher
	notifier   notify.Service
	guard      *notify.Guard
	sessions   *sessionSet

	lockPath string
	lock     *flock.Flock
	apiSrv   *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	RecordDBPath string
	LockFilePath string
	AccountID    string
	Balance      float64
	BalanceKnown bool
	StageStats   map[records.GenerationStatus]int
	StaleStages  []*records.StageRecord
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *records.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}

	dispatcher, err := dispatch.NewHTTPDispatcher(cfg)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}
	led := ledger.New(cfg, store, logger)
	notifier := notify.NewService(cfg)
	guard := notify.NewGuard(store, logger)

	lockPath := filepath.Join(cfg.Paths.DataDir, "loomd.lock")
	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		ledger:     led,
		dispatcher: dispatcher,
		notifier:   notifier,
		guard:      guard,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.sessions = newSessionSet(stagectl.Deps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Ledger:     led,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Guard:      guard,
	})
	return d, nil
}

// Start acquires the daemon lock, ensures the account row exists, and
// surfaces any stale processing markers left by a previous run.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.store.EnsureAccount(d.ctx, d.cfg.Backend.AccountID); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("ensure account: %w", err)
	}

	d.surfaceStaleProcessing(d.ctx)

	apiSrv, err := newAPIServer(d.cfg, d, d.logger)
	switch {
	case err != nil:
		d.logger.Warn("api server misconfigured", logging.Error(err))
	case apiSrv != nil:
		if startErr := apiSrv.start(d.ctx); startErr != nil {
			d.logger.Warn("api server unavailable", logging.Error(startErr))
		} else {
			d.apiSrv = apiSrv
		}
	}

	d.running.Store(true)
	d.logger.Info("loom daemon started",
		logging.String("lock", d.lockPath),
		logging.String("record_db", d.store.Path()),
	)
	return nil
}

// Stop closes open stage controllers and releases the daemon lock. In-flight
// generations keep running server-side; their dispatch markers stay on the
// records and are observed again on the next open.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.sessions.CloseAll(shutdownCtx)

	if d.apiSrv != nil {
		d.apiSrv.stop()
		d.apiSrv = nil
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// OpenStage returns the controller for a stage, opening it if necessary.
func (d *Daemon) OpenStage(ctx context.Context, pipelineID string, key records.StageKey) (*stagectl.Controller, error) {
	return d.sessions.Acquire(ctx, pipelineID, key)
}

// CloseStage closes the controller for a stage, if one is open.
func (d *Daemon) CloseStage(ctx context.Context, pipelineID string, key records.StageKey) error {
	return d.sessions.Release(ctx, pipelineID, key)
}

// CreatePipeline creates a pipeline with its empty stage slots.
func (d *Daemon) CreatePipeline(ctx context.Context, kind records.PipelineKind, title string, strict bool, stageKeys []records.StageKey) (*records.Pipeline, error) {
	p, err := d.store.CreatePipeline(ctx, kind, title, strict, stageKeys)
	if err != nil {
		return nil, err
	}
	d.logger.Info("pipeline created",
		logging.String(logging.FieldPipelineID, p.ID),
		logging.String("kind", string(p.Kind)),
		logging.String("title", p.Title),
	)
	return p, nil
}

// RemovePipeline closes any open controllers for the pipeline and deletes it
// with its stage records.
func (d *Daemon) RemovePipeline(ctx context.Context, id string) error {
	d.sessions.ReleasePipeline(ctx, id)
	if err := d.store.DeletePipeline(ctx, id); err != nil {
		return err
	}
	d.logger.Info("pipeline removed", logging.String(logging.FieldPipelineID, id))
	return nil
}

// SetBalance overwrites the locally mirrored credit balance for the account.
func (d *Daemon) SetBalance(ctx context.Context, balance float64) error {
	if balance < 0 {
		return errors.New("balance cannot be negative")
	}
	return d.store.SetBalance(ctx, d.cfg.Backend.AccountID, balance)
}

// Balance returns the current mirrored credit balance.
func (d *Daemon) Balance(ctx context.Context) (float64, error) {
	return d.ledger.Balance(ctx)
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		RecordDBPath: d.store.Path(),
		LockFilePath: d.lockPath,
		AccountID:    d.cfg.Backend.AccountID,
	}
	if stats, err := d.store.Stats(ctx); err == nil {
		status.StageStats = stats
	}
	if balance, err := d.ledger.Balance(ctx); err == nil {
		status.Balance = balance
		status.BalanceKnown = true
	}
	if stale, err := d.store.StaleProcessing(ctx, d.staleHorizon()); err == nil {
		status.StaleStages = stale
	}
	return status
}

func (d *Daemon) staleHorizon() time.Duration {
	minutes := d.cfg.Workflow.StaleProcessingMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// surfaceStaleProcessing logs stages whose processing marker has outlived the
// stale horizon. The markers are deliberately left in place: the backend may
// still finish, and a completed result landing later is preferable to
// aborting a job that was merely slow.
func (d *Daemon) surfaceStaleProcessing(ctx context.Context) {
	stale, err := d.store.StaleProcessing(ctx, d.staleHorizon())
	if err != nil {
		d.logger.Warn("stale processing scan failed", logging.Error(err))
		return
	}
	for _, rec := range stale {
		d.logger.Warn("stage has been processing beyond the stale horizon",
			logging.Bool(logging.FieldAlert, true),
			logging.String(logging.FieldPipelineID, rec.PipelineID),
			logging.String(logging.FieldStage, string(rec.StageKey)),
			logging.String("dispatch_id", rec.DispatchID),
			logging.String(logging.FieldEventType, "stale_processing"),
			logging.String(logging.FieldErrorHint, "open the stage to resume observation, or check the backend"),
		)
	}
}
