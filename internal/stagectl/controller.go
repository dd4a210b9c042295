package stagectl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loom/internal/autosave"
	"loom/internal/config"
	"loom/internal/dispatch"
	"loom/internal/ledger"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/pipeline"
	"loom/internal/poller"
	"loom/internal/records"
	"loom/internal/services"
)

// State names the controller's position in the generation lifecycle.
type State string

const (
	StateEditing     State = "editing"
	StateAwaitingAck State = "awaiting_ack"
	StatePolling     State = "polling"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// job is the ephemeral record of one dispatch attempt: the runtime
// association between a dispatch and its polling lifecycle. It exists only in
// memory; the durable dispatch marker lives on the stage record.
type job struct {
	dispatchID   string
	startedAt    time.Time
	optimistic   bool
	lastObserved records.GenerationStatus
	prevStatus   records.GenerationStatus
}

// Deps bundles the collaborators a controller composes.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *records.Store
	Ledger     *ledger.Ledger
	Dispatcher dispatch.Dispatcher
	Notifier   notify.Service
	Guard      *notify.Guard
}

// Controller is the state machine for one open stage. Commands and poll
// observations mutate controller state under one mutex: a single serial
// mutation path per stage. The draft has its own lock so the autosave write
// can snapshot it while a command holds the state lock.
type Controller struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *records.Store
	ledger     *ledger.Ledger
	dispatcher dispatch.Dispatcher
	notifier   notify.Service
	guard      *notify.Guard
	graph      pipeline.Graph
	spec       pipeline.StageSpec
	stageID    int64

	saver *autosave.Coordinator
	poll  *poller.Poller

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	pl      *records.Pipeline
	rec     *records.StageRecord
	state   State
	job     *job
	lastErr error

	draftMu sync.Mutex
	draft   records.StageDraft
}

// Open loads the stage and returns its controller. If the record shows a
// dispatch still in flight, polling resumes; if a terminal result landed
// while no editor was open, it is announced now (the guard deduplicates
// across remounts).
func Open(ctx context.Context, deps Deps, pipelineID string, key records.StageKey) (*Controller, error) {
	pl, err := deps.Store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "stagectl", "load pipeline", "", err)
	}
	graph, err := pipeline.GraphFor(pl.Kind)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "stagectl", "resolve graph", "", err)
	}
	spec, ok := graph.Spec(key)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "stagectl", "open stage",
			"stage "+string(key)+" is not part of a "+string(pl.Kind)+" pipeline", nil)
	}
	rec, err := deps.Store.Stage(ctx, pipelineID, key)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "stagectl", "load stage", "", err)
	}
	draft, err := records.DraftFromRecord(rec)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "stagectl", "decode stage draft", "", err)
	}
	if draft.Input.Kind == "" {
		draft.Input = records.NewStageInput(spec.Kind)
	}

	logger := logging.NewComponentLogger(deps.Logger, "stage-controller").With(
		logging.String(logging.FieldPipelineID, pipelineID),
		logging.String(logging.FieldStage, string(key)),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        deps.Config,
		logger:     logger,
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		notifier:   deps.Notifier,
		guard:      deps.Guard,
		graph:      graph,
		spec:       spec,
		stageID:    rec.ID,
		poll:       poller.New(),
		runCtx:     runCtx,
		runCancel:  runCancel,
		pl:         pl,
		rec:        rec,
		draft:      draft,
		state:      StateEditing,
	}
	c.saver = autosave.New(c.writeDraft, c.debounceDelay(), deps.Logger)

	c.mu.Lock()
	switch {
	case rec.GenerationStatus == records.GenStatusProcessing && rec.DispatchID != "":
		// A dispatch accepted in an earlier session is still running
		// server-side; pick the poll loop back up.
		startedAt := time.Now()
		if rec.DispatchedAt != nil {
			startedAt = *rec.DispatchedAt
		}
		c.job = &job{
			dispatchID:   rec.DispatchID,
			startedAt:    startedAt,
			lastObserved: rec.GenerationStatus,
			prevStatus:   records.GenStatusIdle,
		}
		c.state = StatePolling
		c.startPollingLocked()
	case rec.GenerationStatus == records.GenStatusCompleted:
		c.state = StateCompleted
		c.announceTerminalLocked(ctx)
	case rec.GenerationStatus == records.GenStatusFailed:
		c.state = StateFailed
		c.announceTerminalLocked(ctx)
	}
	c.mu.Unlock()

	return c, nil
}

// Close stops polling, flushes any pending edit, and releases the controller.
// A dispatch already accepted by the backend keeps running server-side;
// reopening the stage resumes observation of whatever the record store then
// shows.
func (c *Controller) Close(ctx context.Context) error {
	c.poll.Stop()
	c.runCancel()

	c.mu.Lock()
	c.state = StateClosed
	c.job = nil
	c.mu.Unlock()

	if err := c.saver.Close(ctx); err != nil {
		c.logger.Warn("final flush on close failed; latest edit may be lost",
			logging.Error(err),
			logging.String(logging.FieldEventType, "autosave_close_failed"),
			logging.String(logging.FieldErrorHint, "check record store access"),
		)
		return err
	}
	return nil
}

// Snapshot is the read surface presentation layers consume.
type Snapshot struct {
	PipelineID       string
	StageKey         records.StageKey
	State            State
	GenerationStatus records.GenerationStatus
	Complete         bool
	Output           *records.StageOutput
	IsGenerating     bool
	LastError        error
	ErrorMessage     string
}

// Snapshot returns the current controller view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out *records.StageOutput
	if decoded, err := c.rec.Output(); err == nil {
		out = decoded
	}
	return Snapshot{
		PipelineID:       c.rec.PipelineID,
		StageKey:         c.rec.StageKey,
		State:            c.state,
		GenerationStatus: c.rec.GenerationStatus,
		Complete:         c.rec.Complete,
		Output:           out,
		IsGenerating:     c.job != nil,
		LastError:        c.lastErr,
		ErrorMessage:     c.rec.ErrorMessage,
	}
}

// Draft returns a copy of the current edit surface.
func (c *Controller) Draft() records.StageDraft {
	c.draftMu.Lock()
	defer c.draftMu.Unlock()
	return c.draft
}

// CanGenerate reports whether a generate command would pass validation and
// the dependency gate right now. Admission (credits) is not consulted; that
// check belongs to the dispatch attempt itself.
func (c *Controller) CanGenerate(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateClosed || c.job != nil {
		c.mu.Unlock()
		return false
	}
	pl := c.pl
	pipelineID := c.rec.PipelineID
	key := c.rec.StageKey
	c.mu.Unlock()

	input := c.Draft().Input
	if err := input.Validate(); err != nil {
		return false
	}
	if input.Mode() == records.ModeUpload {
		return true
	}
	snapshot, err := c.store.StagesForPipeline(ctx, pipelineID)
	if err != nil {
		return false
	}
	return c.graph.IsUnlocked(key, pl, snapshot)
}

// LastError returns the most recent command failure, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// StageID returns the stage's flat record identifier. The identifier is
// fixed at open, so no lock is needed even while a poll loop is rewriting
// the record.
func (c *Controller) StageID() int64 {
	return c.stageID
}

// DirtyDraft reports whether an unpersisted edit is outstanding.
func (c *Controller) DirtyDraft() bool {
	return c.saver.Dirty()
}

func (c *Controller) debounceDelay() time.Duration {
	millis := c.cfg.Workflow.AutosaveDebounceMillis
	if millis <= 0 {
		millis = 750
	}
	return time.Duration(millis) * time.Millisecond
}

func (c *Controller) pollInterval() time.Duration {
	millis := c.cfg.Workflow.PollIntervalMillis
	if millis <= 0 {
		millis = 2000
	}
	return time.Duration(millis) * time.Millisecond
}

// writeDraft is the autosave write function. It persists the whole edit
// surface in one last-write-wins update. It takes only the draft lock, so a
// command holding the state lock can flush synchronously.
func (c *Controller) writeDraft(ctx context.Context) error {
	c.draftMu.Lock()
	draft := c.draft
	c.draftMu.Unlock()
	return c.store.UpdateStageDraft(ctx, c.stageID, draft)
}
