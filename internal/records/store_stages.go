package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const stageColumns = `id, pipeline_id, stage_key, name, tags_json, workflow_status,
    generation_status, complete, input_json, output_json, error_message,
    dispatch_id, dispatched_at, notified_key, created_at, updated_at`

// StageByID fetches a stage record by its flat row identifier.
func (s *Store) StageByID(ctx context.Context, id int64) (*StageRecord, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	return scanStage(row)
}

// Stage fetches a stage record by pipeline id and stage key.
func (s *Store) Stage(ctx context.Context, pipelineID string, key StageKey) (*StageRecord, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE pipeline_id = ? AND stage_key = ?`,
		pipelineID, string(key))
	return scanStage(row)
}

// StagesForPipeline returns all stage records of a pipeline keyed by stage key.
func (s *Store) StagesForPipeline(ctx context.Context, pipelineID string) (map[StageKey]*StageRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE pipeline_id = ? ORDER BY id ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	stages := make(map[StageKey]*StageRecord)
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages[rec.StageKey] = rec
	}
	return stages, rows.Err()
}

// UpdateStageDraft writes the whole edit surface of a stage in one
// last-write-wins update: name, tags, workflow status, and the input document.
func (s *Store) UpdateStageDraft(ctx context.Context, id int64, draft StageDraft) error {
	tagsJSON, err := encodeTags(draft.Tags)
	if err != nil {
		return err
	}
	inputJSON, err := encodeInput(draft.Input)
	if err != nil {
		return err
	}
	workflow := draft.WorkflowStatus
	if workflow == "" {
		workflow = WorkflowBacklog
	}
	return s.updateStage(ctx, id,
		`UPDATE stages SET name = ?, tags_json = ?, workflow_status = ?, input_json = ?, updated_at = ?
         WHERE id = ?`,
		draft.Name, tagsJSON, string(workflow), inputJSON, nowTimestamp(), id)
}

// SetWorkflowStatus moves a stage between board columns. The generation state
// machine never reads or reacts to this field.
func (s *Store) SetWorkflowStatus(ctx context.Context, id int64, status WorkflowStatus) error {
	return s.updateStage(ctx, id,
		`UPDATE stages SET workflow_status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowTimestamp(), id)
}

// BeginDispatch performs the optimistic pre-dispatch write: the stage enters
// processing and records the dispatch marker in the same update, so a poll can
// tell this job apart from a stale prior run.
func (s *Store) BeginDispatch(ctx context.Context, id int64, dispatchID string, at time.Time) error {
	return s.updateStage(ctx, id,
		`UPDATE stages SET generation_status = ?, dispatch_id = ?, dispatched_at = ?, error_message = '', updated_at = ?
         WHERE id = ?`,
		string(GenStatusProcessing), dispatchID, at.UTC().Format(time.RFC3339Nano), nowTimestamp(), id)
}

// RevertDispatch undoes the optimistic write after the backend rejected the
// dispatch, restoring the pre-dispatch generation status.
func (s *Store) RevertDispatch(ctx context.Context, id int64, previous GenerationStatus) error {
	if previous == "" {
		previous = GenStatusIdle
	}
	return s.updateStage(ctx, id,
		`UPDATE stages SET generation_status = ?, dispatch_id = '', dispatched_at = NULL, updated_at = ?
         WHERE id = ?`,
		string(previous), nowTimestamp(), id)
}

// CompleteStage writes the output document, marks the stage complete, and
// moves the generation status to completed.
func (s *Store) CompleteStage(ctx context.Context, id int64, out StageOutput) error {
	if out.IsZero() {
		return errors.New("complete stage requires a non-empty output")
	}
	outputJSON, err := encodeOutput(out)
	if err != nil {
		return err
	}
	return s.updateStage(ctx, id,
		`UPDATE stages SET generation_status = ?, complete = 1, output_json = ?, error_message = '', updated_at = ?
         WHERE id = ?`,
		string(GenStatusCompleted), outputJSON, nowTimestamp(), id)
}

// MarkComplete accepts an existing output as final. Completion is explicit
// rather than inferred from status, because an uploaded stage never passes
// through processing.
func (s *Store) MarkComplete(ctx context.Context, id int64) error {
	return s.updateStage(ctx, id,
		`UPDATE stages SET complete = 1, updated_at = ? WHERE id = ? AND output_json <> ''`,
		nowTimestamp(), id)
}

// UploadOutput records a user-supplied result directly. The stage becomes
// complete without the generation status ever passing through processing.
func (s *Store) UploadOutput(ctx context.Context, id int64, out StageOutput) error {
	if out.IsZero() {
		return errors.New("upload requires a non-empty output")
	}
	out.Uploaded = true
	outputJSON, err := encodeOutput(out)
	if err != nil {
		return err
	}
	return s.updateStage(ctx, id,
		`UPDATE stages SET complete = 1, output_json = ?, error_message = '', updated_at = ?
         WHERE id = ?`,
		outputJSON, nowTimestamp(), id)
}

// FailStage records a terminal failure with the backend-provided message.
func (s *Store) FailStage(ctx context.Context, id int64, message string) error {
	return s.updateStage(ctx, id,
		`UPDATE stages SET generation_status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(GenStatusFailed), message, nowTimestamp(), id)
}

// SetGenerationStatus overwrites the generation status. Used by the simulated
// backend in tests and by maintenance tooling; controllers go through the
// dispatch-aware helpers above.
func (s *Store) SetGenerationStatus(ctx context.Context, id int64, status GenerationStatus) error {
	return s.updateStage(ctx, id,
		`UPDATE stages SET generation_status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowTimestamp(), id)
}

// MarkStageNotified atomically records that a terminal notification with the
// given key fired. It returns true exactly once per key: a second call with
// the same key, from a racing poll or after an editor remount, returns false.
func (s *Store) MarkStageNotified(ctx context.Context, id int64, key string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE stages SET notified_key = ?, updated_at = ? WHERE id = ? AND notified_key <> ?`,
		key, nowTimestamp(), id, key)
	if err != nil {
		return false, fmt.Errorf("mark stage notified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark stage notified rows affected: %w", err)
	}
	return affected > 0, nil
}

// StaleProcessing returns stages that have sat in processing with a dispatch
// marker older than the horizon. They are surfaced, never aborted: a stuck
// backend job is not the client's to cancel.
func (s *Store) StaleProcessing(ctx context.Context, horizon time.Duration) ([]*StageRecord, error) {
	ctx = ensureContext(ctx)
	cutoff := time.Now().UTC().Add(-horizon).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stages
         WHERE generation_status = ? AND dispatched_at IS NOT NULL AND dispatched_at < ?
         ORDER BY dispatched_at ASC`,
		string(GenStatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale processing: %w", err)
	}
	defer rows.Close()

	var stale []*StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, rec)
	}
	return stale, rows.Err()
}

// Stats returns stage counts per generation status.
func (s *Store) Stats(ctx context.Context) (map[GenerationStatus]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT generation_status, COUNT(1) FROM stages GROUP BY generation_status`)
	if err != nil {
		return nil, fmt.Errorf("stage stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[GenerationStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stage stats: %w", err)
		}
		stats[GenerationStatus(status)] = count
	}
	return stats, rows.Err()
}

func (s *Store) updateStage(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update stage %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stage %d rows affected: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStage(row rowScanner) (*StageRecord, error) {
	var (
		rec          StageRecord
		stageKey     string
		tagsJSON     string
		workflow     string
		generation   string
		complete     int
		dispatchedAt sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&rec.ID, &rec.PipelineID, &stageKey, &rec.Name, &tagsJSON, &workflow,
		&generation, &complete, &rec.InputJSON, &rec.OutputJSON, &rec.ErrorMessage,
		&rec.DispatchID, &dispatchedAt, &rec.NotifiedKey, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan stage: %w", err)
	}
	rec.StageKey = StageKey(stageKey)
	rec.Tags = decodeTags(tagsJSON)
	rec.WorkflowStatus = WorkflowStatus(workflow)
	rec.GenerationStatus = GenerationStatus(generation)
	rec.Complete = complete != 0
	if dispatchedAt.Valid && dispatchedAt.String != "" {
		ts := parseTimestamp(dispatchedAt.String)
		rec.DispatchedAt = &ts
	}
	rec.CreatedAt = parseTimestamp(createdAt)
	rec.UpdatedAt = parseTimestamp(updatedAt)
	return &rec, nil
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
