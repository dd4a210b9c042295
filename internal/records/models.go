package records

import (
	"strings"
	"time"
)

// GenerationStatus represents the backend-owned lifecycle of a stage's
// generation job. It is deliberately separate from WorkflowStatus: the two
// state machines share a record, never a column.
type GenerationStatus string

const (
	GenStatusIdle       GenerationStatus = "idle"
	GenStatusProcessing GenerationStatus = "processing"
	GenStatusCompleted  GenerationStatus = "completed"
	GenStatusFailed     GenerationStatus = "failed"
)

var allGenerationStatuses = []GenerationStatus{
	GenStatusIdle,
	GenStatusProcessing,
	GenStatusCompleted,
	GenStatusFailed,
}

var generationStatusSet = func() map[GenerationStatus]struct{} {
	set := make(map[GenerationStatus]struct{}, len(allGenerationStatuses))
	for _, status := range allGenerationStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllGenerationStatuses returns the ordered list of known statuses.
func AllGenerationStatuses() []GenerationStatus {
	cp := make([]GenerationStatus, len(allGenerationStatuses))
	copy(cp, allGenerationStatuses)
	return cp
}

// ParseGenerationStatus converts a string into a known GenerationStatus.
func ParseGenerationStatus(value string) (GenerationStatus, bool) {
	normalized := GenerationStatus(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := generationStatusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether no further automatic transition occurs.
func (s GenerationStatus) IsTerminal() bool {
	return s == GenStatusCompleted || s == GenStatusFailed
}

// WorkflowStatus is the user-facing board column for a stage. It is owned by
// the board layer and never consulted by the generation state machine.
type WorkflowStatus string

const (
	WorkflowBacklog    WorkflowStatus = "backlog"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowReview     WorkflowStatus = "review"
	WorkflowDone       WorkflowStatus = "done"
)

// PipelineKind identifies which stage graph a pipeline uses.
type PipelineKind string

const (
	PipelineBRoll PipelineKind = "b_roll"
	PipelineARoll PipelineKind = "a_roll"
	PipelineStill PipelineKind = "still"
)

var allPipelineKinds = []PipelineKind{PipelineBRoll, PipelineARoll, PipelineStill}

// AllPipelineKinds returns the ordered list of known pipeline kinds.
func AllPipelineKinds() []PipelineKind {
	cp := make([]PipelineKind, len(allPipelineKinds))
	copy(cp, allPipelineKinds)
	return cp
}

// ParsePipelineKind converts a string into a known PipelineKind.
func ParsePipelineKind(value string) (PipelineKind, bool) {
	normalized := PipelineKind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range allPipelineKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// StageKey identifies a stage slot within a pipeline.
type StageKey string

const (
	StageFirstFrame StageKey = "first_frame"
	StageLastFrame  StageKey = "last_frame"
	StageScript     StageKey = "script"
	StageSpeech     StageKey = "speech"
	StageFinalVideo StageKey = "final_video"
	StageImage      StageKey = "image"
)

// ParseStageKey converts a string into a known StageKey.
func ParseStageKey(value string) (StageKey, bool) {
	normalized := StageKey(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StageFirstFrame, StageLastFrame, StageScript, StageSpeech, StageFinalVideo, StageImage:
		return normalized, true
	}
	return "", false
}

// Pipeline is an ordered collection of stages producing one final artifact.
type Pipeline struct {
	ID            string
	Kind          PipelineKind
	Title         string
	StrictFraming bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StageRecord is one generation unit persisted per (pipeline, stage key).
type StageRecord struct {
	ID               int64
	PipelineID       string
	StageKey         StageKey
	Name             string
	Tags             []string
	WorkflowStatus   WorkflowStatus
	GenerationStatus GenerationStatus
	Complete         bool
	InputJSON        string
	OutputJSON       string
	ErrorMessage     string
	DispatchID       string
	DispatchedAt     *time.Time
	NotifiedKey      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasOutput reports whether an output document is present.
func (r *StageRecord) HasOutput() bool {
	return strings.TrimSpace(r.OutputJSON) != ""
}

// IsProcessing reports whether a generation job is in flight per the store.
func (r *StageRecord) IsProcessing() bool {
	return r.GenerationStatus == GenStatusProcessing
}

// StageDraft is the edit surface a single open stage editor owns: the fields
// auto-save writes as one last-write-wins unit.
type StageDraft struct {
	Name           string
	Tags           []string
	WorkflowStatus WorkflowStatus
	Input          StageInput
}

// DraftFromRecord extracts the editable surface of a stage record.
func DraftFromRecord(rec *StageRecord) (StageDraft, error) {
	input, err := rec.Input()
	if err != nil {
		return StageDraft{}, err
	}
	tags := make([]string, len(rec.Tags))
	copy(tags, rec.Tags)
	return StageDraft{
		Name:           rec.Name,
		Tags:           tags,
		WorkflowStatus: rec.WorkflowStatus,
		Input:          input,
	}, nil
}
