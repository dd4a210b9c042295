package api

import (
	"encoding/json"
	"strings"
	"time"

	"loom/internal/pipeline"
	"loom/internal/records"
)

// FromStageRecord converts a stage record into its transport view. The graph
// and snapshot supply the label and the dependency gate; either may be zero
// when only the flat record is wanted.
func FromStageRecord(rec *records.StageRecord, g pipeline.Graph, p *records.Pipeline, snapshot map[records.StageKey]*records.StageRecord) StageView {
	if rec == nil {
		return StageView{}
	}
	view := StageView{
		ID:               rec.ID,
		PipelineID:       rec.PipelineID,
		StageKey:         string(rec.StageKey),
		Name:             rec.Name,
		Tags:             rec.Tags,
		WorkflowStatus:   string(rec.WorkflowStatus),
		GenerationStatus: string(rec.GenerationStatus),
		Complete:         rec.Complete,
		Progress:         pipeline.EstimatedProgress(rec),
		ErrorMessage:     rec.ErrorMessage,
		DispatchID:       rec.DispatchID,
		CreatedAt:        formatTime(rec.CreatedAt),
		UpdatedAt:        formatTime(rec.UpdatedAt),
	}
	if rec.DispatchedAt != nil {
		view.DispatchedAt = formatTime(*rec.DispatchedAt)
	}
	if spec, ok := g.Spec(rec.StageKey); ok {
		view.Label = spec.Label
		view.Kind = string(spec.Kind)
	}
	if p != nil && snapshot != nil {
		view.Unlocked = g.IsUnlocked(rec.StageKey, p, snapshot)
	}
	if doc := strings.TrimSpace(rec.InputJSON); doc != "" {
		view.Input = json.RawMessage(doc)
	}
	if doc := strings.TrimSpace(rec.OutputJSON); doc != "" {
		view.Output = json.RawMessage(doc)
	}
	return view
}

// FromPipeline converts a pipeline and its stage snapshot into a view with
// stages in graph order.
func FromPipeline(p *records.Pipeline, snapshot map[records.StageKey]*records.StageRecord) PipelineView {
	if p == nil {
		return PipelineView{}
	}
	view := PipelineView{
		ID:            p.ID,
		Kind:          string(p.Kind),
		Title:         p.Title,
		StrictFraming: p.StrictFraming,
		CreatedAt:     formatTime(p.CreatedAt),
		UpdatedAt:     formatTime(p.UpdatedAt),
	}
	g, err := pipeline.GraphFor(p.Kind)
	if err != nil {
		return view
	}
	view.Progress = g.EstimatedPipelineProgress(snapshot)
	view.Complete = g.Complete(snapshot)
	for _, key := range g.StageKeys() {
		rec, ok := snapshot[key]
		if !ok {
			continue
		}
		view.Stages = append(view.Stages, FromStageRecord(rec, g, p, snapshot))
	}
	return view
}

// MergeStageStats flattens typed status counts into a string-keyed map with
// every status present.
func MergeStageStats(stats map[records.GenerationStatus]int) map[string]int {
	merged := make(map[string]int, len(records.AllGenerationStatuses()))
	for _, status := range records.AllGenerationStatuses() {
		merged[string(status)] = stats[status]
	}
	return merged
}

// ApplyStageEdit writes the populated fields of an edit command into a stage
// draft. The draft's input kind decides which fields take effect; the rest
// are dropped silently so one request shape serves every stage.
func ApplyStageEdit(d *records.StageDraft, edit StageEdit) {
	if edit.Name != "" {
		d.Name = edit.Name
	}
	if len(edit.Tags) > 0 {
		d.Tags = append([]string(nil), edit.Tags...)
	}
	switch d.Input.Kind {
	case records.KindImage:
		if d.Input.Image == nil {
			d.Input = records.NewStageInput(records.KindImage)
		}
		if edit.Prompt != "" {
			d.Input.Image.Prompt = edit.Prompt
		}
		if edit.AspectRatio != "" {
			d.Input.Image.AspectRatio = edit.AspectRatio
		}
	case records.KindVideo:
		if d.Input.Video == nil {
			d.Input = records.NewStageInput(records.KindVideo)
		}
		if edit.Prompt != "" {
			d.Input.Video.Prompt = edit.Prompt
		}
		if edit.AspectRatio != "" {
			d.Input.Video.AspectRatio = edit.AspectRatio
		}
		if edit.DurationSeconds > 0 {
			d.Input.Video.DurationSeconds = edit.DurationSeconds
		}
	case records.KindSpeech:
		if d.Input.Speech == nil {
			d.Input = records.NewStageInput(records.KindSpeech)
		}
		if edit.Text != "" {
			d.Input.Speech.Text = edit.Text
		}
		if edit.Voice != "" {
			d.Input.Speech.Voice = edit.Voice
		}
	case records.KindScript:
		if d.Input.Script == nil {
			d.Input = records.NewStageInput(records.KindScript)
		}
		if edit.Brief != "" {
			d.Input.Script.Brief = edit.Brief
		}
		if edit.Tone != "" {
			d.Input.Script.Tone = edit.Tone
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
