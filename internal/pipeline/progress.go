package pipeline

import "loom/internal/records"

// Progress heuristics for display only; nothing gates on these values.
const (
	progressEmpty     = 0
	progressHasInput  = 40
	progressHasOutput = 90
	progressComplete  = 100
)

// EstimatedProgress maps a stage's record to a 0..100 display value.
func EstimatedProgress(rec *records.StageRecord) int {
	if rec == nil {
		return progressEmpty
	}
	if rec.Complete {
		return progressComplete
	}
	if rec.HasOutput() {
		return progressHasOutput
	}
	input, err := rec.Input()
	if err == nil && !input.IsZero() {
		return progressHasInput
	}
	return progressEmpty
}

// EstimatedPipelineProgress averages stage progress across the graph.
func (g Graph) EstimatedPipelineProgress(snapshot map[records.StageKey]*records.StageRecord) int {
	if len(g.stages) == 0 {
		return progressEmpty
	}
	total := 0
	for _, spec := range g.stages {
		total += EstimatedProgress(snapshot[spec.Key])
	}
	return total / len(g.stages)
}

// Complete reports whether every stage in the graph is complete.
func (g Graph) Complete(snapshot map[records.StageKey]*records.StageRecord) bool {
	for _, spec := range g.stages {
		rec := snapshot[spec.Key]
		if rec == nil || !rec.Complete {
			return false
		}
	}
	return len(g.stages) > 0
}
