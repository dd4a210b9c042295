// Package pipeline declares, per pipeline type, which stages exist, their
// order, and which upstream outputs each stage may read.
package pipeline

import (
	"fmt"

	"loom/internal/records"
)

// Dependency names an upstream stage whose output a stage reads. A
// dependency marked OptionalUnlessStrict only blocks dispatch when the
// pipeline was created with strict framing.
type Dependency struct {
	Key                  records.StageKey
	OptionalUnlessStrict bool
}

// StageSpec describes one stage slot in a graph.
type StageSpec struct {
	Key      records.StageKey
	Kind     records.StageKind
	Label    string
	Requires []Dependency
}

// Graph is the static stage declaration for one pipeline type.
type Graph struct {
	kind   records.PipelineKind
	stages []StageSpec
	byKey  map[records.StageKey]StageSpec
}

var graphs = map[records.PipelineKind]Graph{
	records.PipelineBRoll: newGraph(records.PipelineBRoll, []StageSpec{
		{Key: records.StageFirstFrame, Kind: records.KindImage, Label: "first frame"},
		{Key: records.StageLastFrame, Kind: records.KindImage, Label: "last frame"},
		{Key: records.StageFinalVideo, Kind: records.KindVideo, Label: "final video", Requires: []Dependency{
			{Key: records.StageFirstFrame},
			{Key: records.StageLastFrame, OptionalUnlessStrict: true},
		}},
	}),
	records.PipelineARoll: newGraph(records.PipelineARoll, []StageSpec{
		{Key: records.StageScript, Kind: records.KindScript, Label: "script"},
		{Key: records.StageSpeech, Kind: records.KindSpeech, Label: "speech", Requires: []Dependency{
			{Key: records.StageScript},
		}},
		{Key: records.StageFinalVideo, Kind: records.KindVideo, Label: "final video", Requires: []Dependency{
			{Key: records.StageSpeech},
		}},
	}),
	records.PipelineStill: newGraph(records.PipelineStill, []StageSpec{
		{Key: records.StageImage, Kind: records.KindImage, Label: "image"},
	}),
}

func newGraph(kind records.PipelineKind, stages []StageSpec) Graph {
	byKey := make(map[records.StageKey]StageSpec, len(stages))
	for _, spec := range stages {
		byKey[spec.Key] = spec
	}
	return Graph{kind: kind, stages: stages, byKey: byKey}
}

// GraphFor returns the graph declared for a pipeline kind.
func GraphFor(kind records.PipelineKind) (Graph, error) {
	g, ok := graphs[kind]
	if !ok {
		return Graph{}, fmt.Errorf("no stage graph declared for pipeline kind %q", kind)
	}
	return g, nil
}

// Kind returns the pipeline kind this graph describes.
func (g Graph) Kind() records.PipelineKind {
	return g.kind
}

// Stages returns the ordered stage specs.
func (g Graph) Stages() []StageSpec {
	cp := make([]StageSpec, len(g.stages))
	copy(cp, g.stages)
	return cp
}

// StageKeys returns the ordered stage keys.
func (g Graph) StageKeys() []records.StageKey {
	keys := make([]records.StageKey, 0, len(g.stages))
	for _, spec := range g.stages {
		keys = append(keys, spec.Key)
	}
	return keys
}

// Spec returns the declaration for a stage key.
func (g Graph) Spec(key records.StageKey) (StageSpec, bool) {
	spec, ok := g.byKey[key]
	return spec, ok
}

// MissingDependencies returns the upstream stage keys that must be complete
// before the given stage may dispatch but are not, in declaration order.
func (g Graph) MissingDependencies(key records.StageKey, p *records.Pipeline, snapshot map[records.StageKey]*records.StageRecord) []records.StageKey {
	spec, ok := g.byKey[key]
	if !ok {
		return nil
	}
	var missing []records.StageKey
	for _, dep := range spec.Requires {
		if dep.OptionalUnlessStrict && (p == nil || !p.StrictFraming) {
			continue
		}
		rec := snapshot[dep.Key]
		if rec == nil || !rec.Complete {
			missing = append(missing, dep.Key)
		}
	}
	return missing
}

// IsUnlocked reports whether every required upstream stage is complete. This
// is a soft gate for generation: a direct upload into a stage bypasses it.
func (g Graph) IsUnlocked(key records.StageKey, p *records.Pipeline, snapshot map[records.StageKey]*records.StageRecord) bool {
	return len(g.MissingDependencies(key, p, snapshot)) == 0
}
