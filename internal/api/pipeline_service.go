package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/pipeline"
	"loom/internal/records"
)

// PipelineReader abstracts the record store interactions API queries need.
type PipelineReader interface {
	ListPipelines(ctx context.Context) ([]*records.Pipeline, error)
	GetPipeline(ctx context.Context, id string) (*records.Pipeline, error)
	StagesForPipeline(ctx context.Context, pipelineID string) (map[records.StageKey]*records.StageRecord, error)
}

// PipelineService exposes read-only pipeline operations returning API DTOs.
type PipelineService struct {
	store PipelineReader
}

// NewPipelineService constructs a PipelineService around the provided reader.
func NewPipelineService(store PipelineReader) *PipelineService {
	if store == nil {
		return nil
	}
	return &PipelineService{store: store}
}

// List returns every pipeline with its stage views.
func (s *PipelineService) List(ctx context.Context) ([]PipelineView, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]PipelineView, 0, len(pipelines))
	for _, p := range pipelines {
		snapshot, err := s.store.StagesForPipeline(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, FromPipeline(p, snapshot))
	}
	return views, nil
}

// Describe fetches a single pipeline view, or nil when not found.
func (s *PipelineService) Describe(ctx context.Context, id string) (*PipelineView, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	p, err := s.store.GetPipeline(ctx, id)
	if errors.Is(err, records.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snapshot, err := s.store.StagesForPipeline(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	view := FromPipeline(p, snapshot)
	return &view, nil
}

// DescribeStage fetches a single stage view, or nil when not found.
func (s *PipelineService) DescribeStage(ctx context.Context, pipelineID string, key records.StageKey) (*StageView, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snapshot, err := s.store.StagesForPipeline(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	rec, ok := snapshot[key]
	if !ok {
		return nil, nil
	}
	g, err := pipeline.GraphFor(p.Kind)
	if err != nil {
		return nil, err
	}
	view := FromStageRecord(rec, g, p, snapshot)
	return &view, nil
}

// ParseCreateRequest validates a pipeline creation payload and resolves its
// typed kind and stage keys.
func ParseCreateRequest(req CreatePipelineRequest) (records.PipelineKind, string, []records.StageKey, error) {
	kind, ok := records.ParsePipelineKind(strings.TrimSpace(req.Kind))
	if !ok {
		return "", "", nil, fmt.Errorf("unknown pipeline kind %q", req.Kind)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return "", "", nil, errors.New("pipeline title is required")
	}
	g, err := pipeline.GraphFor(kind)
	if err != nil {
		return "", "", nil, err
	}
	return kind, title, g.StageKeys(), nil
}
