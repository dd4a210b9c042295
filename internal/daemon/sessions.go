package daemon

import (
	"context"
	"strings"
	"sync"

	"loom/internal/records"
	"loom/internal/stagectl"
)

// sessionSet tracks the stage controllers currently open in this process.
// One controller per (pipeline, stage key); repeated opens of the same stage
// share it, so the single-mutation-path guarantee holds process-wide.
type sessionSet struct {
	mu   sync.Mutex
	open map[string]*stagectl.Controller
	deps stagectl.Deps
}

func newSessionSet(deps stagectl.Deps) *sessionSet {
	return &sessionSet{
		open: make(map[string]*stagectl.Controller),
		deps: deps,
	}
}

func sessionKey(pipelineID string, key records.StageKey) string {
	return pipelineID + "/" + string(key)
}

// Acquire returns the open controller for the stage, opening one if needed.
func (s *sessionSet) Acquire(ctx context.Context, pipelineID string, key records.StageKey) (*stagectl.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sessionKey(pipelineID, key)
	if ctl, ok := s.open[id]; ok {
		return ctl, nil
	}
	ctl, err := stagectl.Open(ctx, s.deps, pipelineID, key)
	if err != nil {
		return nil, err
	}
	s.open[id] = ctl
	return ctl, nil
}

// Release closes and forgets the controller for the stage, if open.
func (s *sessionSet) Release(ctx context.Context, pipelineID string, key records.StageKey) error {
	s.mu.Lock()
	ctl, ok := s.open[sessionKey(pipelineID, key)]
	if ok {
		delete(s.open, sessionKey(pipelineID, key))
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return ctl.Close(ctx)
}

// ReleasePipeline closes every open controller belonging to a pipeline.
func (s *sessionSet) ReleasePipeline(ctx context.Context, pipelineID string) {
	s.mu.Lock()
	var closing []*stagectl.Controller
	for id, ctl := range s.open {
		if strings.HasPrefix(id, pipelineID+"/") {
			closing = append(closing, ctl)
			delete(s.open, id)
		}
	}
	s.mu.Unlock()
	for _, ctl := range closing {
		_ = ctl.Close(ctx)
	}
}

// CloseAll closes every open controller. Used at daemon shutdown.
func (s *sessionSet) CloseAll(ctx context.Context) {
	s.mu.Lock()
	closing := make([]*stagectl.Controller, 0, len(s.open))
	for _, ctl := range s.open {
		closing = append(closing, ctl)
	}
	clear(s.open)
	s.mu.Unlock()
	for _, ctl := range closing {
		_ = ctl.Close(ctx)
	}
}
