package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StageView describes one stage record in a transport-friendly format.
type StageView struct {
	ID               int64           `json:"id"`
	PipelineID       string          `json:"pipelineId"`
	StageKey         string          `json:"stageKey"`
	Label            string          `json:"label"`
	Kind             string          `json:"kind"`
	Name             string          `json:"name,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	WorkflowStatus   string          `json:"workflowStatus"`
	GenerationStatus string          `json:"generationStatus"`
	Complete         bool            `json:"complete"`
	Unlocked         bool            `json:"unlocked"`
	Progress         int             `json:"progress"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
	DispatchID       string          `json:"dispatchId,omitempty"`
	DispatchedAt     string          `json:"dispatchedAt,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	CreatedAt        string          `json:"createdAt,omitempty"`
	UpdatedAt        string          `json:"updatedAt,omitempty"`
}

// PipelineView describes a pipeline with its stage slots.
type PipelineView struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Title         string      `json:"title"`
	StrictFraming bool        `json:"strictFraming"`
	Progress      int         `json:"progress"`
	Complete      bool        `json:"complete"`
	Stages        []StageView `json:"stages"`
	CreatedAt     string      `json:"createdAt,omitempty"`
	UpdatedAt     string      `json:"updatedAt,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool           `json:"running"`
	PID           int            `json:"pid"`
	RecordDBPath  string         `json:"recordDbPath"`
	LockFilePath  string         `json:"lockFilePath"`
	AccountID     string         `json:"accountId"`
	CreditBalance float64        `json:"creditBalance"`
	BalanceKnown  bool           `json:"balanceKnown"`
	StageStats    map[string]int `json:"stageStats"`
	StaleStages   []StageView    `json:"staleStages,omitempty"`
}

// PipelineListResponse wraps a collection of pipelines.
type PipelineListResponse struct {
	Pipelines []PipelineView `json:"pipelines"`
}

// PipelineResponse wraps a single pipeline.
type PipelineResponse struct {
	Pipeline PipelineView `json:"pipeline"`
}

// StageResponse wraps a single stage view.
type StageResponse struct {
	Stage StageView `json:"stage"`
}

// BalanceResponse reports the account's credit balance.
type BalanceResponse struct {
	AccountID string  `json:"accountId"`
	Balance   float64 `json:"balance"`
}

// CreatePipelineRequest is the payload for creating a pipeline.
type CreatePipelineRequest struct {
	Kind          string `json:"kind"`
	Title         string `json:"title"`
	StrictFraming bool   `json:"strictFraming"`
}

// StageCommandRequest is the payload for stage commands routed through the
// daemon: edit, generate, refine, upload, and close.
type StageCommandRequest struct {
	Command string     `json:"command"`
	URL     string     `json:"url,omitempty"`
	Edit    *StageEdit `json:"edit,omitempty"`
}

// StageEdit carries the draft fields an edit command writes. Empty fields
// leave the draft untouched; fields that do not apply to the stage's input
// kind are ignored.
type StageEdit struct {
	Name            string   `json:"name,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	Text            string   `json:"text,omitempty"`
	Voice           string   `json:"voice,omitempty"`
	Brief           string   `json:"brief,omitempty"`
	Tone            string   `json:"tone,omitempty"`
	AspectRatio     string   `json:"aspectRatio,omitempty"`
	DurationSeconds float64  `json:"durationSeconds,omitempty"`
}

// StageCommandResponse reports the outcome of a stage command.
type StageCommandResponse struct {
	Accepted bool      `json:"accepted"`
	Error    string    `json:"error,omitempty"`
	Stage    StageView `json:"stage"`
}
