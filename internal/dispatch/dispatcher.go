package dispatch

import (
	"context"

	"loom/internal/records"
)

// Request is the payload sent to the generation backend. The response to a
// dispatch is synchronous accept/reject only; completion is observed later by
// polling the record store, never via a callback.
type Request struct {
	Kind        string  `json:"kind"`
	RecordID    int64   `json:"record_id"`
	PipelineID  string  `json:"pipeline_id"`
	StageKey    string  `json:"stage_key"`
	AccountID   string  `json:"account_id"`
	DispatchID  string  `json:"dispatch_id"`
	CreditsCost float64 `json:"credits_cost"`

	Prompt          string   `json:"prompt,omitempty"`
	Text            string   `json:"text,omitempty"`
	Voice           string   `json:"voice,omitempty"`
	Brief           string   `json:"brief,omitempty"`
	Tone            string   `json:"tone,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	AspectRatio     string   `json:"aspect_ratio,omitempty"`
	FirstFrameURL   string   `json:"first_frame_url,omitempty"`
	LastFrameURL    string   `json:"last_frame_url,omitempty"`
	AudioURL        string   `json:"audio_url,omitempty"`
	ReferenceURLs   []string `json:"reference_urls,omitempty"`

	IsRefine        bool   `json:"is_refine,omitempty"`
	PriorOutputURL  string `json:"prior_output_url,omitempty"`
	PriorOutputText string `json:"prior_output_text,omitempty"`
}

// Dispatcher sends a generation request to the remote backend. A nil error
// means the backend accepted the job; any error is a rejection and the caller
// reverts its optimistic state.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// NewRequest assembles the dispatch payload from a stage record and its
// validated input document. prior carries the previous output when the
// command is a refine.
func NewRequest(rec *records.StageRecord, input records.StageInput, accountID, dispatchID string, cost float64, prior *records.StageOutput) Request {
	req := Request{
		Kind:        string(input.Kind),
		RecordID:    rec.ID,
		PipelineID:  rec.PipelineID,
		StageKey:    string(rec.StageKey),
		AccountID:   accountID,
		DispatchID:  dispatchID,
		CreditsCost: cost,
	}
	switch input.Kind {
	case records.KindImage:
		if input.Image != nil {
			req.Prompt = input.Image.Prompt
			req.AspectRatio = input.Image.AspectRatio
			req.ReferenceURLs = input.Image.ReferenceURLs
		}
	case records.KindVideo:
		if input.Video != nil {
			req.Prompt = input.Video.Prompt
			req.AspectRatio = input.Video.AspectRatio
			req.DurationSeconds = input.Video.DurationSeconds
			req.FirstFrameURL = input.Video.FirstFrameURL
			req.LastFrameURL = input.Video.LastFrameURL
			req.AudioURL = input.Video.AudioURL
		}
	case records.KindSpeech:
		if input.Speech != nil {
			req.Text = input.Speech.Text
			req.Voice = input.Speech.Voice
		}
	case records.KindScript:
		if input.Script != nil {
			req.Brief = input.Script.Brief
			req.Tone = input.Script.Tone
		}
	}
	if prior != nil {
		req.IsRefine = true
		req.PriorOutputURL = prior.URL
		req.PriorOutputText = prior.Text
	}
	return req
}
