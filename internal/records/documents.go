package records

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StageKind describes the payload shape a stage carries. Several stage keys
// share a kind (first_frame, last_frame, and image are all image stages).
type StageKind string

const (
	KindImage  StageKind = "image"
	KindVideo  StageKind = "video"
	KindSpeech StageKind = "speech"
	KindScript StageKind = "script"
)

// InputMode distinguishes backend generation from a direct user upload.
type InputMode string

const (
	ModeGenerate InputMode = "generate"
	ModeUpload   InputMode = "upload"
)

// ImageInput is the input document for image stages.
type ImageInput struct {
	Prompt        string    `json:"prompt"`
	AspectRatio   string    `json:"aspect_ratio,omitempty"`
	Mode          InputMode `json:"mode"`
	ReferenceURLs []string  `json:"reference_urls,omitempty"`
	UploadedURL   string    `json:"uploaded_url,omitempty"`
}

// VideoInput is the input document for video stages. Frame URLs are resolved
// from upstream stage outputs at dispatch time.
type VideoInput struct {
	Prompt          string    `json:"prompt"`
	DurationSeconds float64   `json:"duration_seconds"`
	AspectRatio     string    `json:"aspect_ratio,omitempty"`
	Mode            InputMode `json:"mode"`
	FirstFrameURL   string    `json:"first_frame_url,omitempty"`
	LastFrameURL    string    `json:"last_frame_url,omitempty"`
	AudioURL        string    `json:"audio_url,omitempty"`
	UploadedURL     string    `json:"uploaded_url,omitempty"`
}

// SpeechInput is the input document for speech stages.
type SpeechInput struct {
	Text        string    `json:"text"`
	Voice       string    `json:"voice,omitempty"`
	Mode        InputMode `json:"mode"`
	UploadedURL string    `json:"uploaded_url,omitempty"`
}

// ScriptInput is the input document for script stages.
type ScriptInput struct {
	Brief string `json:"brief"`
	Tone  string `json:"tone,omitempty"`
}

// StageInput is the tagged variant holding exactly one stage-specific input
// document, discriminated by Kind. One physical column, typed payloads.
type StageInput struct {
	Kind   StageKind    `json:"kind"`
	Image  *ImageInput  `json:"image,omitempty"`
	Video  *VideoInput  `json:"video,omitempty"`
	Speech *SpeechInput `json:"speech,omitempty"`
	Script *ScriptInput `json:"script,omitempty"`
}

// NewStageInput returns an empty input document of the given kind.
func NewStageInput(kind StageKind) StageInput {
	input := StageInput{Kind: kind}
	switch kind {
	case KindImage:
		input.Image = &ImageInput{Mode: ModeGenerate}
	case KindVideo:
		input.Video = &VideoInput{Mode: ModeGenerate}
	case KindSpeech:
		input.Speech = &SpeechInput{Mode: ModeGenerate}
	case KindScript:
		input.Script = &ScriptInput{}
	}
	return input
}

// IsZero reports whether the input carries no payload at all.
func (in StageInput) IsZero() bool {
	switch in.Kind {
	case KindImage:
		return in.Image == nil || (strings.TrimSpace(in.Image.Prompt) == "" && strings.TrimSpace(in.Image.UploadedURL) == "")
	case KindVideo:
		return in.Video == nil || (strings.TrimSpace(in.Video.Prompt) == "" && strings.TrimSpace(in.Video.UploadedURL) == "")
	case KindSpeech:
		return in.Speech == nil || (strings.TrimSpace(in.Speech.Text) == "" && strings.TrimSpace(in.Speech.UploadedURL) == "")
	case KindScript:
		return in.Script == nil || strings.TrimSpace(in.Script.Brief) == ""
	}
	return true
}

// Mode returns the input mode, defaulting to generate for kinds without an
// upload path.
func (in StageInput) Mode() InputMode {
	switch in.Kind {
	case KindImage:
		if in.Image != nil && in.Image.Mode == ModeUpload {
			return ModeUpload
		}
	case KindVideo:
		if in.Video != nil && in.Video.Mode == ModeUpload {
			return ModeUpload
		}
	case KindSpeech:
		if in.Speech != nil && in.Speech.Mode == ModeUpload {
			return ModeUpload
		}
	}
	return ModeGenerate
}

// UploadedURL returns the user-supplied asset URL for upload-mode inputs.
func (in StageInput) UploadedURL() string {
	switch in.Kind {
	case KindImage:
		if in.Image != nil {
			return strings.TrimSpace(in.Image.UploadedURL)
		}
	case KindVideo:
		if in.Video != nil {
			return strings.TrimSpace(in.Video.UploadedURL)
		}
	case KindSpeech:
		if in.Speech != nil {
			return strings.TrimSpace(in.Speech.UploadedURL)
		}
	}
	return ""
}

// Validate checks the stage-specific minimum validity required before a
// generate command may be admitted.
func (in StageInput) Validate() error {
	switch in.Kind {
	case KindImage:
		if in.Image == nil {
			return fmt.Errorf("image input missing")
		}
		if in.Image.Mode == ModeUpload {
			if strings.TrimSpace(in.Image.UploadedURL) == "" {
				return fmt.Errorf("upload mode requires an uploaded asset URL")
			}
			return nil
		}
		if strings.TrimSpace(in.Image.Prompt) == "" {
			return fmt.Errorf("image prompt must not be empty")
		}
	case KindVideo:
		if in.Video == nil {
			return fmt.Errorf("video input missing")
		}
		if in.Video.Mode == ModeUpload {
			if strings.TrimSpace(in.Video.UploadedURL) == "" {
				return fmt.Errorf("upload mode requires an uploaded asset URL")
			}
			return nil
		}
		if strings.TrimSpace(in.Video.Prompt) == "" {
			return fmt.Errorf("video prompt must not be empty")
		}
		if in.Video.DurationSeconds <= 0 {
			return fmt.Errorf("video duration must be positive")
		}
	case KindSpeech:
		if in.Speech == nil {
			return fmt.Errorf("speech input missing")
		}
		if in.Speech.Mode == ModeUpload {
			if strings.TrimSpace(in.Speech.UploadedURL) == "" {
				return fmt.Errorf("upload mode requires an uploaded asset URL")
			}
			return nil
		}
		if strings.TrimSpace(in.Speech.Text) == "" {
			return fmt.Errorf("speech text must not be empty")
		}
	case KindScript:
		if in.Script == nil {
			return fmt.Errorf("script input missing")
		}
		if strings.TrimSpace(in.Script.Brief) == "" {
			return fmt.Errorf("script brief must not be empty")
		}
	default:
		return fmt.Errorf("unknown stage kind %q", in.Kind)
	}
	return nil
}

// StageOutput is the result document written when a stage completes, either
// by the backend (via polling) or directly by an upload.
type StageOutput struct {
	URL             string    `json:"url,omitempty"`
	Text            string    `json:"text,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
	Uploaded        bool      `json:"uploaded,omitempty"`
}

// IsZero reports whether the output carries no result.
func (out StageOutput) IsZero() bool {
	return strings.TrimSpace(out.URL) == "" && strings.TrimSpace(out.Text) == ""
}

// Input decodes the stage's input document. An empty column yields a zero
// StageInput with no kind; callers seed it via NewStageInput.
func (r *StageRecord) Input() (StageInput, error) {
	if strings.TrimSpace(r.InputJSON) == "" {
		return StageInput{}, nil
	}
	var input StageInput
	if err := json.Unmarshal([]byte(r.InputJSON), &input); err != nil {
		return StageInput{}, fmt.Errorf("decode stage input: %w", err)
	}
	return input, nil
}

// Output decodes the stage's output document, or nil when absent.
func (r *StageRecord) Output() (*StageOutput, error) {
	if !r.HasOutput() {
		return nil, nil
	}
	var out StageOutput
	if err := json.Unmarshal([]byte(r.OutputJSON), &out); err != nil {
		return nil, fmt.Errorf("decode stage output: %w", err)
	}
	return &out, nil
}

func encodeInput(input StageInput) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode stage input: %w", err)
	}
	return string(data), nil
}

func encodeOutput(out StageOutput) (string, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode stage output: %w", err)
	}
	return string(data), nil
}
