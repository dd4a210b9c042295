package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

const userAgent = "Loom-Go/0.1.0"

// Service defines the notification surface exposed to the orchestration
// components.
type Service interface {
	GenerationCompleted(ctx context.Context, pipelineTitle, stageLabel, outputURL string) error
	GenerationFailed(ctx context.Context, pipelineTitle, stageLabel, message string, refunded bool) error
	PipelineCompleted(ctx context.Context, pipelineTitle string) error
	LowBalance(ctx context.Context, balance float64) error
	NotifyError(ctx context.Context, err error, contextLabel string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		settings: cfg.Notifications,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	settings config.Notifications
}

func (n *ntfyService) GenerationCompleted(ctx context.Context, pipelineTitle, stageLabel, outputURL string) error {
	if !n.settings.Generation {
		return nil
	}
	pipelineTitle = strings.TrimSpace(pipelineTitle)
	stageLabel = strings.TrimSpace(stageLabel)
	message := fmt.Sprintf("Generated %s for %s", stageLabel, pipelineTitle)
	if outputURL = strings.TrimSpace(outputURL); outputURL != "" {
		message = fmt.Sprintf("%s\n%s", message, outputURL)
	}
	data := payload{
		title:   "Loom - Stage Complete",
		message: message,
		tags:    []string{"loom", "generation", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) GenerationFailed(ctx context.Context, pipelineTitle, stageLabel, message string, refunded bool) error {
	if !n.settings.Generation {
		return nil
	}
	pipelineTitle = strings.TrimSpace(pipelineTitle)
	stageLabel = strings.TrimSpace(stageLabel)
	body := fmt.Sprintf("%s failed for %s", stageLabel, pipelineTitle)
	if message = strings.TrimSpace(message); message != "" {
		body = fmt.Sprintf("%s: %s", body, message)
	}
	if refunded {
		body += "\nCredits have been refunded"
	}
	data := payload{
		title:    "Loom - Stage Failed",
		message:  body,
		tags:     []string{"loom", "generation", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) PipelineCompleted(ctx context.Context, pipelineTitle string) error {
	if !n.settings.Pipeline {
		return nil
	}
	pipelineTitle = strings.TrimSpace(pipelineTitle)
	data := payload{
		title:    "Loom - Pipeline Complete",
		message:  fmt.Sprintf("All stages complete: %s", pipelineTitle),
		tags:     []string{"loom", "pipeline", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) LowBalance(ctx context.Context, balance float64) error {
	if !n.settings.LowBalance {
		return nil
	}
	data := payload{
		title:   "Loom - Low Credits",
		message: fmt.Sprintf("Credit balance is down to %.2f; top up to keep generating", balance),
		tags:    []string{"loom", "credits", "low"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.settings.Errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}
	data := payload{
		title:    "Loom - Error",
		message:  builder.String(),
		tags:     []string{"loom", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Loom - Test",
		message:  "Notification system test",
		tags:     []string{"loom", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) GenerationCompleted(context.Context, string, string, string) error      { return nil }
func (noopService) GenerationFailed(context.Context, string, string, string, bool) error   { return nil }
func (noopService) PipelineCompleted(context.Context, string) error                        { return nil }
func (noopService) LowBalance(context.Context, float64) error                              { return nil }
func (noopService) NotifyError(context.Context, error, string) error                       { return nil }
func (noopService) TestNotification(context.Context) error                                 { return nil }
