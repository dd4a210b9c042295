package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
	"loom/internal/services"
)

const userAgent = "Loom-Go/0.1.0"

type httpDispatcher struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPDispatcher builds a dispatcher posting to the configured backend
// endpoint.
func NewHTTPDispatcher(cfg *config.Config) (Dispatcher, error) {
	endpoint := strings.TrimSpace(cfg.Backend.URL)
	if endpoint == "" {
		return nil, services.Wrap(services.ErrConfiguration, "dispatch", "init",
			"backend.url is not configured", nil)
	}
	timeout := time.Duration(cfg.Backend.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpDispatcher{
		endpoint: endpoint,
		token:    strings.TrimSpace(cfg.Backend.Token),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type dispatchResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (d *httpDispatcher) Dispatch(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "encode request", "", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "build request", "", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "send request", "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "read response", "", err)
	}

	if resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(data))
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "backend response",
			fmt.Sprintf("status %d: %s", resp.StatusCode, detail), nil)
	}

	var parsed dispatchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "decode response", "", err)
	}
	if !parsed.Success {
		msg := strings.TrimSpace(parsed.Error)
		if msg == "" {
			msg = "backend declined the job"
		}
		return services.Wrap(services.ErrDispatchRejected, "dispatch", "backend response", msg, nil)
	}
	return nil
}
