// Package client is the HTTP client for the loom daemon API, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"loom/internal/api"
	"loom/internal/records"
)

// ErrDaemonUnavailable wraps connection failures so callers can suggest
// starting the daemon.
var ErrDaemonUnavailable = errors.New("loom daemon unavailable")

// Client talks to a running loom daemon over its HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New constructs a client for the given bind address. An empty address
// returns nil.
func New(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Status fetches daemon runtime information.
func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var out api.DaemonStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Balance fetches the mirrored credit balance.
func (c *Client) Balance(ctx context.Context) (api.BalanceResponse, error) {
	var out api.BalanceResponse
	err := c.do(ctx, http.MethodGet, "/api/balance", nil, &out)
	return out, err
}

// SetBalance overwrites the mirrored credit balance.
func (c *Client) SetBalance(ctx context.Context, balance float64) (api.BalanceResponse, error) {
	var out api.BalanceResponse
	err := c.do(ctx, http.MethodPut, "/api/balance", api.BalanceResponse{Balance: balance}, &out)
	return out, err
}

// ListPipelines fetches every pipeline with its stages.
func (c *Client) ListPipelines(ctx context.Context) ([]api.PipelineView, error) {
	var out api.PipelineListResponse
	if err := c.do(ctx, http.MethodGet, "/api/pipelines", nil, &out); err != nil {
		return nil, err
	}
	return out.Pipelines, nil
}

// CreatePipeline creates a pipeline of the given kind.
func (c *Client) CreatePipeline(ctx context.Context, kind, title string, strict bool) (api.PipelineView, error) {
	var out api.PipelineResponse
	req := api.CreatePipelineRequest{Kind: kind, Title: title, StrictFraming: strict}
	if err := c.do(ctx, http.MethodPost, "/api/pipelines", req, &out); err != nil {
		return api.PipelineView{}, err
	}
	return out.Pipeline, nil
}

// DescribePipeline fetches one pipeline by ID.
func (c *Client) DescribePipeline(ctx context.Context, id string) (api.PipelineView, error) {
	var out api.PipelineResponse
	if err := c.do(ctx, http.MethodGet, "/api/pipelines/"+url.PathEscape(id), nil, &out); err != nil {
		return api.PipelineView{}, err
	}
	return out.Pipeline, nil
}

// RemovePipeline deletes a pipeline and its stage records.
func (c *Client) RemovePipeline(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/pipelines/"+url.PathEscape(id), nil, nil)
}

// DescribeStage fetches one stage view.
func (c *Client) DescribeStage(ctx context.Context, pipelineID string, key records.StageKey) (api.StageView, error) {
	var out api.StageResponse
	path := fmt.Sprintf("/api/pipelines/%s/stages/%s", url.PathEscape(pipelineID), url.PathEscape(string(key)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return api.StageView{}, err
	}
	return out.Stage, nil
}

// StageCommand runs a stage command (generate, regenerate, refine, upload,
// open, close) through the daemon.
func (c *Client) StageCommand(ctx context.Context, pipelineID string, key records.StageKey, req api.StageCommandRequest) (api.StageCommandResponse, error) {
	var out api.StageCommandResponse
	path := fmt.Sprintf("/api/pipelines/%s/stages/%s/command", url.PathEscape(pipelineID), url.PathEscape(string(key)))
	err := c.do(ctx, http.MethodPost, path, req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return ErrDaemonUnavailable
	}
	target := *c.base
	target.Path = path

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return errors.New(errorMessage(payload, resp.StatusCode))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func errorMessage(payload []byte, status int) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		return body.Error
	}
	var cmd api.StageCommandResponse
	if err := json.Unmarshal(payload, &cmd); err == nil && strings.TrimSpace(cmd.Error) != "" {
		return cmd.Error
	}
	return fmt.Sprintf("daemon returned HTTP %d", status)
}
