// Package client is the Go SDK for the skein HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skeinlabs/skein/pkg/api"
	"github.com/skeinlabs/skein/pkg/types"
)

// Client talks to one skein API server.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// Option adjusts client construction.
type Option func(*Client)

// WithUserID attaches a user identity to every submission.
func WithUserID(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitGoal plans and starts a graph for the goal, returning its id.
func (c *Client) SubmitGoal(ctx context.Context, goal string, mode types.ExecutionMode) (string, error) {
	req := api.GoalRequest{Goal: goal, ExecutionMode: string(mode), UserID: c.userID}
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/goals", req, &resp); err != nil {
		return "", err
	}
	return resp.GraphID, nil
}

// SubmitGraph starts an explicit task graph.
func (c *Client) SubmitGraph(ctx context.Context, graph *types.TaskGraph) (string, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/graphs", graph, &resp); err != nil {
		return "", err
	}
	return resp.GraphID, nil
}

// Graph fetches the persisted snapshot of a graph.
func (c *Client) Graph(ctx context.Context, graphID string) (*types.TaskGraph, error) {
	var graph types.TaskGraph
	if err := c.do(ctx, http.MethodGet, "/v1/graphs/"+graphID, nil, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

// Graphs lists all known graphs.
func (c *Client) Graphs(ctx context.Context) ([]api.GraphSummary, error) {
	var summaries []api.GraphSummary
	if err := c.do(ctx, http.MethodGet, "/v1/graphs", nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// Updates fetches the streaming updates recorded for a graph.
func (c *Client) Updates(ctx context.Context, graphID string) ([]*types.StreamingUpdate, error) {
	var updates []*types.StreamingUpdate
	if err := c.do(ctx, http.MethodGet, "/v1/graphs/"+graphID+"/updates", nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// Logs fetches the execution log entries recorded for a graph.
func (c *Client) Logs(ctx context.Context, graphID string) ([]*types.ExecutionLog, error) {
	var logs []*types.ExecutionLog
	if err := c.do(ctx, http.MethodGet, "/v1/graphs/"+graphID+"/logs", nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Health fetches the orchestrator health snapshot.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// WaitForGraph polls until the graph reaches a terminal status or ctx ends.
func (c *Client) WaitForGraph(ctx context.Context, graphID string, pollEvery time.Duration) (*types.TaskGraph, error) {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		graph, err := c.Graph(ctx, graphID)
		if err == nil && graph.Status.Terminal() {
			return graph, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
