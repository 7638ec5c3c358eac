// Package client wraps the coordinator HTTP API for CLI and programmatic
// usage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bellmanhq/bellman/pkg/execlog"
	"github.com/bellmanhq/bellman/pkg/types"
)

// APIError is a non-2xx response decoded from the error envelope
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// Client talks to one coordinator
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the coordinator at baseURL,
// e.g. "http://localhost:8080"
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Health checks coordinator liveness
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/api/health", nil, &out)
}

// HandlerInfo is one registry entry with its live probe result
type HandlerInfo struct {
	HandlerID    string    `json:"handler_id"`
	Address      string    `json:"address"`
	Methods      []string  `json:"methods"`
	RegisteredAt time.Time `json:"registered_at"`
	LastUpdated  time.Time `json:"last_updated"`
	Status       string    `json:"status"`
	Alive        bool      `json:"alive"`
}

// ListHandlers returns the registered handlers with live status
func (c *Client) ListHandlers(ctx context.Context) ([]HandlerInfo, error) {
	var out struct {
		Handlers []HandlerInfo `json:"handlers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/handlers", nil, &out); err != nil {
		return nil, err
	}
	return out.Handlers, nil
}

// AddScheduleRequest mirrors the POST /api/schedule body
type AddScheduleRequest struct {
	HandlerID        string         `json:"handler_id"`
	JobMethod        string         `json:"job_method"`
	JobParams        map[string]any `json:"job_params,omitempty"`
	Trigger          map[string]any `json:"trigger"`
	JobID            string         `json:"job_id,omitempty"`
	MisfireGraceTime float64        `json:"misfire_grace_time,omitempty"`
	Coalesce         string         `json:"coalesce,omitempty"`
	MaxJitter        float64        `json:"max_jitter,omitempty"`
	MaxAttempts      int            `json:"max_attempts,omitempty"`
	ReplaceExisting  bool           `json:"replace_existing,omitempty"`
}

// AddSchedule creates a schedule and returns its id
func (c *Client) AddSchedule(ctx context.Context, req AddScheduleRequest) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/schedule", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// RunNow dispatches a one-off job and waits for its result
func (c *Client) RunNow(ctx context.Context, handlerID, method string, params map[string]any) (map[string]any, error) {
	body := map[string]any{
		"handler_id": handlerID,
		"job_method": method,
		"job_params": params,
	}
	var out struct {
		JobID  string         `json:"job_id"`
		Result map[string]any `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/run_now", body, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// Pagination echoes the window of a list response
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ListSchedules returns one page of schedules. Zero times skip the window
// bounds.
func (c *Client) ListSchedules(ctx context.Context, limit, offset int, startTime, endTime time.Time) ([]*types.Schedule, Pagination, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if !startTime.IsZero() {
		q.Set("start_time", startTime.Format(time.RFC3339))
	}
	if !endTime.IsZero() {
		q.Set("end_time", endTime.Format(time.RFC3339))
	}

	var out struct {
		Schedules  []*types.Schedule `json:"schedules"`
		Pagination Pagination        `json:"pagination"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/schedules?"+q.Encode(), nil, &out); err != nil {
		return nil, Pagination{}, err
	}
	return out.Schedules, out.Pagination, nil
}

// GetSchedule fetches one schedule by id
func (c *Client) GetSchedule(ctx context.Context, id string) (*types.Schedule, error) {
	var out types.Schedule
	if err := c.do(ctx, http.MethodGet, "/api/schedules/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSchedule deletes a schedule by id
func (c *Client) RemoveSchedule(ctx context.Context, id string) error {
	var out map[string]string
	return c.do(ctx, http.MethodDelete, "/api/schedules/"+url.PathEscape(id), nil, &out)
}

// ExecutionFilter narrows GetExecutions
type ExecutionFilter struct {
	HandlerID string
	JobID     string
	Status    string
	Limit     int
}

// GetExecutions queries the execution log
func (c *Client) GetExecutions(ctx context.Context, filter ExecutionFilter) ([]types.ExecutionRecord, error) {
	q := url.Values{}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.HandlerID != "" {
		q.Set("handler_id", filter.HandlerID)
	}
	if filter.JobID != "" {
		q.Set("job_id", filter.JobID)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}

	path := "/api/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Records []types.ExecutionRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// GetExecutionStats returns aggregate execution statistics
func (c *Client) GetExecutionStats(ctx context.Context) (*execlog.Stats, error) {
	var out execlog.Stats
	if err := c.do(ctx, http.MethodGet, "/api/executions/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecutionErrors returns recent terminal error records
func (c *Client) GetExecutionErrors(ctx context.Context, limit int) ([]types.ExecutionRecord, error) {
	path := "/api/executions/errors"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out struct {
		Errors []types.ExecutionRecord `json:"errors"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Errors, nil
}

// ClearExecutions empties the execution log
func (c *Client) ClearExecutions(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodPost, "/api/executions/clear", nil, &out)
}

// do performs one JSON round trip, decoding the error envelope on non-2xx
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Message == "" {
			return &APIError{Code: resp.StatusCode, Message: resp.Status}
		}
		return &APIError{Code: envelope.Error.Code, Message: envelope.Error.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
