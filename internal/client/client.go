// Package client is a small HTTP client for the report job API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
	"report-scheduler/internal/tracker"
)

// Client calls the front door as one owner.
type Client struct {
	base  string
	owner string
	http  *http.Client
}

func New(base, owner string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		owner: owner,
		http:  &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

type registerRequest struct {
	Name    string    `json:"name"`
	Owner   string    `json:"owner,omitempty"`
	DueTime time.Time `json:"due_time"`
	Query   string    `json:"query"`
}

func (c *Client) Register(ctx context.Context, name string, due time.Time, query string) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/jobs", registerRequest{Name: name, Owner: c.owner, DueTime: due, Query: query}, &out)
	return out.ID, err
}

func (c *Client) Status(ctx context.Context, id int64) (tracker.StatusView, error) {
	var out tracker.StatusView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%d", id), nil, &out)
	return out, err
}

func (c *Client) Kill(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/kill", id), nil, nil)
}

// List returns the caller's jobs, or every job when all is set.
func (c *Client) List(ctx context.Context, all bool) ([]models.Job, error) {
	q := url.Values{}
	if all {
		q.Set("all", "true")
	}
	var out []models.Job
	err := c.do(ctx, http.MethodGet, "/jobs?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, id int64) ([]models.LogEntry, error) {
	var out []models.LogEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%d/logs", id), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errs.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errs.Wrap(err, "build request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.owner != "" {
		req.Header.Set("X-Owner", c.owner)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(err, "decode response")
	}
	return nil
}
