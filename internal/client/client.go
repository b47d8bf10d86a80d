// SPDX-License-Identifier: Apache-2.0

// Package client talks to the starter's API service on behalf of the run
// observer and the demo orchestrator.
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

	"github.com/adiadia/driftq-starter/internal/domain"
)

type Client struct {
	baseURL string
	httpc   *http.Client
	// streamc carries no overall timeout; event streams are long-lived.
	streamc *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		streamc: &http.Client{},
	}
}

type CreateRunParams struct {
	Workflow string         `json:"workflow"`
	Input    map[string]any `json:"input"`
	FailAt   string         `json:"fail_at,omitempty"`
}

// CreateRun registers a run and returns its identifier. FailAt selects the
// workflow step where the worker injects a forced failure; empty means none.
func (c *Client) CreateRun(ctx context.Context, params CreateRunParams) (string, error) {
	if params.Workflow == "" {
		params.Workflow = "demo"
	}
	if params.Input == nil {
		params.Input = map[string]any{}
	}

	resp, err := c.postJSON(ctx, "/runs", params)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create run: %s", readError(resp))
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("create run decode: %w", err)
	}
	if out.RunID == "" {
		return "", fmt.Errorf("create run: empty run_id in response")
	}
	return out.RunID, nil
}

// ReplayOptions controls a replay request. When OverrideFailAt is set, the
// run's forced-failure step is replaced for subsequent attempts; an empty
// value clears the injection and is sent as an explicit JSON null. A nil
// OverrideFailAt leaves the original command untouched.
type ReplayOptions struct {
	OverrideFailAt *string
}

// ClearFailure is the override the orchestrator applies as "the fix": replay
// with no forced failure.
func ClearFailure() *ReplayOptions {
	s := ""
	return &ReplayOptions{OverrideFailAt: &s}
}

// ReplayRun re-publishes the run's command under the next replay sequence.
func (c *Client) ReplayRun(ctx context.Context, runID string, opts *ReplayOptions) error {
	body := map[string]json.RawMessage{}
	if opts != nil && opts.OverrideFailAt != nil {
		if *opts.OverrideFailAt == "" {
			body["fail_at"] = json.RawMessage("null")
		} else {
			encoded, err := json.Marshal(*opts.OverrideFailAt)
			if err != nil {
				return err
			}
			body["fail_at"] = encoded
		}
	}

	resp, err := c.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/replay", body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replay run %s: %s", runID, readError(resp))
	}
	return nil
}

// FetchDeadLetter returns the run's dead-letter record. A 404 is the normal
// "nothing dead-lettered yet" answer and comes back as ok=false, not an error.
func (c *Client) FetchDeadLetter(ctx context.Context, runID string) (domain.DeadLetterRecord, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(runID)+"/dlq", nil)
	if err != nil {
		return domain.DeadLetterRecord{}, false, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return domain.DeadLetterRecord{}, false, err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.DeadLetterRecord{}, false, nil
	default:
		return domain.DeadLetterRecord{}, false, fmt.Errorf("fetch dead letter for %s: %s", runID, readError(resp))
	}

	var rec domain.DeadLetterRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return domain.DeadLetterRecord{}, false, fmt.Errorf("fetch dead letter decode: %w", err)
	}
	return rec, true, nil
}

// EmitEvent publishes an arbitrary event onto the run's stream (demo/testing
// helper; the orchestrator does not use it).
func (c *Client) EmitEvent(ctx context.Context, runID string, event domain.Event) error {
	resp, err := c.postJSON(ctx, "/runs/"+url.PathEscape(runID)+"/emit", map[string]any{"event": event})
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emit event for %s: %s", runID, readError(resp))
	}
	return nil
}

// OpenEvents opens the run's SSE stream. The clientID query parameter gives
// this observer its own consumer group on the API side so concurrent
// observers of the same run all see every event.
func (c *Client) OpenEvents(ctx context.Context, runID, clientID string) (io.ReadCloser, error) {
	u := c.baseURL + "/runs/" + url.PathEscape(runID) + "/events?client_id=" + url.QueryEscape(clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer drainAndClose(resp.Body)
		return nil, fmt.Errorf("open events for %s: %s", runID, readError(resp))
	}
	return resp.Body, nil
}

// Healthz reports whether the API (and, transitively, the broker) is up.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api unhealthy: %s", readError(resp))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpc.Do(req)
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return resp.Status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, text)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
