// SPDX-License-Identifier: Apache-2.0

// Package driftq is a minimal HTTP client for the DriftQ broker's v1 routes.
// The broker itself (write-ahead log, partitions, leases) is an external
// collaborator; this client only covers the surface the starter needs.
package driftq

import (
	"bufio"
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

	"github.com/google/uuid"
)

const defaultBaseURL = "http://127.0.0.1:8080/v1"

type Client struct {
	baseURL string
	httpc   *http.Client
	// streamc has no overall timeout; consume connections are long-lived.
	streamc *http.Client
}

func NewClient(rawURL string) *Client {
	return &Client{
		baseURL: normalizeBaseURL(rawURL),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		streamc: &http.Client{},
	}
}

// normalizeBaseURL trims trailing slashes and appends /v1 when missing, so
// both "http://host:8080" and "http://host:8080/v1" work.
func normalizeBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	if u == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

// Healthz reports the broker's own health payload.
func (c *Client) Healthz(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("driftq healthz: %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("driftq healthz decode: %w", err)
	}
	return out, nil
}

// EnsureTopic creates a topic, treating "already exists" as success.
func (c *Client) EnsureTopic(ctx context.Context, topic string, partitions int) error {
	if partitions <= 0 {
		partitions = 1
	}

	// DriftQ expects "name", not "topic".
	body := map[string]any{"name": topic, "partitions": partitions}

	resp, err := c.postJSON(ctx, "/topics", body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		return nil
	}
	return fmt.Errorf("driftq ensure topic %q: %s", topic, readError(resp))
}

type ProduceOptions struct {
	Key            string
	TenantID       string
	IdempotencyKey string
}

// Produce publishes a value to a topic. DriftQ's produce body requires the
// value to be a string, so non-string values are JSON-encoded first.
func (c *Client) Produce(ctx context.Context, topic string, value any, opts *ProduceOptions) error {
	valueStr, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("driftq produce encode: %w", err)
	}

	payload := map[string]any{
		"topic": topic,
		"value": valueStr,
	}

	if opts != nil {
		envelope := map[string]any{}
		if opts.TenantID != "" {
			envelope["tenant_id"] = opts.TenantID
		}
		if opts.IdempotencyKey != "" {
			envelope["idempotency_key"] = opts.IdempotencyKey
		}
		if len(envelope) > 0 {
			payload["envelope"] = envelope
		}
		if opts.Key != "" {
			payload["key"] = opts.Key
		}
	}

	resp, err := c.postJSON(ctx, "/produce", payload)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	// Surface the broker's error message; it is usually specific.
	return fmt.Errorf("driftq produce to %q failed: %s", topic, readError(resp))
}

// Message is one delivery from a consume stream. Owner is injected by the
// client so a later Ack/Nack can reference the same lease owner.
type Message struct {
	Topic     string         `json:"topic"`
	Partition int            `json:"partition"`
	Offset    int64          `json:"offset"`
	Envelope  map[string]any `json:"envelope,omitempty"`
	Value     string         `json:"value"`
	Owner     string         `json:"owner,omitempty"`
}

// MessageStream yields deliveries until the connection ends. Implemented by
// *Stream; consumers accept the interface so tests can fake delivery.
type MessageStream interface {
	Next() (Message, bool)
	Err() error
	Close() error
}

type ConsumeOptions struct {
	Topic   string
	Group   string
	Owner   string
	LeaseMS int
}

// Consume opens a long-lived NDJSON stream from the broker. DriftQ requires a
// non-empty owner, so one is derived when the caller does not supply it.
func (c *Client) Consume(ctx context.Context, opts ConsumeOptions) (MessageStream, error) {
	owner := opts.Owner
	if owner == "" {
		owner = opts.Group
	}
	if owner == "" {
		owner = "owner-" + uuid.NewString()[:8]
	}

	leaseMS := opts.LeaseMS
	if leaseMS <= 0 {
		leaseMS = 30000
	}

	q := url.Values{}
	q.Set("topic", opts.Topic)
	q.Set("group", opts.Group)
	q.Set("owner", owner)
	q.Set("lease_ms", strconv.Itoa(leaseMS))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/consume?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer drainAndClose(resp.Body)
		return nil, fmt.Errorf("driftq consume %q: %s", opts.Topic, readError(resp))
	}

	return &Stream{owner: owner, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// Stream reads NDJSON deliveries off a consume connection.
type Stream struct {
	owner   string
	body    io.ReadCloser
	scanner *bufio.Scanner
	err     error
}

// Next returns the next parseable delivery. Blank and malformed lines are
// skipped. It returns false when the stream ends or fails; check Err.
func (s *Stream) Next() (Message, bool) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		msg.Owner = s.owner
		return msg, true
	}

	s.err = s.scanner.Err()
	return Message{}, false
}

func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// DecodeValue parses a message's string value back into an object. The
// starter publishes JSON objects encoded into DriftQ's string value field;
// plain strings come back wrapped under a "value" key.
func DecodeValue(msg Message) map[string]any {
	v := strings.TrimSpace(msg.Value)
	if v == "" {
		return nil
	}

	if strings.HasPrefix(v, "{") || strings.HasPrefix(v, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			if obj, ok := decoded.(map[string]any); ok {
				return obj
			}
			return map[string]any{"value": decoded}
		}
	}
	return map[string]any{"value": msg.Value}
}

// Ack confirms a delivery against the lease recorded on the message.
func (c *Client) Ack(ctx context.Context, topic, group string, msg Message) error {
	return c.settle(ctx, "/ack", topic, group, msg)
}

// Nack releases a delivery so the broker redelivers it.
func (c *Client) Nack(ctx context.Context, topic, group string, msg Message) error {
	return c.settle(ctx, "/nack", topic, group, msg)
}

func (c *Client) settle(ctx context.Context, path, topic, group string, msg Message) error {
	body := map[string]any{
		"topic":     topic,
		"group":     group,
		"owner":     msg.Owner,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}

	resp, err := c.postJSON(ctx, path, body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("driftq %s failed: %s", strings.TrimPrefix(path, "/"), readError(resp))
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

func encodeValue(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(data))
	if text == "" {
		return strconv.Itoa(resp.StatusCode)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, text)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
