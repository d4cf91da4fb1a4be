// Package tracker reports optimization runs to a Langfuse-compatible
// experiment tracker through its batch ingestion API.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/longregen/promptloop/internal/adapters/retry"
)

// ScoreDataType is the tracker's score type.
type ScoreDataType string

const (
	ScoreNumeric     ScoreDataType = "NUMERIC"
	ScoreBoolean     ScoreDataType = "BOOLEAN"
	ScoreCategorical ScoreDataType = "CATEGORICAL"
)

// IngestionEvent is a single event in an ingestion batch.
type IngestionEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Body      any       `json:"body"`
}

// TraceBody is the body of a trace-create event. Creating a trace with an
// existing ID updates it.
type TraceBody struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ScoreBody is the body of a score-create event.
type ScoreBody struct {
	ID       string        `json:"id,omitempty"`
	TraceID  string        `json:"traceId"`
	Name     string        `json:"name"`
	Value    any           `json:"value"`
	DataType ScoreDataType `json:"dataType"`
	Comment  string        `json:"comment,omitempty"`
}

// Client posts ingestion batches.
type Client struct {
	baseURL    string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	retry      retry.BackoffConfig
}

// NewClient creates a client. host may be a bare host name, which implies
// https, or a full base URL.
func NewClient(host, publicKey, secretKey string) *Client {
	host = strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return &Client{
		baseURL:   host,
		publicKey: publicKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry: retry.DefaultConfig(),
	}
}

// WithRetry overrides the retry policy for ingestion calls.
func (c *Client) WithRetry(cfg retry.BackoffConfig) *Client {
	c.retry = cfg
	return c
}

// Ingest sends events in one batch. Partial success (207) counts as success.
func (c *Client) Ingest(ctx context.Context, events []IngestionEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{"batch": events})
	if err != nil {
		return fmt.Errorf("tracker: failed to marshal batch: %w", err)
	}

	return retry.WithBackoffHTTP(ctx, c.retry, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/public/ingestion", bytes.NewReader(body))
		if err != nil {
			return 0, retry.Permanent(fmt.Errorf("tracker: failed to create request: %w", err))
		}
		req.SetBasicAuth(c.publicKey, c.secretKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("tracker: ingestion request failed: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusMultiStatus:
			_, _ = io.Copy(io.Discard, resp.Body)
			return http.StatusOK, nil
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &ingestionError{status: resp.StatusCode, body: string(respBody)}
	})
}

type ingestionError struct {
	status int
	body   string
}

func (e *ingestionError) Error() string {
	return fmt.Sprintf("tracker: ingestion failed with status %d: %s", e.status, e.body)
}

func (e *ingestionError) HTTPStatus() int { return e.status }
