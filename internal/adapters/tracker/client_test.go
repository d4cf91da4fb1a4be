package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longregen/promptloop/internal/adapters/retry"
	"github.com/longregen/promptloop/internal/domain/models"
)

type capturedBatch struct {
	Batch []struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	} `json:"batch"`
}

func fastRetry() retry.BackoffConfig {
	return retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      2,
		Multiplier:      2,
	}
}

func TestNewClient_AddsScheme(t *testing.T) {
	assert.Equal(t, "https://cloud.langfuse.com", NewClient("cloud.langfuse.com/", "pk", "sk").baseURL)
	assert.Equal(t, "http://localhost:3000", NewClient("http://localhost:3000", "pk", "sk").baseURL)
}

func TestIngest_SendsBatchWithBasicAuth(t *testing.T) {
	var got capturedBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public/ingestion", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "pk", user)
		assert.Equal(t, "sk", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk", "sk").WithRetry(fastRetry())
	err := c.Ingest(context.Background(), []IngestionEvent{
		{ID: "e1", Type: "trace-create", Timestamp: time.Now(), Body: TraceBody{ID: "run-1"}},
	})
	require.NoError(t, err)
	require.Len(t, got.Batch, 1)
	assert.Equal(t, "trace-create", got.Batch[0].Type)
}

func TestIngest_EmptyBatchIsNoop(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "pk", "sk")
	assert.NoError(t, c.Ingest(context.Background(), nil))
}

func TestIngest_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk", "sk").WithRetry(fastRetry())
	require.NoError(t, c.Ingest(context.Background(), []IngestionEvent{{ID: "e1", Type: "score-create"}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIngest_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad keys", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "pk", "sk").WithRetry(fastRetry())
	err := c.Ingest(context.Background(), []IngestionEvent{{ID: "e1", Type: "score-create"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

type fakeIngester struct {
	mu      sync.Mutex
	batches [][]IngestionEvent
}

func (f *fakeIngester) Ingest(_ context.Context, events []IngestionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, events)
	return nil
}

func TestListener_BuffersUntilRunCompleted(t *testing.T) {
	ing := &fakeIngester{}
	l := NewListener(ing, nil, "ci")
	ctx := context.Background()
	now := time.Now()

	patch := &models.PromptPatch{TargetBlock: models.BlockHeuristics, Operation: models.PatchAppend, Content: "be brief"}
	events := []models.Event{
		{ID: "e1", RunID: "r1", Type: models.EventRunStarted, Timestamp: now, Prompt: "### Task\nx", PromptVersion: 1},
		{ID: "e2", RunID: "r1", Type: models.EventEvaluationCompleted, Timestamp: now, Summary: &models.EvaluationSummary{Total: 4, Passed: 2}},
		{ID: "e3", RunID: "r1", Type: models.EventRefineProposed, Timestamp: now},
		{ID: "e4", RunID: "r1", Type: models.EventValidationAccepted, Timestamp: now, Patch: patch, Reason: "no regressions"},
	}
	for _, e := range events {
		require.NoError(t, l.OnEvent(ctx, e))
	}
	assert.Empty(t, ing.batches)

	require.NoError(t, l.OnEvent(ctx, models.Event{
		ID: "e5", RunID: "r1", Type: models.EventRunCompleted, Timestamp: now, Status: models.RunStatusCompleted,
	}))
	require.Len(t, ing.batches, 1)

	batch := ing.batches[0]
	types := make([]string, len(batch))
	for i, item := range batch {
		types[i] = item.Type
	}
	assert.Equal(t, []string{"trace-create", "score-create", "score-create", "trace-create", "score-create"}, types)

	start := batch[0].Body.(TraceBody)
	assert.Equal(t, "r1", start.ID)
	assert.Equal(t, []string{"ci"}, start.Tags)

	rate := batch[1].Body.(ScoreBody)
	assert.Equal(t, "train_pass_rate", rate.Name)
	assert.InDelta(t, 0.5, rate.Value, 1e-9)

	accepted := batch[2].Body.(ScoreBody)
	assert.Equal(t, ScoreBoolean, accepted.DataType)
	assert.Equal(t, 1, accepted.Value)
	assert.Contains(t, accepted.Comment, "no regressions")

	status := batch[4].Body.(ScoreBody)
	assert.Equal(t, "completed", status.Value)
}

func TestListener_FlushesWhenBufferFills(t *testing.T) {
	ing := &fakeIngester{}
	l := NewListener(ing, nil)
	l.flushSize = 2
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.OnEvent(ctx, models.Event{
			ID: id, RunID: "r1", Type: models.EventValidationRejected, Iteration: i,
		}))
	}
	require.Len(t, ing.batches, 1)
	assert.Len(t, ing.batches[0], 2)
	assert.Len(t, l.pending["r1"], 1)
}
