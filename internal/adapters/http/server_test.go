package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/longregen/promptloop/internal/adapters/http/dto"
	"github.com/longregen/promptloop/internal/adapters/id"
	"github.com/longregen/promptloop/internal/adapters/memory"
	"github.com/longregen/promptloop/internal/application/services"
	"github.com/longregen/promptloop/internal/config"
	"github.com/longregen/promptloop/internal/domain/models"
)

// echoInvoker answers every example with its gold output, so runs finish
// without refinement.
type echoInvoker struct {
	gold map[string]string
}

func (e echoInvoker) Invoke(_ context.Context, _ string, input map[string]string) (models.ModelOutput, error) {
	return models.ModelOutput{Text: e.gold[input["q"]]}, nil
}

func newTestServer(t *testing.T, apiKey string) (*Server, *services.RunService) {
	t.Helper()
	runs := memory.NewRunRepository()
	events := memory.NewEventRepository()
	invoker := echoInvoker{gold: map[string]string{"1+1": "2", "2+2": "4"}}

	svc := services.NewRunService(runs, events, id.New(), invoker, nil, nil, services.DefaultRunServiceConfig(), nil)

	cfg := config.DefaultConfig().Server
	cfg.APIKey = apiKey
	srv := NewServer(cfg, Dependencies{
		Runs:    svc,
		IDGen:   id.New(),
		Version: "test",
		Strategies: dto.StrategiesResponse{
			Validators: services.NewStrategies().Validators.Names(),
		},
	}, nil)
	return srv, svc
}

func TestServer_RunLifecycle(t *testing.T) {
	srv, svc := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, err := json.Marshal(map[string]any{
		"prompt": "### Task\nAnswer the arithmetic question.",
		"train_set": []map[string]any{
			{"id": "a", "input": map[string]string{"q": "1+1"}, "gold": "2"},
			{"id": "b", "input": map[string]string{"q": "2+2"}, "gold": "4"},
		},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created dto.RunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := svc.Wait(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/runs/"+created.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/msgpack")
	got, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var run map[string]any
	require.NoError(t, msgpack.NewDecoder(got.Body).Decode(&run))
	assert.Equal(t, "completed", run["status"])
	assert.EqualValues(t, 2, run["passed"])

	events, err := http.Get(ts.URL + "/api/v1/runs/" + created.ID + "/events")
	require.NoError(t, err)
	defer events.Body.Close()
	var list dto.EventListResponse
	require.NoError(t, json.NewDecoder(events.Body).Decode(&list))
	require.NotEmpty(t, list.Events)
	assert.Equal(t, models.EventRunStarted, list.Events[0].Type)
	assert.Equal(t, models.EventRunCompleted, list.Events[len(list.Events)-1].Type)
}

func TestServer_Routes(t *testing.T) {
	srv, _ := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/health/detailed", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/strategies", http.StatusOK},
		{http.MethodGet, "/api/v1/runs", http.StatusOK},
		{http.MethodGet, "/api/v1/runs/run_missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/runs/not-a-run-id", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/runs/run_missing/cancel", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/runs", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServer_APIKeyProtectsAPI(t *testing.T) {
	srv, _ := newTestServer(t, "s3cret")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
