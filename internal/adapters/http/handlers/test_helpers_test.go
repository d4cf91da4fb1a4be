package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
)

// setURLParam adds a URL parameter to the request context (chi router style)
func setURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// MockIDGenerator is a mock ID generator for testing
type MockIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func (m *MockIDGenerator) nextID(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("%s_test_%d", prefix, m.counter)
}

func (m *MockIDGenerator) GenerateRunID() string     { return m.nextID("run") }
func (m *MockIDGenerator) GenerateEventID() string   { return m.nextID("evt") }
func (m *MockIDGenerator) GenerateExampleID() string { return m.nextID("ex") }

// MockRunService keeps runs and events in memory
type MockRunService struct {
	mu        sync.Mutex
	runs      map[string]*models.OptimizationRun
	events    map[string][]models.Event
	started   []ports.RunRequest
	cancelled []string
	startErr  error
}

func NewMockRunService() *MockRunService {
	return &MockRunService{
		runs:   make(map[string]*models.OptimizationRun),
		events: make(map[string][]models.Event),
	}
}

func (m *MockRunService) addRun(run *models.OptimizationRun, events ...models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	m.events[run.ID] = append(m.events[run.ID], events...)
}

func (m *MockRunService) Start(_ context.Context, req ports.RunRequest) (*models.OptimizationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, req)
	run := models.NewOptimizationRun(fmt.Sprintf("run_mock_%d", len(m.started)), req.Prompt, nil)
	m.runs[run.ID] = run
	return run, nil
}

func (m *MockRunService) Execute(context.Context, ports.RunRequest) (*models.RunResult, error) {
	return nil, fmt.Errorf("not supported")
}

func (m *MockRunService) Cancel(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return domain.NewDomainError(domain.ErrRunNotFound, runID)
	}
	if run.Status.Terminal() {
		return domain.NewDomainError(domain.ErrRunNotActive, runID)
	}
	m.cancelled = append(m.cancelled, runID)
	return nil
}

func (m *MockRunService) Get(_ context.Context, runID string) (*models.OptimizationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrRunNotFound, runID)
	}
	cp := *run
	return &cp, nil
}

func (m *MockRunService) List(_ context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.OptimizationRun
	for _, run := range m.runs {
		if status == "" || run.Status == status {
			out = append(out, run)
		}
	}
	return out, nil
}

func (m *MockRunService) Events(_ context.Context, runID string, limit, offset int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, domain.NewDomainError(domain.ErrRunNotFound, runID)
	}
	return append([]models.Event(nil), m.events[runID]...), nil
}

var _ ports.RunService = (*MockRunService)(nil)

func testPrompt() models.Prompt {
	p, err := models.NewPrompt(models.DefaultSchema(),
		models.Block{Name: models.BlockTask, Content: "Answer the question."},
		models.Block{Name: models.BlockHeuristics, Content: "- be brief"},
	)
	if err != nil {
		panic(err)
	}
	return p
}
