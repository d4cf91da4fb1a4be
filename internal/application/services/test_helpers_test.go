package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
	"github.com/longregen/promptloop/internal/prompt"
)

// Shared mock implementations for testing

type mockIDGenerator struct {
	runCounter     atomic.Int64
	eventCounter   atomic.Int64
	exampleCounter atomic.Int64
}

func (m *mockIDGenerator) GenerateRunID() string {
	return fmt.Sprintf("run_test%d", m.runCounter.Add(1))
}

func (m *mockIDGenerator) GenerateEventID() string {
	return fmt.Sprintf("evt_test%d", m.eventCounter.Add(1))
}

func (m *mockIDGenerator) GenerateExampleID() string {
	return fmt.Sprintf("ex_test%d", m.exampleCounter.Add(1))
}

// ruleInvoker answers from the serialized prompt: an example's output is
// rule(prompt, input). It counts calls.
type ruleInvoker struct {
	rule  func(prompt string, input map[string]string) (string, error)
	calls atomic.Int64
}

func (i *ruleInvoker) Invoke(_ context.Context, prompt string, input map[string]string) (models.ModelOutput, error) {
	i.calls.Add(1)
	out, err := i.rule(prompt, input)
	if err != nil {
		return models.ModelOutput{}, err
	}
	return models.ModelOutput{Text: out}, nil
}

// markerInvoker passes an example when the prompt contains the marker named
// by the example's "marker" input, and fails an example once the prompt
// contains any of its "breaks" input.
func markerInvoker() *ruleInvoker {
	return &ruleInvoker{rule: func(p string, input map[string]string) (string, error) {
		if b := input["breaks"]; b != "" && strings.Contains(p, b) {
			return "broken", nil
		}
		if m := input["marker"]; m != "" && strings.Contains(p, m) {
			return input["answer"], nil
		}
		if input["marker"] == "" {
			return input["answer"], nil
		}
		return "wrong", nil
	}}
}

// markerExample passes once marker appears in the prompt.
func markerExample(id, marker string) models.LabeledExample {
	return models.LabeledExample{
		ID:    id,
		Input: map[string]string{"marker": marker, "answer": "ok-" + id},
		Gold:  "ok-" + id,
	}
}

// passingExample always passes unless breaker appears in the prompt.
func passingExample(id, breaker string) models.LabeledExample {
	return models.LabeledExample{
		ID:    id,
		Input: map[string]string{"breaks": breaker, "answer": "ok-" + id},
		Gold:  "ok-" + id,
	}
}

// scriptedRefiner returns patches from a per-example script; once a script
// runs out it returns nil.
type scriptedRefiner struct {
	mu      sync.Mutex
	scripts map[string][]*models.PromptPatch
	calls   map[string]int
	reqs    []ports.RefineRequest
	block   chan struct{}
}

func newScriptedRefiner(scripts map[string][]*models.PromptPatch) *scriptedRefiner {
	return &scriptedRefiner{scripts: scripts, calls: make(map[string]int)}
}

func (r *scriptedRefiner) Propose(ctx context.Context, req ports.RefineRequest) (*models.PromptPatch, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	n := r.calls[req.Example.ID]
	r.calls[req.Example.ID] = n + 1
	script := r.scripts[req.Example.ID]
	if n >= len(script) {
		return nil, nil
	}
	return script[n], nil
}

func (r *scriptedRefiner) callsFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

// markerRefiner appends "marker" for every example, to Heuristics.
type markerRefiner struct{}

func (markerRefiner) Propose(_ context.Context, req ports.RefineRequest) (*models.PromptPatch, error) {
	return &models.PromptPatch{
		TargetBlock: models.BlockHeuristics,
		Operation:   models.PatchAppend,
		Content:     req.Example.Input["marker"],
	}, nil
}

func appendPatch(block, content string) *models.PromptPatch {
	return &models.PromptPatch{TargetBlock: block, Operation: models.PatchAppend, Content: content}
}

func testPrompt() models.Prompt {
	p, err := models.NewPrompt(models.DefaultSchema(),
		models.Block{Name: models.BlockTask, Content: "Extract total."},
		models.Block{Name: models.BlockExamples, Content: ""},
		models.Block{Name: models.BlockHeuristics, Content: ""},
	)
	if err != nil {
		panic(err)
	}
	return p
}

// spyValidator records the candidates it sees and delegates.
type spyValidator struct {
	ports.Validator
	mu    sync.Mutex
	seen  []models.Prompt
	calls int
}

func (v *spyValidator) Validate(ctx context.Context, req ports.ValidationRequest) (models.ValidationResult, error) {
	v.mu.Lock()
	v.seen = append(v.seen, req.Candidate)
	v.calls++
	v.mu.Unlock()
	return v.Validator.Validate(ctx, req)
}

type spyBatchValidator struct {
	*spyValidator
	k int
}

func (v *spyBatchValidator) BatchSize() int { return v.k }

// recordingListener captures every event and can request a stop on one type.
type recordingListener struct {
	mu     sync.Mutex
	events []models.Event
	stopOn models.EventType
}

func (l *recordingListener) OnEvent(_ context.Context, e models.Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	if l.stopOn != "" && e.Type == l.stopOn {
		return domain.NewDomainError(domain.ErrStopRequested, "test stop")
	}
	return nil
}

func (l *recordingListener) types() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *recordingListener) count(t models.EventType) int {
	n := 0
	for _, et := range l.types() {
		if et == t {
			n++
		}
	}
	return n
}

func newTestOptimizer(invoker ports.ModelInvoker, refiner ports.Refiner, validator ports.Validator, config OptimizerConfig) *Optimizer {
	evaluator := NewEvaluator(invoker, prompt.ExactMatchScorer{}, EvaluatorConfig{Concurrency: 4}, nil)
	return NewOptimizer(evaluator, refiner, prompt.NewBlockMerger(nil), validator, &mockIDGenerator{}, config, nil)
}

func outcomeByID(result *models.RunResult) map[string]models.ExampleOutcome {
	out := make(map[string]models.ExampleOutcome, len(result.Outcomes))
	for _, o := range result.Outcomes {
		out[o.ExampleID] = o
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// memRunRepo and memEventRepo are minimal in-memory repositories.
type memRunRepo struct {
	mu   sync.Mutex
	runs map[string]models.OptimizationRun
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[string]models.OptimizationRun)}
}

func (r *memRunRepo) Create(_ context.Context, run *models.OptimizationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRunRepo) Update(_ context.Context, run *models.OptimizationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return domain.ErrNotFound
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *memRunRepo) GetByID(_ context.Context, id string) (*models.OptimizationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &run, nil
}

func (r *memRunRepo) List(_ context.Context, status models.RunStatus, limit, offset int) ([]*models.OptimizationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.OptimizationRun
	for _, id := range sortedKeys(r.runs) {
		run := r.runs[id]
		if status == "" || run.Status == status {
			out = append(out, &run)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:min(len(out), offset+limit)], nil
}

type memEventRepo struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *memEventRepo) Append(_ context.Context, e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memEventRepo) ListByRun(_ context.Context, runID string, limit, offset int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:min(len(out), offset+limit)], nil
}
