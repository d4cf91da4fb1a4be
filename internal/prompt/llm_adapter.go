package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
)

// Completer is the single-turn chat call the adapter needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

var errUnsupported = errors.New("not supported by the promptloop llm adapter")

// LLMAdapter exposes a Completer as a dspy-go core.LLM. Only text generation
// is wired; the refiner never needs embeddings, tools or streaming.
type LLMAdapter struct {
	completer Completer
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(completer Completer) *LLMAdapter {
	return &LLMAdapter{completer: completer}
}

// Generate implements the dspy-go LLM interface
func (a *LLMAdapter) Generate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	content, err := a.completer.Complete(ctx, "", prompt)
	if err != nil {
		return nil, fmt.Errorf("llm completion failed: %w", err)
	}
	return &core.LLMResponse{Content: content}, nil
}

func (a *LLMAdapter) GenerateWithJSON(ctx context.Context, prompt string, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithJSON: %w", errUnsupported)
}

func (a *LLMAdapter) GenerateWithFunctions(ctx context.Context, prompt string, functions []map[string]interface{}, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithFunctions: %w", errUnsupported)
}

func (a *LLMAdapter) CreateEmbedding(ctx context.Context, input string, opts ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbedding: %w", errUnsupported)
}

func (a *LLMAdapter) CreateEmbeddings(ctx context.Context, inputs []string, opts ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbeddings: %w", errUnsupported)
}

func (a *LLMAdapter) StreamGenerate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerate: %w", errUnsupported)
}

func (a *LLMAdapter) GenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	return nil, fmt.Errorf("GenerateWithContent: %w", errUnsupported)
}

func (a *LLMAdapter) StreamGenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerateWithContent: %w", errUnsupported)
}

// ProviderName returns the provider name
func (a *LLMAdapter) ProviderName() string {
	return "promptloop"
}

// ModelID returns the model identifier
func (a *LLMAdapter) ModelID() string {
	return a.completer.Model()
}

// Capabilities returns the capabilities of this LLM
func (a *LLMAdapter) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityChat, core.CapabilityCompletion}
}
