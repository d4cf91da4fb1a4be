package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
	"github.com/longregen/promptloop/internal/ports"
	"github.com/longregen/promptloop/internal/prompt"
)

// StrategyOptions parameterizes strategy construction.
type StrategyOptions struct {
	Schema          models.Schema
	BatchSize       int
	SampleSize      int
	SampleThreshold float64
	Seed            int64
	NumericRelTol   float64
	NumericAbsTol   float64
	FuzzyThreshold  float64
}

// DefaultStrategyOptions returns sensible defaults
func DefaultStrategyOptions() StrategyOptions {
	return StrategyOptions{
		Schema:          models.DefaultSchema(),
		BatchSize:       3,
		SampleSize:      3,
		SampleThreshold: 1.0,
		Seed:            1,
		NumericRelTol:   1e-6,
		FuzzyThreshold:  0.9,
	}
}

// Factory builds a strategy from options.
type Factory[T any] func(opts StrategyOptions) (T, error)

// Registry is a name-keyed table of strategy factories.
type Registry[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// Register adds a factory. Names are unique per registry.
func (r *Registry[T]) Register(name string, f Factory[T]) error {
	if err := ValidateRequired(name, r.kind+" name"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return domain.NewDomainError(domain.ErrDuplicateStrategy, fmt.Sprintf("%s %q", r.kind, name))
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for package-level setup.
func (r *Registry[T]) MustRegister(name string, f Factory[T]) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Get builds the strategy registered under name.
func (r *Registry[T]) Get(name string, opts StrategyOptions) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, domain.NewDomainError(domain.ErrUnknownStrategy,
			fmt.Sprintf("%s %q (available: %v)", r.kind, name, r.Names()))
	}
	return f(opts)
}

// Names returns the registered names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Strategies groups the three registries the loop resolves at configuration time.
type Strategies struct {
	Scorers    *Registry[ports.Scorer]
	Mergers    *Registry[ports.Merger]
	Validators *Registry[ports.Validator]
}

// NewStrategies returns registries preloaded with the built-in strategies.
func NewStrategies() *Strategies {
	s := &Strategies{
		Scorers:    NewRegistry[ports.Scorer]("scorer"),
		Mergers:    NewRegistry[ports.Merger]("merger"),
		Validators: NewRegistry[ports.Validator]("validator"),
	}

	s.Scorers.MustRegister(prompt.ExactMatchName, func(StrategyOptions) (ports.Scorer, error) {
		return prompt.ExactMatchScorer{}, nil
	})
	s.Scorers.MustRegister(prompt.NumericName, func(o StrategyOptions) (ports.Scorer, error) {
		return prompt.NewNumericScorer(o.NumericRelTol, o.NumericAbsTol), nil
	})
	s.Scorers.MustRegister(prompt.FuzzyName, func(o StrategyOptions) (ports.Scorer, error) {
		return prompt.NewFuzzyScorer(o.FuzzyThreshold), nil
	})

	s.Mergers.MustRegister(prompt.BlockMergerName, func(o StrategyOptions) (ports.Merger, error) {
		if err := o.Schema.Validate(); err != nil {
			return nil, err
		}
		return prompt.NewBlockMerger(o.Schema), nil
	})

	s.Validators.MustRegister(FullValidatorName, func(StrategyOptions) (ports.Validator, error) {
		return &FullValidator{}, nil
	})
	s.Validators.MustRegister(BatchedValidatorName, func(o StrategyOptions) (ports.Validator, error) {
		if err := ValidatePositive(o.BatchSize, "batch size"); err != nil {
			return nil, err
		}
		return NewBatchedValidator(o.BatchSize), nil
	})
	s.Validators.MustRegister(SingleExampleValidatorName, func(StrategyOptions) (ports.Validator, error) {
		return &SingleExampleValidator{}, nil
	})
	s.Validators.MustRegister(SampleValidatorName, func(o StrategyOptions) (ports.Validator, error) {
		if err := ValidatePositive(o.SampleSize, "sample size"); err != nil {
			return nil, err
		}
		return NewSampleValidator(o.SampleSize, o.SampleThreshold, o.Seed), nil
	})
	s.Validators.MustRegister(NoneValidatorName, func(StrategyOptions) (ports.Validator, error) {
		return &NoneValidator{}, nil
	})

	return s
}

// ResolvedStrategies is one concrete choice of scorer, merger and validator.
type ResolvedStrategies struct {
	Scorer    ports.Scorer
	Merger    ports.Merger
	Validator ports.Validator
}

// Resolve looks up every selected name.
func (s *Strategies) Resolve(sel ports.StrategySelection, opts StrategyOptions) (ResolvedStrategies, error) {
	var out ResolvedStrategies
	var err error
	if out.Scorer, err = s.Scorers.Get(sel.Scorer, opts); err != nil {
		return ResolvedStrategies{}, err
	}
	if out.Merger, err = s.Mergers.Get(sel.Merger, opts); err != nil {
		return ResolvedStrategies{}, err
	}
	if out.Validator, err = s.Validators.Get(sel.Validator, opts); err != nil {
		return ResolvedStrategies{}, err
	}
	return out, nil
}

// DefaultSelection is the strategy set used when nothing is configured.
func DefaultSelection() ports.StrategySelection {
	return ports.StrategySelection{
		Scorer:    prompt.ExactMatchName,
		Merger:    prompt.BlockMergerName,
		Validator: FullValidatorName,
	}
}

// WithDefaults fills empty names from defaults.
func WithDefaults(sel, defaults ports.StrategySelection) ports.StrategySelection {
	if sel.Scorer == "" {
		sel.Scorer = defaults.Scorer
	}
	if sel.Merger == "" {
		sel.Merger = defaults.Merger
	}
	if sel.Validator == "" {
		sel.Validator = defaults.Validator
	}
	return sel
}
