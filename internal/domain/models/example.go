package models

import (
	"fmt"
	"sort"
	"strings"
)

// LabeledExample is an input payload plus its gold output.
type LabeledExample struct {
	ID     string            `json:"id" yaml:"id" msgpack:"id"`
	Input  map[string]string `json:"input" yaml:"input" msgpack:"input"`
	Gold   string            `json:"gold" yaml:"gold" msgpack:"gold"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty" msgpack:"labels,omitempty"`
}

// FormatInput renders the input fields as "key: value" lines in key order.
func (e LabeledExample) FormatInput() string {
	keys := make([]string, 0, len(e.Input))
	for k := range e.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", k, e.Input[k])
	}
	return sb.String()
}

// Prediction is the output produced for one example under one prompt version.
type Prediction struct {
	ExampleID     string `json:"example_id" msgpack:"example_id"`
	PromptVersion int    `json:"prompt_version" msgpack:"prompt_version"`
	Output        string `json:"output" msgpack:"output"`
	Rationale     string `json:"rationale,omitempty" msgpack:"rationale,omitempty"`
}

// ModelOutput is what a model invoker returns for a single call.
type ModelOutput struct {
	Text      string
	Rationale string
}

// FailureKind classifies why an example could not be scored.
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureMalformed FailureKind = "malformed_output"
	FailureInvoker   FailureKind = "invoker_error"
)

// InvocationFailure marks an example whose model call failed. Such examples
// count as failed, never as errors of the evaluation pass.
type InvocationFailure struct {
	Kind    FailureKind `json:"kind" msgpack:"kind"`
	Message string      `json:"message" msgpack:"message"`
}

// EvaluationResult is the outcome of one example under one prompt.
type EvaluationResult struct {
	Example    LabeledExample     `json:"example" msgpack:"example"`
	Prediction Prediction         `json:"prediction" msgpack:"prediction"`
	Passed     bool               `json:"passed" msgpack:"passed"`
	Failure    *InvocationFailure `json:"failure,omitempty" msgpack:"failure,omitempty"`
}

// EvaluationSummary counts passes over a set of results.
type EvaluationSummary struct {
	Total  int `json:"total" msgpack:"total"`
	Passed int `json:"passed" msgpack:"passed"`
	Failed int `json:"failed" msgpack:"failed"`
	Errors int `json:"errors" msgpack:"errors"`
}

// PassRate returns Passed/Total, or 0 for an empty set.
func (s EvaluationSummary) PassRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total)
}

// Summarize counts results.
func Summarize(results []EvaluationResult) EvaluationSummary {
	s := EvaluationSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Passed:
			s.Passed++
		case r.Failure != nil:
			s.Failed++
			s.Errors++
		default:
			s.Failed++
		}
	}
	return s
}

// IndexResults keys results by example id.
func IndexResults(results []EvaluationResult) map[string]EvaluationResult {
	idx := make(map[string]EvaluationResult, len(results))
	for _, r := range results {
		idx[r.Example.ID] = r
	}
	return idx
}
