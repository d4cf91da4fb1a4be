// Package prompt holds the prompt-level strategies of the optimization loop
// and its dspy-go integration.
//
// # Merging
//
// BlockMerger applies a PromptPatch to one named block of a prompt. It is
// deterministic and never calls a model:
//
//	m := prompt.NewBlockMerger(models.DefaultSchema())
//	candidate, err := m.Merge(current, models.PromptPatch{
//	    TargetBlock: "Examples",
//	    Operation:   models.PatchAppend,
//	    Content:     "Input: ...; Output: 100.00",
//	})
//
// A patch naming a block outside the schema fails with *domain.UnknownBlockError.
//
// # Scoring
//
// ExactMatchScorer, NumericScorer and FuzzyScorer compare a prediction to its
// gold label and return pass/fail.
//
// # Refinement
//
// RefinerSignature describes the structured call the refiner makes:
//
//	guidelines, prompt, failing_input, gold_output, prediction, rationale,
//	failed_attempts -> analysis, target_block, operation, content
//
// NewRefinerPredictor binds it to a model through LLMAdapter, which exposes
// any Completer (see internal/llm) as a dspy-go core.LLM.
package prompt
