package prompt

import (
	"fmt"
	"strings"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
)

// Signature wraps a dspy-go signature with a readable name.
type Signature struct {
	core.Signature
	Name string
}

// MustParseSignature creates a signature from a string or panics
func MustParseSignature(sig string) Signature {
	s, err := ParseSignature(sig)
	if err != nil {
		panic(fmt.Sprintf("failed to parse signature: %v", err))
	}
	return s
}

// ParseSignature creates a signature from a string like "input1, input2 -> output1, output2"
func ParseSignature(sig string) (Signature, error) {
	parts := strings.Split(sig, "->")
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature format: %s", sig)
	}

	inputFields := parseFields(parts[0])
	outputFields := parseFields(parts[1])
	if len(inputFields) == 0 || len(outputFields) == 0 {
		return Signature{}, fmt.Errorf("signature needs inputs and outputs: %s", sig)
	}

	inputs := make([]core.InputField, len(inputFields))
	for i, f := range inputFields {
		inputs[i] = core.InputField{Field: f}
	}
	outputs := make([]core.OutputField, len(outputFields))
	for i, f := range outputFields {
		outputs[i] = core.OutputField{Field: f}
	}

	return Signature{
		Signature: core.NewSignature(inputs, outputs),
		Name:      generateName(sig),
	}, nil
}

func parseFields(fieldStr string) []core.Field {
	var fields []core.Field
	for _, part := range strings.Split(fieldStr, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fields = append(fields, core.NewField(name))
	}
	return fields
}

func generateName(sig string) string {
	r := strings.NewReplacer("->", "_to_", ",", "_", " ", "_", ":", "_")
	return r.Replace(strings.TrimSpace(sig))
}

// Refiner signature fields.
const (
	FieldGuidelines     = "guidelines"
	FieldPrompt         = "prompt"
	FieldFailingInput   = "failing_input"
	FieldGoldOutput     = "gold_output"
	FieldPrediction     = "prediction"
	FieldRationale      = "rationale"
	FieldFailedAttempts = "failed_attempts"

	FieldAnalysis    = "analysis"
	FieldTargetBlock = "target_block"
	FieldOperation   = "operation"
	FieldContent     = "content"
)

// RefinerSignature asks the model to diagnose one failure and answer with a
// single structured patch.
var RefinerSignature = MustParseSignature(
	"guidelines, prompt, failing_input, gold_output, prediction, rationale, failed_attempts -> analysis, target_block, operation, content",
)

// RefinerGuidelines is the standing instruction passed with every refine call.
func RefinerGuidelines(blocks []string) string {
	var sb strings.Builder
	sb.WriteString("You improve a block-structured prompt so the model produces the gold output for the failing input.\n")
	sb.WriteString("Diagnose why the prediction is wrong, then propose exactly one change.\n")
	fmt.Fprintf(&sb, "target_block must be one of: %s.\n", strings.Join(blocks, ", "))
	sb.WriteString("operation must be one of: append, replace, remove.\n")
	sb.WriteString("append adds content to the end of the block; replace swaps the whole block body; remove deletes content from the block.\n")
	sb.WriteString("Prefer general rules in Heuristics or a worked example in Examples over restating the task.\n")
	sb.WriteString("Never repeat a change listed under failed_attempts.\n")
	sb.WriteString("Answer operation: none if no change would help.")
	return sb.String()
}
