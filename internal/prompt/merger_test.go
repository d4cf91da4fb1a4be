package prompt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
)

func mustPrompt(t *testing.T, text string) models.Prompt {
	t.Helper()
	p, err := models.ParsePrompt(text, models.DefaultSchema())
	if err != nil {
		t.Fatalf("ParsePrompt() error = %v", err)
	}
	return p
}

func TestBlockMergerMerge(t *testing.T) {
	base := "### Task\nExtract total.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics\n- Prefer the grand total.\n- Ignore tax lines."

	tests := []struct {
		name  string
		patch models.PromptPatch
		want  string
	}{
		{
			name:  "append separates with one blank line",
			patch: models.PromptPatch{TargetBlock: "Examples", Operation: models.PatchAppend, Content: "Input: b; Output: 2.00"},
			want:  "### Task\nExtract total.\n\n### Examples\nInput: a; Output: 1.00\n\nInput: b; Output: 2.00\n\n### Heuristics\n- Prefer the grand total.\n- Ignore tax lines.",
		},
		{
			name:  "append skips content already present",
			patch: models.PromptPatch{TargetBlock: "Heuristics", Operation: models.PatchAppend, Content: "- Ignore tax lines."},
			want:  base,
		},
		{
			name:  "replace swaps the body",
			patch: models.PromptPatch{TargetBlock: "Task", Operation: models.PatchReplace, Content: "Extract the invoice total."},
			want:  "### Task\nExtract the invoice total.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics\n- Prefer the grand total.\n- Ignore tax lines.",
		},
		{
			name:  "remove cuts matching content",
			patch: models.PromptPatch{TargetBlock: "Heuristics", Operation: models.PatchRemove, Content: "- Ignore tax lines."},
			want:  "### Task\nExtract total.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics\n- Prefer the grand total.",
		},
		{
			name:  "remove of absent content is a no-op",
			patch: models.PromptPatch{TargetBlock: "Heuristics", Operation: models.PatchRemove, Content: "- never written"},
			want:  base,
		},
		{
			name:  "remove ignores matches inside a line",
			patch: models.PromptPatch{TargetBlock: "Heuristics", Operation: models.PatchRemove, Content: "tax"},
			want:  base,
		},
		{
			name:  "remove cuts a run of lines",
			patch: models.PromptPatch{TargetBlock: "Heuristics", Operation: models.PatchRemove, Content: "- Prefer the grand total.\n- Ignore tax lines."},
			want:  "### Task\nExtract total.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics",
		},
		{
			name:  "operation name in upper case",
			patch: models.PromptPatch{TargetBlock: "Task", Operation: "APPEND", Content: "Use the grand total."},
			want:  "### Task\nExtract total.\n\nUse the grand total.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics\n- Prefer the grand total.\n- Ignore tax lines.",
		},
		{
			name:  "target written with header prefix",
			patch: models.PromptPatch{TargetBlock: "### heuristics", Operation: models.PatchAppend, Content: "- Use two decimals."},
			want:  "### Task\nExtract total.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics\n- Prefer the grand total.\n- Ignore tax lines.\n\n- Use two decimals.",
		},
		{
			name:  "missing known block is created in schema order",
			patch: models.PromptPatch{TargetBlock: "Output Format", Operation: models.PatchAppend, Content: "Two decimals."},
			want:  "### Task\nExtract total.\n\n### Output Format\nTwo decimals.\n\n### Examples\nInput: a; Output: 1.00\n\n### Heuristics\n- Prefer the grand total.\n- Ignore tax lines.",
		},
	}

	m := NewBlockMerger(models.DefaultSchema())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPrompt(t, base)
			got, err := m.Merge(p, tt.patch)
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got.Serialize()); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBlockMergerIsDeterministicAndPure(t *testing.T) {
	m := NewBlockMerger(nil)
	p := mustPrompt(t, "### Task\nExtract total.\n\n### Examples")
	before := p.Clone()
	patch := models.PromptPatch{TargetBlock: "Examples", Operation: models.PatchAppend, Content: "Input: ...; Output: 100.00"}

	first, err := m.Merge(p, patch)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	second, err := m.Merge(p, patch)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if first.Serialize() != second.Serialize() {
		t.Errorf("Merge() not deterministic:\n%s\n---\n%s", first.Serialize(), second.Serialize())
	}
	if diff := cmp.Diff(before, p); diff != "" {
		t.Errorf("Merge() mutated its input (-before +after):\n%s", diff)
	}
	if got, _ := first.Block(models.BlockExamples); got != "Input: ...; Output: 100.00" {
		t.Errorf("Examples = %q", got)
	}
}

func TestBlockMergerUnknownBlock(t *testing.T) {
	m := NewBlockMerger(models.DefaultSchema())
	p := mustPrompt(t, "### Task\nExtract total.")

	_, err := m.Merge(p, models.PromptPatch{TargetBlock: "Footer", Operation: models.PatchAppend, Content: "x"})
	var ube *domain.UnknownBlockError
	if !errors.As(err, &ube) {
		t.Fatalf("Merge() error = %v, want *UnknownBlockError", err)
	}
	if ube.Block != "Footer" {
		t.Errorf("Block = %q", ube.Block)
	}
	if !errors.Is(err, domain.ErrUnknownBlock) {
		t.Error("error does not wrap ErrUnknownBlock")
	}
}

func TestBlockMergerRejectsMalformedPatch(t *testing.T) {
	m := NewBlockMerger(models.DefaultSchema())
	p := mustPrompt(t, "### Task\nExtract total.")

	_, err := m.Merge(p, models.PromptPatch{TargetBlock: "Task", Operation: "rewrite", Content: "x"})
	if !errors.Is(err, domain.ErrInvalidPatch) {
		t.Errorf("Merge() error = %v, want ErrInvalidPatch", err)
	}
}

func TestBlockMergerResultRoundTrips(t *testing.T) {
	m := NewBlockMerger(models.DefaultSchema())
	patches := []models.PromptPatch{
		{TargetBlock: "Heuristics", Operation: models.PatchReplace, Content: "- a\n\n\n\n- b  "},
		{TargetBlock: "Examples", Operation: models.PatchAppend, Content: "  #### Input: a\n  Output: 1.00"},
		{TargetBlock: "Task", Operation: "Replace", Content: "   Extract the total.   "},
	}
	for _, patch := range patches {
		p := mustPrompt(t, "### Task\nExtract total.")
		got, err := m.Merge(p, patch)
		if err != nil {
			t.Fatalf("Merge(%v) error = %v", patch, err)
		}
		again := mustPrompt(t, got.Serialize())
		if diff := cmp.Diff(got.Blocks, again.Blocks); diff != "" {
			t.Errorf("Merge(%v) does not round-trip (-merged +reparsed):\n%s", patch, diff)
		}
	}
}

func TestBlockMergerRejectsIndentedHeader(t *testing.T) {
	m := NewBlockMerger(models.DefaultSchema())
	p := mustPrompt(t, "### Task\nExtract total.\n\n### Examples\nInput: a; Output: 1.00")

	for _, content := range []string{"  ### Task\nsmuggled", "ok\n\t### Heuristics\n- x"} {
		_, err := m.Merge(p, models.PromptPatch{TargetBlock: "Examples", Operation: models.PatchAppend, Content: content})
		if !errors.Is(err, domain.ErrInvalidPatch) {
			t.Errorf("Merge(%q) error = %v, want ErrInvalidPatch", content, err)
		}
	}
}

func TestBlockMergerRejectsHeaderAlreadyInBody(t *testing.T) {
	m := NewBlockMerger(models.DefaultSchema())
	p := models.Prompt{Version: 1, Blocks: []models.Block{{Name: models.BlockTask, Content: "  ### Examples"}}}

	_, err := m.Merge(p, models.PromptPatch{TargetBlock: "Task", Operation: models.PatchAppend, Content: "More."})
	if !errors.Is(err, domain.ErrInvalidPatch) {
		t.Errorf("Merge() error = %v, want ErrInvalidPatch", err)
	}
}
