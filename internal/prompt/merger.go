package prompt

import (
	"fmt"
	"strings"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
)

// BlockMergerName is the registry key of BlockMerger.
const BlockMergerName = "block_based"

// BlockMerger applies patches textually to named blocks.
type BlockMerger struct {
	schema models.Schema
}

// NewBlockMerger creates a merger that only accepts blocks named in schema.
func NewBlockMerger(schema models.Schema) *BlockMerger {
	if len(schema) == 0 {
		schema = models.DefaultSchema()
	}
	return &BlockMerger{schema: schema}
}

func (m *BlockMerger) Name() string {
	return BlockMergerName
}

// Merge returns a new prompt; the input prompt is never modified.
//
//	append:  content goes after the block body, separated by one blank line,
//	         unless the block already contains it verbatim
//	replace: content becomes the block body
//	remove:  every run of whole lines equal to content is cut from the
//	         block; no-op if absent
//
// A known block missing from the prompt is created at its schema position
// (append and replace only).
func (m *BlockMerger) Merge(p models.Prompt, patch models.PromptPatch) (models.Prompt, error) {
	name, ok := m.schema.Resolve(patch.TargetBlock)
	if !ok {
		return models.Prompt{}, &domain.UnknownBlockError{Block: patch.TargetBlock, Known: m.schema}
	}
	if err := patch.Validate(); err != nil {
		return models.Prompt{}, err
	}
	op, err := models.ParsePatchOperation(string(patch.Operation))
	if err != nil {
		return models.Prompt{}, err
	}

	out := p.Clone()
	content := models.NormalizeContent(patch.Content)

	idx := -1
	for i, b := range out.Blocks {
		if b.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		if op == models.PatchRemove {
			return out, nil
		}
		idx = m.insertBlock(&out, name)
	}

	body := out.Blocks[idx].Content
	switch op {
	case models.PatchAppend:
		switch {
		case body == "":
			body = content
		case strings.Contains(body, content):
		default:
			body = body + "\n\n" + content
		}
	case models.PatchReplace:
		body = content
	case models.PatchRemove:
		body = removeLines(body, content)
	}
	body = models.NormalizeContent(body)
	if models.ContainsHeader(body) {
		return models.Prompt{}, domain.NewDomainError(domain.ErrInvalidPatch,
			fmt.Sprintf("block %q would contain a block header", name))
	}
	out.Blocks[idx].Content = body
	return out, nil
}

// removeLines drops every run of lines in body that equals the lines of
// target, ignoring trailing whitespace. Partial lines are never cut.
func removeLines(body, target string) string {
	lines := strings.Split(body, "\n")
	want := strings.Split(target, "\n")
	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); {
		if matchLines(lines[i:], want) {
			i += len(want)
			continue
		}
		kept = append(kept, lines[i])
		i++
	}
	return strings.Join(kept, "\n")
}

func matchLines(lines, want []string) bool {
	if len(lines) < len(want) {
		return false
	}
	for i, w := range want {
		if strings.TrimRight(lines[i], " \t") != w {
			return false
		}
	}
	return true
}

// insertBlock adds an empty block at its schema position and returns its index.
func (m *BlockMerger) insertBlock(p *models.Prompt, name string) int {
	pos := len(p.Blocks)
	want := m.schema.Index(name)
	for i, b := range p.Blocks {
		if m.schema.Index(b.Name) > want {
			pos = i
			break
		}
	}
	p.Blocks = append(p.Blocks, models.Block{})
	copy(p.Blocks[pos+1:], p.Blocks[pos:])
	p.Blocks[pos] = models.Block{Name: name}
	return pos
}
