package models

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/longregen/promptloop/internal/domain"
)

// BlockHeaderPrefix marks the start of a named block in a serialized prompt.
const BlockHeaderPrefix = "### "

// Default block names, in canonical order.
const (
	BlockTask         = "Task"
	BlockOutputFormat = "Output Format"
	BlockExamples     = "Examples"
	BlockHeuristics   = "Heuristics"
)

// Schema is the fixed, ordered set of block names a prompt may contain.
type Schema []string

// DefaultSchema returns the block schema used when none is configured.
func DefaultSchema() Schema {
	return Schema{BlockTask, BlockOutputFormat, BlockExamples, BlockHeuristics}
}

// Resolve maps a loosely written block name ("### heuristics", "Heuristics ")
// to its canonical schema name.
func (s Schema) Resolve(name string) (string, bool) {
	needle := normalizeBlockName(name)
	if needle == "" {
		return "", false
	}
	for _, known := range s {
		if strings.EqualFold(known, needle) {
			return known, true
		}
	}
	return "", false
}

// Index returns the canonical position of name, or -1.
func (s Schema) Index(name string) int {
	for i, known := range s {
		if known == name {
			return i
		}
	}
	return -1
}

// Validate checks the schema has no empty or duplicate names.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return domain.NewDomainError(domain.ErrInvalidPrompt, "block schema is empty")
	}
	seen := make(map[string]struct{}, len(s))
	for _, name := range s {
		key := strings.ToLower(normalizeBlockName(name))
		if key == "" {
			return domain.NewDomainError(domain.ErrInvalidPrompt, "block schema contains an empty name")
		}
		if _, dup := seen[key]; dup {
			return domain.NewDomainError(domain.ErrDuplicateBlock, fmt.Sprintf("block %q appears twice in schema", name))
		}
		seen[key] = struct{}{}
	}
	return nil
}

func normalizeBlockName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "#")
	name = strings.TrimSpace(name)
	return strings.TrimSuffix(name, ":")
}

// Block is one named section of a prompt.
type Block struct {
	Name    string `json:"name" msgpack:"name"`
	Content string `json:"content" msgpack:"content"`
}

// Prompt is an ordered sequence of named blocks plus the version it was
// accepted at. Candidates carry the version of the prompt they were built from.
type Prompt struct {
	Version int     `json:"version" msgpack:"version"`
	Blocks  []Block `json:"blocks" msgpack:"blocks"`
}

// NewPrompt builds a prompt from blocks, rejecting unknown and duplicate names.
// Block contents are normalized.
func NewPrompt(schema Schema, blocks ...Block) (Prompt, error) {
	p := Prompt{Version: 1, Blocks: make([]Block, 0, len(blocks))}
	seen := make(map[string]struct{}, len(blocks))
	for _, b := range blocks {
		name, ok := schema.Resolve(b.Name)
		if !ok {
			return Prompt{}, &domain.UnknownBlockError{Block: b.Name, Known: schema}
		}
		if _, dup := seen[name]; dup {
			return Prompt{}, domain.NewDomainError(domain.ErrDuplicateBlock, fmt.Sprintf("block %q", name))
		}
		content := NormalizeContent(b.Content)
		if ContainsHeader(b.Content) || ContainsHeader(content) {
			return Prompt{}, domain.NewDomainError(domain.ErrInvalidPrompt, fmt.Sprintf("block %q contains a block header", name))
		}
		seen[name] = struct{}{}
		p.Blocks = append(p.Blocks, Block{Name: name, Content: content})
	}
	return p, nil
}

var headerPattern = regexp.MustCompile(`^###\s+(.+?)\s*$`)

// Indented headers count too; normalization may unindent them.
var looseHeaderPattern = regexp.MustCompile(`^\s*###\s+\S`)

// ParsePrompt reads a serialized prompt. Every non-blank line must belong to a
// "### Name" block whose name is in schema.
func ParsePrompt(text string, schema Schema) (Prompt, error) {
	var blocks []Block
	var current *Block
	var body []string

	flush := func() {
		if current != nil {
			current.Content = strings.Join(body, "\n")
			blocks = append(blocks, *current)
		}
		body = body[:0]
	}

	for lineNo, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = &Block{Name: m[1]}
			continue
		}
		if current == nil {
			if strings.TrimSpace(line) != "" {
				return Prompt{}, domain.NewDomainError(domain.ErrInvalidPrompt,
					fmt.Sprintf("line %d: text outside of a block", lineNo+1))
			}
			continue
		}
		body = append(body, line)
	}
	flush()

	if len(blocks) == 0 {
		return Prompt{}, domain.NewDomainError(domain.ErrInvalidPrompt, "prompt has no blocks")
	}
	return NewPrompt(schema, blocks...)
}

// Serialize renders the prompt as a single text document.
func (p Prompt) Serialize() string {
	var sb strings.Builder
	for i, b := range p.Blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(BlockHeaderPrefix)
		sb.WriteString(b.Name)
		if b.Content != "" {
			sb.WriteString("\n")
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

func (p Prompt) String() string {
	return p.Serialize()
}

// Block returns the content of the named block.
func (p Prompt) Block(name string) (string, bool) {
	for _, b := range p.Blocks {
		if b.Name == name {
			return b.Content, true
		}
	}
	return "", false
}

// Names returns the block names in order.
func (p Prompt) Names() []string {
	names := make([]string, len(p.Blocks))
	for i, b := range p.Blocks {
		names[i] = b.Name
	}
	return names
}

// Clone returns a deep copy.
func (p Prompt) Clone() Prompt {
	blocks := make([]Block, len(p.Blocks))
	copy(blocks, p.Blocks)
	return Prompt{Version: p.Version, Blocks: blocks}
}

// Equal compares block names and content, ignoring version.
func (p Prompt) Equal(other Prompt) bool {
	if len(p.Blocks) != len(other.Blocks) {
		return false
	}
	for i := range p.Blocks {
		if p.Blocks[i] != other.Blocks[i] {
			return false
		}
	}
	return true
}

// ContainsHeader reports whether any line of s would parse as a block header,
// before or after leading whitespace is trimmed.
func ContainsHeader(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if looseHeaderPattern.MatchString(line) {
			return true
		}
	}
	return false
}

var blankRun = regexp.MustCompile(`\n{3,}`)

// NormalizeContent trims trailing spaces from every line, collapses runs of
// blank lines to one and trims the block.
func NormalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
