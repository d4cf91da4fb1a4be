package models

import (
	"fmt"
	"strings"

	"github.com/longregen/promptloop/internal/domain"
)

// PatchOperation is the kind of change a patch makes to its target block.
type PatchOperation string

const (
	PatchAppend  PatchOperation = "append"
	PatchReplace PatchOperation = "replace"
	PatchRemove  PatchOperation = "remove"
)

// ParsePatchOperation accepts an operation name in any case.
func ParsePatchOperation(s string) (PatchOperation, error) {
	switch op := PatchOperation(strings.ToLower(strings.TrimSpace(s))); op {
	case PatchAppend, PatchReplace, PatchRemove:
		return op, nil
	default:
		return "", domain.NewDomainError(domain.ErrInvalidPatch, fmt.Sprintf("unsupported operation %q", s))
	}
}

// PromptPatch describes one change to one block. It never mutates anything itself.
type PromptPatch struct {
	TargetBlock string         `json:"target_block" msgpack:"target_block"`
	Operation   PatchOperation `json:"operation" msgpack:"operation"`
	Content     string         `json:"content" msgpack:"content"`
}

// Validate checks the patch is well formed. It does not check the target
// against a schema; that is the merger's job.
func (p PromptPatch) Validate() error {
	if strings.TrimSpace(p.TargetBlock) == "" {
		return domain.NewDomainError(domain.ErrInvalidPatch, "target block is required")
	}
	op, err := ParsePatchOperation(string(p.Operation))
	if err != nil {
		return err
	}
	if ContainsHeader(p.Content) {
		return domain.NewDomainError(domain.ErrInvalidPatch, "content must not contain block headers")
	}
	if op != PatchReplace && strings.TrimSpace(p.Content) == "" {
		return domain.NewDomainError(domain.ErrInvalidPatch, fmt.Sprintf("%s requires content", op))
	}
	return nil
}

func (p PromptPatch) String() string {
	return fmt.Sprintf("Operation: %s, Target: '%s', Content: '%s'", p.Operation, p.TargetBlock, p.Content)
}
