package services

import (
	"fmt"
	"maps"
	"strings"

	"github.com/longregen/promptloop/internal/domain"
	"github.com/longregen/promptloop/internal/domain/models"
)

// ValidateRequired checks that a required string field is not empty
func ValidateRequired(value string, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return domain.NewDomainError(domain.ErrInvalidInput, fieldName+" is required")
	}
	return nil
}

// ValidatePositive checks that a number is positive
func ValidatePositive(value int, fieldName string) error {
	if value <= 0 {
		return domain.NewDomainError(domain.ErrInvalidInput, fieldName+" must be positive")
	}
	return nil
}

// ValidateRange checks that a number is within the specified range (inclusive)
func ValidateRange(value int, fieldName string, min, max int) error {
	if value < min {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be at least %d (got %d)", fieldName, min, value))
	}
	if value > max {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be at most %d (got %d)", fieldName, max, value))
	}
	return nil
}

// ValidateRunIDFormat checks that a run ID follows the expected format (run_...)
func ValidateRunIDFormat(runID string) error {
	if runID == "" {
		return domain.NewDomainError(domain.ErrInvalidID, "run ID cannot be empty")
	}
	if !strings.HasPrefix(runID, "run_") || len(runID) < 5 {
		return domain.NewDomainError(domain.ErrInvalidID,
			fmt.Sprintf("run ID must look like 'run_...' (got: %s)", runID))
	}
	return nil
}

// ValidateExamples checks ids are present and unique within one set.
func ValidateExamples(examples []models.LabeledExample, setName string) error {
	seen := make(map[string]struct{}, len(examples))
	for i, ex := range examples {
		if ex.ID == "" {
			return domain.NewDomainError(domain.ErrInvalidInput, fmt.Sprintf("%s example %d has no id", setName, i))
		}
		if _, dup := seen[ex.ID]; dup {
			return domain.NewDomainError(domain.ErrInvalidInput, fmt.Sprintf("%s example id %q is duplicated", setName, ex.ID))
		}
		seen[ex.ID] = struct{}{}
	}
	return nil
}

// ValidateSharedIDs rejects an id used for two different examples across sets.
// Results are cached by example id, so one id must mean one example.
func ValidateSharedIDs(a, b []models.LabeledExample) error {
	idx := make(map[string]models.LabeledExample, len(a))
	for _, ex := range a {
		idx[ex.ID] = ex
	}
	for _, ex := range b {
		other, ok := idx[ex.ID]
		if !ok {
			continue
		}
		if other.Gold != ex.Gold || !maps.Equal(other.Input, ex.Input) {
			return domain.NewDomainError(domain.ErrInvalidInput,
				fmt.Sprintf("example id %q names different examples in the training and validation sets", ex.ID))
		}
	}
	return nil
}
