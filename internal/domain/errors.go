package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// Prompt and patch errors
	ErrUnknownBlock   = errors.New("unknown prompt block")
	ErrDuplicateBlock = errors.New("duplicate prompt block")
	ErrInvalidPrompt  = errors.New("invalid prompt")
	ErrInvalidPatch   = errors.New("invalid prompt patch")

	// Strategy registry errors
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrDuplicateStrategy = errors.New("strategy already registered")

	// Model invocation errors
	ErrMalformedOutput  = errors.New("malformed model output")
	ErrInvokerTimeout   = errors.New("model invocation timed out")
	ErrInvokerFailed    = errors.New("model invocation failed")
	ErrModelUnavailable = errors.New("model service unavailable")

	// Optimization loop errors
	ErrStopRequested     = errors.New("stop requested")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStaleCandidate    = errors.New("candidate built against a stale prompt version")

	// Run errors
	ErrRunNotFound  = errors.New("optimization run not found")
	ErrRunNotActive = errors.New("optimization run is not active")

	// Validation errors
	ErrInvalidID    = errors.New("invalid ID format")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}

func NewDomainErrorWithCode(err error, message, code string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// UnknownBlockError is returned when a patch names a block outside the prompt schema.
type UnknownBlockError struct {
	Block string
	Known []string
}

func (e *UnknownBlockError) Error() string {
	return fmt.Sprintf("unknown prompt block %q (known: %s)", e.Block, strings.Join(e.Known, ", "))
}

func (e *UnknownBlockError) Unwrap() error {
	return ErrUnknownBlock
}

// IsStopRequest reports whether err asks the optimizer to stop early.
func IsStopRequest(err error) bool {
	return errors.Is(err, ErrStopRequested)
}
