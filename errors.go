package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeNoCandidates indicates every provider in a fan-out failed, so
	// there is nothing to merge. Unrecoverable at the merge layer.
	ErrorTypeNoCandidates = "no_candidates"

	// ErrorTypeAlreadyResolved indicates a response arrived for an approval
	// request that is no longer pending.
	ErrorTypeAlreadyResolved = "already_resolved"

	// ErrorTypeDuplicatePending indicates a second pending approval request
	// was enqueued for the same project and stage.
	ErrorTypeDuplicatePending = "duplicate_pending"

	// ErrorTypeRevisionLimit indicates a gated stage exceeded its allowed
	// number of revision cycles.
	ErrorTypeRevisionLimit = "revision_limit"

	// ErrorTypeValidation indicates structurally invalid input or output.
	ErrorTypeValidation = "validation"

	// ErrorTypeTimeout matches a timeout or context deadline error.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal indicates a failure that must not be retried. Unknown
	// errors default to provider_failed so they remain retryable; anything
	// known to be hopeless should carry type=ErrorTypeFatal.
	ErrorTypeFatal = "fatal"

	// ErrorTypeProviderFailed is the default classification for generation
	// backend errors.
	ErrorTypeProviderFailed = "provider_failed"
)

// PipelineError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap().
type PipelineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *PipelineError) Unwrap() error {
	return e.Wrapped
}

// NewPipelineError creates a new PipelineError with the given type and cause.
func NewPipelineError(errorType, cause string) *PipelineError {
	return &PipelineError{Type: errorType, Cause: cause}
}

// NewNoCandidatesError reports that no provider produced a usable candidate
// for the named stage.
func NewNoCandidatesError(stage string) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeNoCandidates,
		Cause:   fmt.Sprintf("no candidates succeeded for stage %q", stage),
		Details: stage,
	}
}

// NewAlreadyResolvedError reports a response to a non-pending approval request.
func NewAlreadyResolvedError(approvalID string, status ApprovalStatus) *PipelineError {
	return &PipelineError{
		Type:  ErrorTypeAlreadyResolved,
		Cause: fmt.Sprintf("approval %s already resolved with status %q", approvalID, status),
	}
}

// NewDuplicatePendingError reports a second pending approval for one stage.
func NewDuplicatePendingError(projectID, stage string) *PipelineError {
	return &PipelineError{
		Type:  ErrorTypeDuplicatePending,
		Cause: fmt.Sprintf("project %s already has a pending approval for stage %q", projectID, stage),
	}
}

// NewRevisionLimitError reports that a stage exhausted its revision budget.
func NewRevisionLimitError(stage string, limit int) *PipelineError {
	return &PipelineError{
		Type:  ErrorTypeRevisionLimit,
		Cause: fmt.Sprintf("stage %q exceeded the maximum of %d revision cycles", stage, limit),
	}
}

// ClassifyError attempts to classify a regular error into a PipelineError
func ClassifyError(err error) *PipelineError {
	var pipelineError *PipelineError
	if errors.As(err, &pipelineError) {
		return pipelineError
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &PipelineError{
			Type:    ErrorTypeTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &PipelineError{
		Type:    ErrorTypeProviderFailed,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// IsErrorType checks if an error matches a specified error type.
func IsErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == errorType
}
