package engine

import (
	"errors"
	"fmt"
)

// ApplyError is a failure while reconciling one tag.
//
// Apply errors include:
//   - Compile failure: the tag's constraint source does not compile
//   - Eval failure: evaluating the constraint against a resource failed
//
// The error text becomes the tag's status. ApplyError never escapes the
// reconciliation loop.
type ApplyError struct {
	// Code identifies the error category.
	Code ApplyErrorCode

	// Tag is the tag name.
	Tag string

	// Resource is the resource id, empty for compile failures.
	Resource string

	Err error
}

// ApplyErrorCode categorizes apply errors.
type ApplyErrorCode string

const (
	// ErrCodeCompile indicates the constraint source failed to compile.
	ErrCodeCompile ApplyErrorCode = "COMPILE_FAILED"

	// ErrCodeEval indicates a constraint evaluation failed.
	ErrCodeEval ApplyErrorCode = "EVAL_FAILED"
)

// Error implements the error interface.
func (e *ApplyError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: tag %q on %s: %v", e.Code, e.Tag, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s: tag %q: %v", e.Code, e.Tag, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// IsCompileFailure returns true if the error is a constraint compile failure.
// Uses errors.As to handle wrapped errors.
func IsCompileFailure(err error) bool {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeCompile
	}
	return false
}

// IsEvalFailure returns true if the error is a constraint evaluation failure.
func IsEvalFailure(err error) bool {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Code == ErrCodeEval
	}
	return false
}
