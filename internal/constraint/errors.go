package constraint

import (
	"errors"
	"fmt"
)

// CompileError is a malformed constraint. Pos is the byte offset into the
// source where the problem was detected.
type CompileError struct {
	Pos     int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("constraint:%d: %s", e.Pos+1, e.Message)
}

// RuntimeEvalError is a failure while evaluating one call against one
// resource. The evaluation resolves to false.
type RuntimeEvalError struct {
	// Call is the printable form of the failing call.
	Call string
	Err  error
}

func (e *RuntimeEvalError) Error() string {
	return fmt.Sprintf("eval %s: %v", e.Call, e.Err)
}

func (e *RuntimeEvalError) Unwrap() error { return e.Err }

// IsCompileError reports whether err is or wraps a *CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// IsRuntimeEvalError reports whether err is or wraps a *RuntimeEvalError.
func IsRuntimeEvalError(err error) bool {
	var re *RuntimeEvalError
	return errors.As(err, &re)
}

var (
	errUnknownKeyword = errors.New("unknown keyword")
	errNoScripts      = errors.New("no scripting provider")
)
