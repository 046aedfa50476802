package engine_registry

import (
	"errors"
	"fmt"
)

type Operation string

const (
	OpEval    Operation = "eval"
	OpCompile Operation = "compile"
	OpInvoke  Operation = "invoke"
)

var (
	// ErrEngineNotFound is matched by every ResolutionError.
	ErrEngineNotFound = errors.New("script engine not found")

	// ErrScript is matched by every ScriptError.
	ErrScript = errors.New("script error")

	ErrNotInvocable = errors.New("script is not invocable")
)

// ResolutionError reports that no factory matched an identifier by name,
// extension or mime type.
type ResolutionError struct {
	Identifier string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("script engine for [%v] not supported", e.Identifier)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrEngineNotFound
}

// ScriptError wraps a fault raised while evaluating, compiling or invoking a script.
type ScriptError struct {
	Engine string
	Op     Operation

	// Line and Column are 1-based, zero when the engine did not report a position.
	Line   int
	Column int

	Err error
}

func NewScriptError(engine string, op Operation, err error) *ScriptError {
	var scriptErr *ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr
	}
	return &ScriptError{Engine: engine, Op: op, Err: err}
}

func (e *ScriptError) WithPosition(line, column int) *ScriptError {
	e.Line = line
	e.Column = column
	return e
}

func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v %v error (line %d, col %d): %v", e.Engine, e.Op, e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("%v %v error: %v", e.Engine, e.Op, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

func (e *ScriptError) Is(target error) bool {
	return target == ErrScript
}
