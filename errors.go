// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package rebuilder

import (
	"errors"
	"fmt"
)

// Stage names a step of the rebuild pipeline.
type Stage string

const (
	StageResolve     Stage = "resolve"
	StageRecipe      Stage = "recipe"
	StageBuild       Stage = "build"
	StageMaterialize Stage = "materialize"
	StageCompare     Stage = "compare"
	StageReport      Stage = "report"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	ResolutionError      ErrorKind = "ResolutionError"
	RecipeUnavailable    ErrorKind = "RecipeUnavailable"
	RecipeMalformed      ErrorKind = "RecipeMalformed"
	DependencyFailure    ErrorKind = "DependencyFailure"
	SandboxFailure       ErrorKind = "SandboxFailure"
	TimeoutFailure       ErrorKind = "TimeoutFailure"
	MaterializationError ErrorKind = "MaterializationError"
	ComparisonError      ErrorKind = "ComparisonError"
)

// Outcome returns the verdict outcome for a run that failed with this kind.
// Only resolution failures map to [ResolutionFailed]:
// every other kind means reproduction could not be completed.
func (kind ErrorKind) Outcome() Outcome {
	if kind == ResolutionError {
		return ResolutionFailed
	}
	return BuildFailed
}

// Error is a terminal failure of a pipeline stage.
type Error struct {
	Stage Stage
	Kind  ErrorKind
	// ExitStatus is the exit status of the external tool that failed,
	// or -1 if not applicable.
	ExitStatus int
	// Log is an excerpt of the external tool's output, if any.
	Log string
	Err error
}

// NewError returns a new [*Error] that wraps err.
func NewError(stage Stage, kind ErrorKind, err error) *Error {
	return &Error{
		Stage:      stage,
		Kind:       kind,
		ExitStatus: -1,
		Err:        err,
	}
}

// Errorf returns a new [*Error] with a formatted message.
// The %w verb is supported as in [fmt.Errorf].
func Errorf(stage Stage, kind ErrorKind, format string, args ...any) *Error {
	return NewError(stage, kind, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the [ErrorKind] of the first [*Error] in err's chain
// or the empty string if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// AsError returns the first [*Error] in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
