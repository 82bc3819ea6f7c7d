package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration_error"
	KindBadRequest     ErrorKind = "bad_request"
	KindSpawnFailure   ErrorKind = "spawn_failure"
	KindTimeout        ErrorKind = "timeout"
	KindNonZeroExit    ErrorKind = "non_zero_exit"
	KindMalformed      ErrorKind = "malformed_output"
	KindWriteRace      ErrorKind = "artifact_write_race"
	KindOutputTooLarge ErrorKind = "output_too_large"
	KindCanceled       ErrorKind = "canceled"
)

// PreSpawn reports whether errors of this kind are raised before any
// worker process exists.
func (k ErrorKind) PreSpawn() bool {
	return k == KindConfiguration || k == KindBadRequest
}

// InvocationError is the structured failure of one invocation.
type InvocationError struct {
	Stage    Stage
	Kind     ErrorKind
	Message  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error
}

func (e *InvocationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func NewError(stage Stage, kind ErrorKind, format string, args ...any) *InvocationError {
	return &InvocationError{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ConfigError(stage Stage, format string, args ...any) *InvocationError {
	return NewError(stage, KindConfiguration, format, args...)
}

func BadRequest(stage Stage, format string, args ...any) *InvocationError {
	return NewError(stage, KindBadRequest, format, args...)
}

func Malformed(stage Stage, format string, args ...any) *InvocationError {
	return NewError(stage, KindMalformed, format, args...)
}

// KindOf classifies err. Context errors map to timeout/canceled; anything
// else that is not an InvocationError is reported as a configuration error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindConfiguration
}

// AsInvocationError returns err as an InvocationError, wrapping foreign
// errors and filling in the stage when it is missing.
func AsInvocationError(err error, stage Stage) *InvocationError {
	var ie *InvocationError
	if errors.As(err, &ie) {
		if ie.Stage == "" {
			cp := *ie
			cp.Stage = stage
			return &cp
		}
		return ie
	}
	return &InvocationError{Stage: stage, Kind: KindOf(err), Message: err.Error(), Err: err}
}
