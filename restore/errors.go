package restore

import (
	"context"
	"errors"
	"fmt"

	"photorestore/degradation"
	"photorestore/modelruntime"
	"photorestore/sampler"
	"photorestore/tensor"
)

// ErrorKind classifies a failed restoration for callers and history.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindDimensionMismatch ErrorKind = "dimension_mismatch"
	KindEncodingFailed    ErrorKind = "encoding_failed"
	KindOutOfMemory       ErrorKind = "out_of_memory"
	KindModelUnavailable  ErrorKind = "model_unavailable"
	KindCancelled         ErrorKind = "cancelled"
	KindAlreadyRunning    ErrorKind = "already_running"
	KindInvalidRequest    ErrorKind = "invalid_request"
	KindInternal          ErrorKind = "internal"
)

var (
	ErrAlreadyRunning = errors.New("restore: a restoration is already running")
	ErrInvalidRequest = errors.New("restore: invalid request")
)

// Error is a classified restoration failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("restore %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or KindNone when err does not wrap
// an *Error.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNone
}

type stage int

const (
	stageExtract stage = iota
	stageSample
	stageOutput
)

// classify maps a component error to its kind. Inference failures in the
// extraction stage mean the encoder produced nothing usable.
func classify(st stage, err error) ErrorKind {
	switch {
	case errors.Is(err, sampler.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, modelruntime.ErrOutOfMemory):
		return KindOutOfMemory
	case errors.Is(err, modelruntime.ErrDimensionMismatch),
		errors.Is(err, tensor.ErrShapeMismatch):
		return KindDimensionMismatch
	case errors.Is(err, degradation.ErrEncodingFailed):
		return KindEncodingFailed
	case errors.Is(err, modelruntime.ErrModelUnavailable):
		return KindModelUnavailable
	case st == stageExtract && errors.Is(err, modelruntime.ErrInferenceFailed):
		return KindEncodingFailed
	default:
		return KindInternal
	}
}
