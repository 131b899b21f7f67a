package modelclient

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"photorestore/modelruntime"
	"photorestore/tensor"
)

// fromStatus converts an RPC error into the modelruntime sentinel it
// represents so callers can classify it with errors.Is.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s rpc: %w", op, err)
	}

	var sentinel error
	switch st.Code() {
	case codes.ResourceExhausted:
		sentinel = modelruntime.ErrOutOfMemory
	case codes.Unavailable, codes.FailedPrecondition:
		sentinel = modelruntime.ErrModelUnavailable
	case codes.InvalidArgument:
		sentinel = modelruntime.ErrDimensionMismatch
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		sentinel = modelruntime.ErrInferenceFailed
	}
	return fmt.Errorf("%s rpc: %w: %s", op, sentinel, st.Message())
}

// toStatus converts a server-side error into an RPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, modelruntime.ErrOutOfMemory):
		code = codes.ResourceExhausted
	case errors.Is(err, modelruntime.ErrModelNotLoaded):
		code = codes.FailedPrecondition
	case errors.Is(err, modelruntime.ErrModelUnavailable),
		errors.Is(err, modelruntime.ErrModelNotFound),
		errors.Is(err, modelruntime.ErrModelCorrupted):
		code = codes.Unavailable
	case errors.Is(err, modelruntime.ErrDimensionMismatch),
		errors.Is(err, tensor.ErrShapeMismatch),
		errors.Is(err, ErrMalformedFrame):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
