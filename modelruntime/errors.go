package modelruntime

import "errors"

// Sentinel errors for model runtime operations.
var (
	// Model availability
	ErrModelUnavailable = errors.New("modelruntime: model unavailable")
	ErrModelNotFound    = errors.New("modelruntime: model weights not found")
	ErrModelCorrupted   = errors.New("modelruntime: model weights are corrupted or invalid")

	// Inference
	ErrInferenceFailed = errors.New("modelruntime: inference failed")
	ErrOutOfMemory     = errors.New("modelruntime: out of memory")

	// Shapes
	ErrDimensionMismatch = errors.New("modelruntime: dimension mismatch")

	// Lifecycle
	ErrResidencyViolation = errors.New("modelruntime: another heavy model is resident")
	ErrAlreadyAcquired    = errors.New("modelruntime: model already acquired")
	ErrManagerClosed      = errors.New("modelruntime: lifecycle manager is closed")
	ErrModelNotLoaded     = errors.New("modelruntime: model not loaded")
)

// IsOutOfMemory reports whether err indicates memory exhaustion.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfMemory)
}

// IsModelUnavailable reports whether err indicates a model that could not be initialized.
func IsModelUnavailable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}
