package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration problem with an actionable fix.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
	Err     error  // Underlying cause, if any
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error codes for configuration errors
const (
	ErrCodeInvalidValue     = "INVALID_VALUE"
	ErrCodeManifestMissing  = "MANIFEST_MISSING"
	ErrCodeManifestInvalid  = "MANIFEST_INVALID"
	ErrCodeWeightsMissing   = "WEIGHTS_MISSING"
	ErrCodeWeightsCorrupted = "WEIGHTS_CORRUPTED"
	ErrCodeHostUnreachable  = "HOST_UNREACHABLE"
)

// ErrInvalidValue returns an error for an environment value outside its range.
func ErrInvalidValue(varName, value, want string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s '%s'", varName, value),
		Action:  fmt.Sprintf("Set %s to %s", varName, want),
	}
}

// ErrManifestMissing returns an error for a manifest path that does not exist.
func ErrManifestMissing(path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeManifestMissing,
		Message: fmt.Sprintf("Model manifest not found: %s", path),
		Action:  "Set RESTORE_MANIFEST to an existing YAML file or unset it",
		Err:     err,
	}
}

// ErrManifestInvalid returns an error for a manifest that cannot be used.
func ErrManifestInvalid(path, reason string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeManifestInvalid,
		Message: fmt.Sprintf("Invalid model manifest %s: %s", path, reason),
		Action:  "Fix the manifest entries (models: encoder, denoiser)",
		Err:     err,
	}
}

// ErrWeightsMissing returns an error for a weights file listed in the
// manifest that does not exist.
func ErrWeightsMissing(model, path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeWeightsMissing,
		Message: fmt.Sprintf("Weights for %s not found at %s", model, path),
		Action:  "Check weights_path in the model manifest",
		Err:     err,
	}
}

// ErrWeightsCorrupted returns an error for a weights checksum mismatch.
func ErrWeightsCorrupted(model, path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeWeightsCorrupted,
		Message: fmt.Sprintf("Weights for %s at %s failed checksum verification", model, path),
		Action:  "Re-download the weights or update sha256 in the model manifest",
		Err:     err,
	}
}

// ErrHostUnreachable returns an error when the inference host cannot be reached.
func ErrHostUnreachable(addr string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeHostUnreachable,
		Message: fmt.Sprintf("Cannot connect to inference host at %s", addr),
		Action:  "Check RESTORE_MODEL_ADDR and that the model host is running",
		Err:     err,
	}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}
