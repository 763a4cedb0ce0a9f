package core

import (
	"errors"
	"fmt"
)

// ValidationError represents a fatal request-validation failure with an
// actionable hint. Validation errors are reported immediately and never
// retried or recovered.
type ValidationError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Hint    string // Actionable instruction for resolution
}

func (e *ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Hint)
	}
	return e.Message
}

// Error codes for validation errors
const (
	ErrCodeModelNotFound         = "MODEL_NOT_FOUND"
	ErrCodeInputImageNotFound    = "INPUT_IMAGE_NOT_FOUND"
	ErrCodeUnknownScheduler      = "UNKNOWN_SCHEDULER"
	ErrCodeSchedulerIncompatible = "SCHEDULER_INCOMPATIBLE"
	ErrCodeInvalidParams         = "INVALID_PARAMS"
	ErrCodeUnknownDevice         = "UNKNOWN_DEVICE"
)

// ErrModelNotFound returns an error for a missing model path.
func ErrModelNotFound(path string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeModelNotFound,
		Message: fmt.Sprintf("Model not found: %s", path),
		Hint:    "Check the --model path points at a .safetensors file or a diffusers model directory",
	}
}

// ErrInputImageNotFound returns an error for a missing img2img source image.
func ErrInputImageNotFound(path string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeInputImageNotFound,
		Message: fmt.Sprintf("Input image not found: %s", path),
		Hint:    "Check the --input-image path, or omit it for text-to-image mode",
	}
}

// ErrUnknownScheduler returns an error for a scheduler name outside the registry.
func ErrUnknownScheduler(name string, known []string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeUnknownScheduler,
		Message: fmt.Sprintf("Unknown scheduler: %s", name),
		Hint:    fmt.Sprintf("Choose one of: %v", known),
	}
}

// ErrSchedulerIncompatible returns an error for a scheduler that cannot run
// on the selected backend. Alternatives must name at least one scheduler that
// would work, so the caller can re-run without guesswork.
func ErrSchedulerIncompatible(name, backend string, alternatives []string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeSchedulerIncompatible,
		Message: fmt.Sprintf("Scheduler %q is not compatible with the %s backend", name, backend),
		Hint:    fmt.Sprintf("Use one of: %v", alternatives),
	}
}

// ErrInvalidParams returns an error for out-of-range generation parameters.
func ErrInvalidParams(detail string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeInvalidParams,
		Message: fmt.Sprintf("Invalid generation parameters: %s", detail),
	}
}

// ErrUnknownDevice returns an error for an unrecognized device selector.
func ErrUnknownDevice(name string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeUnknownDevice,
		Message: fmt.Sprintf("Unknown device: %s", name),
		Hint:    "Choose one of: auto, unified, discrete, cpu",
	}
}

// IsValidationError checks if an error is a ValidationError and returns it if so.
func IsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
