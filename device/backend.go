// Package device selects a compute backend and numeric precision for a
// generation request, estimates the memory budget, and classifies the
// runtime errors the fallback controller reacts to.
package device

import (
	"sdgen/core"
)

// Backend is a compute target for tensor operations.
type Backend string

const (
	// CPU executes everything on the host processor.
	CPU Backend = "cpu"
	// UnifiedGPU is a unified-memory GPU (Apple silicon class). Precision
	// handling on this backend has documented failure modes.
	UnifiedGPU Backend = "unified"
	// DiscreteGPU is a discrete GPU with dedicated VRAM.
	DiscreteGPU Backend = "discrete"
)

// Precision is a numeric precision for model weights and activations.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
	BF16 Precision = "bf16"
)

// Auto is the device selector value that probes backends in priority order.
const Auto = "auto"

// Profile is the resolved (backend, precision) pair for a request.
type Profile struct {
	Backend   Backend
	Precision Precision
}

// ParseRequest parses a CLI device selector. Returns the parsed backend and
// whether auto-selection was requested. Unknown selectors are a validation
// error.
func ParseRequest(selector string) (Backend, bool, error) {
	switch selector {
	case Auto, "":
		return "", true, nil
	case string(CPU):
		return CPU, false, nil
	case string(UnifiedGPU), "mps":
		// "mps" accepted as a familiar alias for the unified-memory backend.
		return UnifiedGPU, false, nil
	case string(DiscreteGPU), "cuda":
		return DiscreteGPU, false, nil
	default:
		return "", false, core.ErrUnknownDevice(selector)
	}
}
