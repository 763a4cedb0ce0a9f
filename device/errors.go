package device

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by pipeline runtimes for the two recoverable
// failure classes. Native bindings wrap the backend's message so the string
// classifiers below also apply.
var (
	ErrOutOfMemory = errors.New("device: out of memory")
	ErrMetaTensor  = errors.New("device: tensor has no allocated storage")
)

// Substrings reported by the underlying runtimes for each class. Matching on
// message content is a known fragility, but the libraries expose no
// structured error code for these conditions.
var (
	oomMarkers = []string{
		"out of memory",
		"mps backend out of memory",
		"not enough memory",
		"failed to allocate",
	}
	metaTensorMarkers = []string{
		"meta tensor",
		"cannot copy out of meta tensor",
		"to_empty",
	}
)

// IsOutOfMemory reports whether err is a device allocation failure that the
// fallback controller can recover from by escalating to sequential offload.
func IsOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutOfMemory) {
		return true
	}
	return matchesAny(err.Error(), oomMarkers)
}

// IsMetaTensor reports whether err indicates the model is still in an
// uninitialized (meta) representation, typical of lazily loaded quantized
// checkpoints. Recovered by escalating to whole-model offload with a
// cpu-side generator.
func IsMetaTensor(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMetaTensor) {
		return true
	}
	return matchesAny(err.Error(), metaTensorMarkers)
}

func matchesAny(msg string, markers []string) bool {
	msg = strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
