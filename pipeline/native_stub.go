//go:build !sd || !cgo

package pipeline

import "sdgen/logging"

// NewLoader returns the reference loader. The native runtime is selected by
// building with CGO and the "sd" tag.
func NewLoader(logger *logging.Logger) Loader {
	return &ReferenceLoader{Logger: logger}
}
