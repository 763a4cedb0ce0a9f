package device

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsOutOfMemory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrOutOfMemory, true},
		{"wrapped sentinel", fmt.Errorf("placement: %w", ErrOutOfMemory), true},
		{"mps message", errors.New("MPS backend out of memory (MPS allocated: 18.00 GB)"), true},
		{"allocation message", errors.New("RuntimeError: failed to allocate 4096 MB"), true},
		{"meta tensor message", errors.New("Cannot copy out of meta tensor; no data!"), false},
		{"unrelated", errors.New("file not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOutOfMemory(tt.err); got != tt.want {
				t.Errorf("IsOutOfMemory(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsMetaTensor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrMetaTensor, true},
		{"wrapped sentinel", fmt.Errorf("placement: %w", ErrMetaTensor), true},
		{"copy message", errors.New("NotImplementedError: Cannot copy out of meta tensor; no data! Please use torch.nn.Module.to_empty()"), true},
		{"oom message", errors.New("out of memory"), false},
		{"unrelated", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMetaTensor(tt.err); got != tt.want {
				t.Errorf("IsMetaTensor(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
