package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
)

// Result markers delimit the machine-readable summary on stdout so the host
// application can cut it out of arbitrary surrounding output.
const (
	ResultMarkerBegin = "--- RESULT JSON ---"
	ResultMarkerEnd   = "--- END RESULT ---"
)

// Metadata echoes every resolved parameter of a completed run.
type Metadata struct {
	Mode           string  `json:"mode"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Scheduler      string  `json:"scheduler"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	NumImages      int     `json:"num_images"`
	InputImage     *string `json:"input_image"`
	Strength       *float64 `json:"strength"`
	Backend        string  `json:"backend"`
	Precision      string  `json:"precision"`
	MemoryMode     string  `json:"memory_mode"`
	Family         string  `json:"family"`
	LoraAdapters   []string `json:"lora_adapters,omitempty"`
}

// Result is the stdout contract: success with image paths and metadata, or
// failure with a single error string.
type Result struct {
	Success  bool      `json:"success"`
	Images   []string  `json:"images,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Emit writes the delimited result JSON to w.
func (r *Result) Emit(w io.Writer) error {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal result: %w", err)
	}
	_, err = fmt.Fprintf(w, "\n%s\n%s\n%s\n", ResultMarkerBegin, body, ResultMarkerEnd)
	return err
}

// EmitFailure writes a failure result for err to w.
func EmitFailure(w io.Writer, err error) error {
	r := &Result{Success: false, Error: err.Error()}
	return r.Emit(w)
}
