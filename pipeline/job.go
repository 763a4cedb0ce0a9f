// Package pipeline owns the generation pipeline seam: the runtime interface,
// the placement fallback controller, and the driver that takes a request from
// validation through to written images and the result summary.
package pipeline

import (
	"fmt"
	"image"
	"os"

	"sdgen/core"
)

// Parameter bounds. Dimensions must be multiples of the latent downsampling
// factor or the underlying runtimes reject them.
const (
	MinImageSize      = 64
	MaxImageSize      = 2048
	ImageSizeMultiple = 8

	MinSteps = 1
	MaxSteps = 150

	MinGuidance = 0.0
	MaxGuidance = 30.0

	MaxPromptLength = 10000

	DefaultSteps    = 25
	DefaultGuidance = 7.5
	DefaultSize     = 512
	DefaultStrength = 0.75
	DefaultCount    = 1
)

// Request is the full generation request as it arrives from the CLI,
// before any policy has been applied.
type Request struct {
	ModelPath      string
	Prompt         string
	NegativePrompt string
	OutputPath     string
	Scheduler      string
	Steps          int
	Guidance       float64
	Width          int
	Height         int
	// Seed < 0 means unset: a random seed is drawn.
	Seed       int64
	Count      int
	InputImage string
	Strength   float64
	Device     string
	LoraPaths  []string
	LoraWts    []float64
}

// Job is what a runtime executes: resolved parameters plus the decoded
// source image for image-to-image mode.
type Job struct {
	Prompt         string
	NegativePrompt string
	Conditioning   *Conditioning
	Steps          int
	Guidance       float64
	Width          int
	Height         int
	Seed           int64
	Count          int
	// SourceImage is nil for text-to-image.
	SourceImage image.Image
	Strength    float64
}

// Img2Img reports whether the job runs in image-to-image mode.
func (j Job) Img2Img() bool { return j.SourceImage != nil }

// Validate checks request parameters against the fixed bounds. Missing files
// and malformed parameters are validation errors: fatal, reported
// immediately, never retried.
func (r Request) Validate() error {
	if _, err := os.Stat(r.ModelPath); err != nil {
		return core.ErrModelNotFound(r.ModelPath)
	}
	if r.Prompt == "" {
		return core.ErrInvalidParams("prompt must not be empty")
	}
	if len(r.Prompt) > MaxPromptLength {
		return core.ErrInvalidParams(fmt.Sprintf("prompt length %d exceeds maximum %d", len(r.Prompt), MaxPromptLength))
	}
	if len(r.NegativePrompt) > MaxPromptLength {
		return core.ErrInvalidParams(fmt.Sprintf("negative prompt length %d exceeds maximum %d", len(r.NegativePrompt), MaxPromptLength))
	}
	if r.OutputPath == "" {
		return core.ErrInvalidParams("output path must not be empty")
	}
	if err := validateDimension("width", r.Width); err != nil {
		return err
	}
	if err := validateDimension("height", r.Height); err != nil {
		return err
	}
	if r.Steps < MinSteps || r.Steps > MaxSteps {
		return core.ErrInvalidParams(fmt.Sprintf("steps %d must be between %d and %d", r.Steps, MinSteps, MaxSteps))
	}
	if r.Guidance < MinGuidance || r.Guidance > MaxGuidance {
		return core.ErrInvalidParams(fmt.Sprintf("guidance %.2f must be between %.1f and %.1f", r.Guidance, MinGuidance, MaxGuidance))
	}
	if r.Count < 1 {
		return core.ErrInvalidParams(fmt.Sprintf("image count %d must be at least 1", r.Count))
	}
	if r.InputImage != "" {
		if _, err := os.Stat(r.InputImage); err != nil {
			return core.ErrInputImageNotFound(r.InputImage)
		}
		if r.Strength < 0 || r.Strength > 1 {
			return core.ErrInvalidParams(fmt.Sprintf("strength %.2f must be between 0.0 and 1.0", r.Strength))
		}
	}
	return nil
}

func validateDimension(name string, v int) error {
	if v < MinImageSize || v > MaxImageSize {
		return core.ErrInvalidParams(fmt.Sprintf("%s %d must be between %d and %d", name, v, MinImageSize, MaxImageSize))
	}
	if v%ImageSizeMultiple != 0 {
		return core.ErrInvalidParams(fmt.Sprintf("%s %d must be divisible by %d", name, v, ImageSizeMultiple))
	}
	return nil
}

// Conditioning is prebuilt prompt conditioning from an external weighting
// collaborator. Runtimes that cannot consume it fall back to the raw prompt
// strings.
type Conditioning struct {
	PromptEmbedding   []float64
	NegativeEmbedding []float64
}

// Conditioner builds prompt conditioning. The hook is optional; a nil
// Conditioner means raw prompts are passed through. Flow-matching families
// use a different text-conditioning interface and always skip the hook.
type Conditioner interface {
	Build(prompt, negative string) (*Conditioning, error)
}
