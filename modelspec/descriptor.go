// Package modelspec inspects an on-disk diffusion model and classifies its
// pipeline family. The descriptor it produces drives device, precision and
// scheduler policy downstream.
package modelspec

import "strings"

// Layout describes how the model is stored on disk.
type Layout string

const (
	// LayoutSingleFile is a single checkpoint file (.safetensors or .ckpt).
	LayoutSingleFile Layout = "single_file"
	// LayoutMultiPart is a diffusers-style directory with a model_index.json
	// manifest and per-component subdirectories.
	LayoutMultiPart Layout = "multi_part"
)

// Family identifies the model architecture family. The family determines
// which precisions and schedulers are safe.
type Family string

const (
	// FamilySD1 is classic Stable Diffusion 1.x latent diffusion.
	FamilySD1 Family = "sd1"
	// FamilySD2 is Stable Diffusion 2.x.
	FamilySD2 Family = "sd2"
	// FamilySDXL is Stable Diffusion XL with dual text encoders.
	FamilySDXL Family = "sdxl"
	// FamilyFlowMatching covers continuous-flow architectures (Z-Image,
	// Qwen-Image, FLUX, SD3). These need flow-match schedulers and skip the
	// classic text-conditioning path.
	FamilyFlowMatching Family = "flow_matching"
	// FamilyOther is a recognized manifest with an unclassified pipeline
	// class; treated as classic diffusion downstream.
	FamilyOther Family = "other"
)

// IsFlowMatching reports whether the family uses flow-matching sampling.
func (f Family) IsFlowMatching() bool {
	return f == FamilyFlowMatching
}

// Descriptor describes a resolved on-disk model. Immutable after creation.
type Descriptor struct {
	// Path is the model file or directory as given.
	Path string
	// Layout is single-file or multi-part.
	Layout Layout
	// Family is the classified architecture family.
	Family Family
	// PipelineClass is the pipeline class identifier after alias mapping.
	PipelineClass string
	// TextEncoderCount is the number of classic text encoders the family
	// carries (2 for SDXL, 1 otherwise). Flow-matching conditioning goes
	// through a different interface and is counted as 1 encoder here.
	TextEncoderCount int
}

// Img2ImgClass returns the image-to-image variant name for the descriptor's
// pipeline class, following the diffusers naming convention
// (...Pipeline -> ...Img2ImgPipeline). Returns the base class unchanged when
// it does not follow the convention.
func (d Descriptor) Img2ImgClass() string {
	if strings.HasSuffix(d.PipelineClass, "Pipeline") {
		return strings.TrimSuffix(d.PipelineClass, "Pipeline") + "Img2ImgPipeline"
	}
	return d.PipelineClass
}
