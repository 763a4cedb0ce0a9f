package modelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sdgen/logging"
)

// ManifestName is the diffusers manifest file inside multi-part model
// directories.
const ManifestName = "model_index.json"

// DefaultPipelineClass is assumed for single-file checkpoints, which carry
// no family metadata.
const DefaultPipelineClass = "StableDiffusionPipeline"

// defaultAliases maps renamed or forked pipeline class names to the
// identifier the loader understands. Extended at resolve time from an
// optional YAML file (see LoadAliases).
var defaultAliases = map[string]string{
	"ZImagePipeline": "QwenImagePipeline",
}

// manifest is the subset of model_index.json we read.
type manifest struct {
	ClassName string `json:"_class_name"`
}

// Resolver classifies on-disk models. The zero value is not usable; create
// with NewResolver.
type Resolver struct {
	logger  *logging.Logger
	aliases map[string]string
}

// NewResolver creates a Resolver with the built-in alias table, optionally
// extended from the YAML file at aliasPath (ignored when empty; a missing or
// malformed file logs a warning and keeps the defaults).
func NewResolver(logger *logging.Logger, aliasPath string) *Resolver {
	aliases := make(map[string]string, len(defaultAliases))
	for from, to := range defaultAliases {
		aliases[from] = to
	}

	if aliasPath != "" {
		extra, err := LoadAliases(aliasPath)
		if err != nil {
			logger.Warn("pipeline alias file unreadable, using built-in table",
				zap.String("path", aliasPath), zap.Error(err))
		} else {
			for from, to := range extra {
				aliases[from] = to
			}
		}
	}

	return &Resolver{logger: logger, aliases: aliases}
}

// LoadAliases reads a YAML mapping of pipeline class aliases
// (original name -> actual class name).
func LoadAliases(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var aliases map[string]string
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("parsing alias table: %w", err)
	}
	return aliases, nil
}

// Resolve inspects the model at path and returns its descriptor.
// The only error case is a path that does not exist or cannot be stat'd;
// a missing or unreadable manifest falls back to the generic classic family
// with a warning and never fails.
func (r *Resolver) Resolve(path string) (Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("inspecting model path: %w", err)
	}

	if !info.IsDir() {
		// Single-file checkpoints cannot be classified without loading.
		return Descriptor{
			Path:             path,
			Layout:           LayoutSingleFile,
			Family:           FamilySD1,
			PipelineClass:    DefaultPipelineClass,
			TextEncoderCount: 1,
		}, nil
	}

	desc := Descriptor{
		Path:             path,
		Layout:           LayoutMultiPart,
		Family:           FamilySD1,
		PipelineClass:    DefaultPipelineClass,
		TextEncoderCount: 1,
	}

	className, err := r.readManifestClass(filepath.Join(path, ManifestName))
	if err != nil {
		r.logger.Warn("manifest unreadable, using generic pipeline",
			zap.String("model", path), zap.Error(err))
		return desc, nil
	}
	if className == "" {
		r.logger.Warn("manifest has no _class_name, using generic pipeline",
			zap.String("model", path))
		return desc, nil
	}

	if mapped, ok := r.aliases[className]; ok {
		r.logger.Info("mapped pipeline class",
			zap.String("from", className), zap.String("to", mapped))
		className = mapped
	}

	desc.PipelineClass = className
	desc.Family = ClassifyFamily(className)
	if desc.Family == FamilySDXL {
		desc.TextEncoderCount = 2
	}
	return desc, nil
}

// readManifestClass reads the _class_name field of a manifest file.
func (r *Resolver) readManifestClass(manifestPath string) (string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parsing %s: %w", ManifestName, err)
	}
	return m.ClassName, nil
}

// ClassifyFamily maps a pipeline class identifier to a Family by keyword.
// This is a pure function with no side effects.
func ClassifyFamily(pipelineClass string) Family {
	lower := strings.ToLower(pipelineClass)

	// Flow-matching architectures come under several product names.
	for _, token := range []string{"zimage", "z-image", "qwen", "flux", "sd3", "flowmatch"} {
		if strings.Contains(lower, token) {
			return FamilyFlowMatching
		}
	}

	if strings.Contains(lower, "xl") {
		return FamilySDXL
	}
	if strings.Contains(lower, "stablediffusion2") {
		return FamilySD2
	}
	if strings.Contains(lower, "stablediffusion") {
		return FamilySD1
	}
	return FamilyOther
}

// ModelSizeBytes returns the on-disk footprint of the model: the file size
// for single-file layouts, or the recursive sum of all file sizes for
// directories. Unreadable entries are skipped rather than failing the walk.
func ModelSizeBytes(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}

	var total int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
