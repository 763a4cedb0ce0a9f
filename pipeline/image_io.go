package pipeline

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
)

// LoadSourceImage decodes the image-to-image source and resizes it to the
// requested output dimensions with CatmullRom interpolation, so the latent
// encoding sees exactly the geometry it will generate at.
func LoadSourceImage(path string, width, height int) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open source image %s: %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decode source image %s: %w", path, err)
	}

	bounds := src.Bounds()
	if bounds.Dx() == width && bounds.Dy() == height {
		return src, nil
	}
	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(resized, resized.Bounds(), src, bounds, draw.Over, nil)
	return resized, nil
}

// OutputPaths expands the base output path for a multi-image run: one image
// keeps the path as given, more get a _N suffix starting at 1.
func OutputPaths(base string, count int) []string {
	if count <= 1 {
		return []string{base}
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	paths := make([]string, count)
	for i := range paths {
		paths[i] = fmt.Sprintf("%s_%d%s", stem, i+1, ext)
	}
	return paths
}

// SavePNG writes img to path, creating parent directories as needed.
func SavePNG(img image.Image, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("pipeline: create output directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pipeline: create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("pipeline: encode %s: %w", path, err)
	}
	return f.Close()
}
