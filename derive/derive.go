// Package derive generates image derivatives (thumbnails, previews) from
// a source photo. Decoding happens once per source; each spec is scaled
// with Catmull-Rom resampling and encoded to its own output path.
//
// This is the CPU-bound work the image worker pool executes; nothing here
// knows about jobs or scheduling.
package derive

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"image/jpeg"
	"image/png"

	_ "image/gif"
)

// Spec describes one derivative to produce.
type Spec struct {
	// Kind tags the derivative ("thumb", "preview", ...); carried into
	// the output for the caller, not interpreted here.
	Kind string
	// MaxWidth and MaxHeight bound the output. Aspect ratio is
	// preserved; the source is never upscaled.
	MaxWidth  int
	MaxHeight int
	// Quality is the JPEG quality (1-100). Ignored for PNG outputs.
	// Default: 85.
	Quality int
	// Output is the file path to write. The extension selects the
	// encoder: .png writes PNG, everything else JPEG.
	Output string
}

// Output reports one produced derivative.
type Output struct {
	Kind   string
	Path   string
	Width  int
	Height int
}

// Generate decodes source once and produces every spec. Parent
// directories of output paths are created as needed. The first failing
// spec aborts the remainder.
func Generate(source string, specs []Spec) ([]Output, error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("derive: open source: %w", err)
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("derive: decode %s: %w", source, err)
	}

	outputs := make([]Output, 0, len(specs))
	for _, spec := range specs {
		out, err := generateOne(src, spec)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func generateOne(src image.Image, spec Spec) (Output, error) {
	if spec.MaxWidth <= 0 || spec.MaxHeight <= 0 {
		return Output{}, fmt.Errorf("derive: spec %q: non-positive bounds %dx%d",
			spec.Kind, spec.MaxWidth, spec.MaxHeight)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), spec.MaxWidth, spec.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(spec.Output), 0o755); err != nil {
		return Output{}, fmt.Errorf("derive: mkdir for %s: %w", spec.Output, err)
	}
	f, err := os.Create(spec.Output)
	if err != nil {
		return Output{}, fmt.Errorf("derive: create %s: %w", spec.Output, err)
	}

	switch strings.ToLower(filepath.Ext(spec.Output)) {
	case ".png":
		err = png.Encode(f, dst)
	default:
		q := spec.Quality
		if q <= 0 || q > 100 {
			q = 85
		}
		err = jpeg.Encode(f, dst, &jpeg.Options{Quality: q})
	}
	if err != nil {
		f.Close()
		os.Remove(spec.Output)
		return Output{}, fmt.Errorf("derive: encode %s: %w", spec.Output, err)
	}
	if err := f.Close(); err != nil {
		return Output{}, fmt.Errorf("derive: close %s: %w", spec.Output, err)
	}

	return Output{Kind: spec.Kind, Path: spec.Output, Width: w, Height: h}, nil
}

// fit scales (w, h) down to fill at most (maxW, maxH) preserving aspect
// ratio. Sources already inside the bounds pass through unscaled.
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	rw := float64(maxW) / float64(w)
	rh := float64(maxH) / float64(h)
	r := min(rw, rh)
	ow := int(float64(w)*r + 0.5)
	oh := int(float64(h)*r + 0.5)
	if ow < 1 {
		ow = 1
	}
	if oh < 1 {
		oh = 1
	}
	return ow, oh
}
