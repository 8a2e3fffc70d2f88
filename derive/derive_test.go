package derive_test

import (
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/fotoq/derive"
)

// writeTestJPEG creates a solid-color JPEG of the given size.
func writeTestJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	writeTestJPEG(t, src, 800, 600)

	outputs, err := derive.Generate(src, []derive.Spec{
		{Kind: "thumb", MaxWidth: 200, MaxHeight: 200, Quality: 80, Output: filepath.Join(dir, "out", "thumb.jpg")},
		{Kind: "preview", MaxWidth: 400, MaxHeight: 400, Output: filepath.Join(dir, "out", "preview.png")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", len(outputs))
	}

	// 800x600 into 200x200 → 200x150, aspect preserved.
	thumb := outputs[0]
	if thumb.Width != 200 || thumb.Height != 150 {
		t.Fatalf("thumb = %dx%d, want 200x150", thumb.Width, thumb.Height)
	}

	f, err := os.Open(thumb.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if format != "jpeg" {
		t.Fatalf("format = %q, want jpeg", format)
	}
	if cfg.Width != 200 || cfg.Height != 150 {
		t.Fatalf("decoded %dx%d, want 200x150", cfg.Width, cfg.Height)
	}

	// The .png spec actually encoded PNG.
	pf, err := os.Open(outputs[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()
	if _, err := png.DecodeConfig(pf); err != nil {
		t.Fatalf("preview is not PNG: %v", err)
	}
}

func TestGenerateNeverUpscales(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "small.jpg")
	writeTestJPEG(t, src, 100, 50)

	outputs, err := derive.Generate(src, []derive.Spec{
		{Kind: "preview", MaxWidth: 1000, MaxHeight: 1000, Output: filepath.Join(dir, "preview.jpg")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if outputs[0].Width != 100 || outputs[0].Height != 50 {
		t.Fatalf("got %dx%d, want source size 100x50", outputs[0].Width, outputs[0].Height)
	}
}

func TestGenerateMissingSource(t *testing.T) {
	_, err := derive.Generate("/nonexistent/photo.jpg", []derive.Spec{
		{Kind: "thumb", MaxWidth: 10, MaxHeight: 10, Output: "out.jpg"},
	})
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestGenerateRejectsBadSpec(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.jpg")
	writeTestJPEG(t, src, 10, 10)

	_, err := derive.Generate(src, []derive.Spec{
		{Kind: "bad", MaxWidth: 0, MaxHeight: 100, Output: filepath.Join(dir, "x.jpg")},
	})
	if err == nil {
		t.Fatal("expected error for zero-width spec")
	}
}
