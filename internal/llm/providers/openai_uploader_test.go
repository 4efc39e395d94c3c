package providers

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(w, h, color.White), imaging.PNG); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestResizeImage(t *testing.T) {
	t.Run("large image is shrunk to fit", func(t *testing.T) {
		out, err := resizeImage(encodePNG(t, 4000, 2000), 1000)
		if err != nil {
			t.Fatalf("resize failed: %v", err)
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		if err != nil {
			t.Fatalf("resized output is not an image: %v", err)
		}
		if format != "png" {
			t.Errorf("expected png, got %s", format)
		}
		if cfg.Width != 1000 || cfg.Height != 500 {
			t.Errorf("expected 1000x500, got %dx%d", cfg.Width, cfg.Height)
		}
	})

	t.Run("small image is untouched", func(t *testing.T) {
		in := encodePNG(t, 100, 50)
		out, err := resizeImage(in, 1000)
		if err != nil {
			t.Fatalf("resize failed: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Error("small image should be returned as is")
		}
	})

	t.Run("non-image data is rejected", func(t *testing.T) {
		if _, err := resizeImage([]byte("%PDF-1.7"), 1000); err == nil {
			t.Error("expected error for non-image data")
		}
	})
}

func TestIsSupportedImage(t *testing.T) {
	for ct, want := range map[string]bool{
		"image/png":       true,
		"image/jpeg":      true,
		"image/webp":      true,
		"image/tiff":      false,
		"application/pdf": false,
	} {
		if got := isSupportedImage(ct); got != want {
			t.Errorf("isSupportedImage(%q) = %v, want %v", ct, got, want)
		}
	}
}
