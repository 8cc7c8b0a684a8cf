package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestDownscalePNG_TallImageIsCapped(t *testing.T) {
	// WHAT: A screenshot taller than the cap comes back at the cap height
	// with the aspect ratio preserved.
	data := encodeTestPNG(t, 1000, 8000)

	out, err := DownscalePNG(data, 4000)
	if err != nil {
		t.Fatalf("DownscalePNG: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got := img.Bounds().Dy(); got != 4000 {
		t.Errorf("height = %d, want 4000", got)
	}
	if got := img.Bounds().Dx(); got != 500 {
		t.Errorf("width = %d, want 500", got)
	}
}

func TestDownscalePNG_SmallImageUntouched(t *testing.T) {
	// WHAT: Images within the cap are returned byte-identical, skipping a
	// re-encode that would perturb pixels.
	data := encodeTestPNG(t, 800, 600)

	out, err := DownscalePNG(data, 4000)
	if err != nil {
		t.Fatalf("DownscalePNG: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("small image was re-encoded")
	}
}

func TestDownscalePNG_GarbageIsError(t *testing.T) {
	if _, err := DownscalePNG([]byte("not a png"), 4000); err == nil {
		t.Fatal("expected decode error")
	}
}
