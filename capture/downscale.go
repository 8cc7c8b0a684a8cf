package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"
)

// DownscalePNG resizes a PNG so its height does not exceed maxHeight,
// preserving aspect ratio. Full-page screenshots of long pages can run to
// tens of thousands of pixels, which vision APIs reject or silently crop.
// Images already within the cap are returned unchanged.
func DownscalePNG(data []byte, maxHeight int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("capture: decode png: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dy() <= maxHeight {
		return data, nil
	}

	scale := float64(maxHeight) / float64(bounds.Dy())
	w := int(float64(bounds.Dx()) * scale)
	if w < 1 {
		w = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, maxHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("capture: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
