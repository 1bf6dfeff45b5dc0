package matcher

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/draw"
)

// ErrEmptyCrop means the padded box does not overlap the frame.
var ErrEmptyCrop = errors.New("face box outside frame")

// DecodeFrame decodes a JPEG (or PNG) frame.
func DecodeFrame(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// CropFace pads box by padding * box size on every side, clamps it to the
// frame and downsamples the region so neither side exceeds maxSide.
func CropFace(img image.Image, box types.BBox, padding float64, maxSide int) (image.Image, error) {
	if box.Empty() {
		return nil, ErrEmptyCrop
	}
	padX := int(float64(box.Width) * padding)
	padY := int(float64(box.Height) * padding)
	bounds := img.Bounds()
	rect := image.Rect(
		bounds.Min.X+box.X-padX,
		bounds.Min.Y+box.Y-padY,
		bounds.Min.X+box.X+box.Width+padX,
		bounds.Min.Y+box.Y+box.Height+padY,
	).Intersect(bounds)
	if rect.Empty() {
		return nil, ErrEmptyCrop
	}

	width, height := rect.Dx(), rect.Dy()
	newWidth, newHeight := width, height
	if width > maxSide || height > maxSide {
		if width > height {
			newWidth = maxSide
			newHeight = max(1, int(float64(height)*float64(maxSide)/float64(width)))
		} else {
			newHeight = maxSide
			newWidth = max(1, int(float64(width)*float64(maxSide)/float64(height)))
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Src, nil)
	return dst, nil
}

// EncodeJPEG encodes img for the engine.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
