package detection

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
)

// DecodeBase64Frame decodes a base64 payload (with or without a data-URL
// prefix) into a Frame.
func DecodeBase64Frame(imageData string) (*Frame, error) {
	if idx := strings.Index(imageData, ","); idx >= 0 && strings.HasPrefix(imageData, "data:") {
		imageData = imageData[idx+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(imageData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	return &Frame{
		Image:  img,
		Data:   raw,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// DecodeFrame decodes raw encoded image bytes into a Frame.
func DecodeFrame(raw []byte) (*Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	return &Frame{
		Image:  img,
		Data:   raw,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

// EncodeJPEG converts an image to JPEG bytes.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Crop returns the sub-image of img bounded by box, clipped to the image
// bounds. The full image is returned when the clipped region is empty.
func Crop(img image.Image, box Box) image.Image {
	bounds := img.Bounds()
	x1 := clampInt(int(box.X1), bounds.Min.X, bounds.Max.X-1)
	y1 := clampInt(int(box.Y1), bounds.Min.Y, bounds.Max.Y-1)
	x2 := clampInt(int(box.X2), bounds.Min.X, bounds.Max.X-1)
	y2 := clampInt(int(box.Y2), bounds.Min.Y, bounds.Max.Y-1)

	if x2 <= x1 || y2 <= y1 {
		return img
	}

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(image.Rect(x1, y1, x2, y2))
	}
	return img
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
