package detection

import (
	"encoding/base64"
	"image"
	"image/color"
	"testing"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	data, err := EncodeJPEG(img, 85)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestDecodeBase64Frame(t *testing.T) {
	raw := testJPEG(t, 64, 48)
	encoded := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name  string
		input string
	}{
		{"bare base64", encoded},
		{"data url prefix", "data:image/jpeg;base64," + encoded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeBase64Frame(tt.input)
			if err != nil {
				t.Fatalf("DecodeBase64Frame: %v", err)
			}
			if frame.Width != 64 || frame.Height != 48 {
				t.Errorf("size = %dx%d, want 64x48", frame.Width, frame.Height)
			}
			if len(frame.Data) == 0 {
				t.Error("Data not retained")
			}
		})
	}
}

func TestDecodeBase64FrameErrors(t *testing.T) {
	if _, err := DecodeBase64Frame("not-base64!!"); err == nil {
		t.Error("invalid base64 accepted")
	}

	garbage := base64.StdEncoding.EncodeToString([]byte("not an image"))
	if _, err := DecodeBase64Frame(garbage); err == nil {
		t.Error("non-image payload accepted")
	}
}

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame(testJPEG(t, 32, 32))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frame.Width != 32 || frame.Height != 32 {
		t.Errorf("size = %dx%d, want 32x32", frame.Width, frame.Height)
	}
}

func TestCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))

	cropped := Crop(img, Box{X1: 10, Y1: 20, X2: 50, Y2: 60})
	bounds := cropped.Bounds()
	if bounds.Dx() != 40 || bounds.Dy() != 40 {
		t.Errorf("crop = %dx%d, want 40x40", bounds.Dx(), bounds.Dy())
	}

	// Out-of-bounds boxes clip to the image.
	clipped := Crop(img, Box{X1: -50, Y1: -50, X2: 30, Y2: 30}).Bounds()
	if clipped.Min.X != 0 || clipped.Min.Y != 0 {
		t.Errorf("clipped crop origin = %v, want 0,0", clipped.Min)
	}

	// Degenerate boxes fall back to the whole image.
	whole := Crop(img, Box{X1: 500, Y1: 500, X2: 600, Y2: 600})
	if whole.Bounds() != img.Bounds() {
		t.Errorf("degenerate crop = %v, want full image", whole.Bounds())
	}
}

func TestBoxGeometry(t *testing.T) {
	a := Box{X1: 0, Y1: 0, X2: 100, Y2: 100}

	if got := a.Area(); got != 10000 {
		t.Errorf("Area = %v, want 10000", got)
	}
	if got := (Box{X1: 10, Y1: 10, X2: 10, Y2: 50}).Area(); got != 0 {
		t.Errorf("degenerate Area = %v, want 0", got)
	}

	cx, cy := a.Center()
	if cx != 50 || cy != 50 {
		t.Errorf("Center = %v,%v, want 50,50", cx, cy)
	}

	b := Box{X1: 50, Y1: 0, X2: 150, Y2: 100}
	if got := a.IoU(b); got != 5000.0/15000.0 {
		t.Errorf("IoU = %v, want 1/3", got)
	}
	if got := a.IoU(Box{X1: 200, Y1: 200, X2: 300, Y2: 300}); got != 0 {
		t.Errorf("disjoint IoU = %v, want 0", got)
	}
}

func TestFrameDiagonal(t *testing.T) {
	f := &Frame{Width: 3, Height: 4}
	if got := f.Diagonal(); got != 5 {
		t.Errorf("Diagonal = %v, want 5", got)
	}
}
