package imaging

import (
	"image"
	"image/color"
	"testing"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestClassifyBuckets(t *testing.T) {
	tests := []struct {
		name string
		c    color.Color
		want Category
	}{
		{name: "warm skin tone", c: color.RGBA{R: 190, G: 140, B: 110, A: 255}, want: CategorySkin},
		{name: "dark iris blue", c: color.RGBA{R: 40, G: 55, B: 80, A: 255}, want: CategoryEye},
		{name: "bright white", c: color.RGBA{R: 250, G: 250, B: 250, A: 255}, want: CategoryUnknown},
		{name: "neutral gray", c: color.RGBA{R: 128, G: 128, B: 128, A: 255}, want: CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPixels(solidImage(64, 64, tt.c))
			if got != tt.want {
				t.Errorf("classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyNoPixelBuffer(t *testing.T) {
	if got := Classify(nil); got != CategoryUnknown {
		t.Errorf("Classify(nil) = %q, want unknown", got)
	}
	if got := Classify(&NormalizedImage{}); got != CategoryUnknown {
		t.Errorf("Classify(no pixels) = %q, want unknown", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	img := solidImage(100, 80, color.RGBA{R: 200, G: 150, B: 120, A: 255})
	first := classifyPixels(img)
	for i := 0; i < 5; i++ {
		if got := classifyPixels(img); got != first {
			t.Fatalf("classification changed between runs: %q then %q", first, got)
		}
	}
}

func TestValidCategory(t *testing.T) {
	for _, c := range []Category{CategorySkin, CategoryEye, CategoryMeal, CategoryLabel, CategoryUnknown} {
		if !ValidCategory(c) {
			t.Errorf("ValidCategory(%q) = false", c)
		}
	}
	if ValidCategory(Category("selfie")) {
		t.Error("ValidCategory accepted an open-ended value")
	}
}
