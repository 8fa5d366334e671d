package imaging

import "image"

// Category is the coarse bucket assigned to a normalized attachment.
type Category string

const (
	CategorySkin    Category = "skin"
	CategoryEye     Category = "eye"
	CategoryMeal    Category = "meal"  // reserved for a future signal source
	CategoryLabel   Category = "label" // reserved for a future signal source
	CategoryUnknown Category = "unknown"
)

// ValidCategory reports whether c is one of the closed set of categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategorySkin, CategoryEye, CategoryMeal, CategoryLabel, CategoryUnknown:
		return true
	}
	return false
}

// classifier thresholds, applied to mean channel intensities (0-255) of a
// sparse sample grid.
const (
	sampleGrid = 16 // up to 16x16 sample points

	skinMinRed      = 95
	skinRedOverBlue = 20
	skinRedOverGrn  = 10

	eyeMaxLuma = 90
)

// Classify assigns a coarse category by sampling a sparse grid of pixels
// and averaging channel intensities. It is deterministic for identical
// pixel data and returns CategoryUnknown when the image has no decodable
// pixel buffer. Meal and label detection need signal sources this sampler
// cannot provide, so those buckets are never produced here.
func Classify(n *NormalizedImage) Category {
	if n == nil || n.pixels == nil {
		return CategoryUnknown
	}
	b := n.pixels.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return CategoryUnknown
	}

	stepX := w / sampleGrid
	if stepX < 1 {
		stepX = 1
	}
	stepY := h / sampleGrid
	if stepY < 1 {
		stepY = 1
	}

	var sumR, sumG, sumB, count uint64
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := n.pixels.At(x, y).RGBA()
			sumR += uint64(r >> 8)
			sumG += uint64(g >> 8)
			sumB += uint64(bl >> 8)
			count++
		}
	}
	if count == 0 {
		return CategoryUnknown
	}

	avgR := int(sumR / count)
	avgG := int(sumG / count)
	avgB := int(sumB / count)

	if avgR >= skinMinRed && avgR >= avgB+skinRedOverBlue && avgR >= avgG+skinRedOverGrn {
		return CategorySkin
	}

	// Rec. 601 luma approximation.
	luma := (299*avgR + 587*avgG + 114*avgB) / 1000
	if luma <= eyeMaxLuma && avgB >= avgR {
		return CategoryEye
	}

	return CategoryUnknown
}

// classifyPixels is a test seam: Classify over a bare pixel buffer.
func classifyPixels(img image.Image) Category {
	if img == nil {
		return CategoryUnknown
	}
	return Classify(&NormalizedImage{pixels: img})
}
