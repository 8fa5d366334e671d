// Package imaging prepares picked photos for the chat pipeline: it
// orientation-fixes and downscales raw image bytes, strips embedded
// metadata on request, and assigns a coarse category via cheap pixel
// sampling.
package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	_ "image/png"

	ximaging "github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// ErrUnreadable is returned when raw bytes cannot be decoded as an image.
var ErrUnreadable = errors.New("image unreadable")

const (
	// DefaultMaxDimension bounds the longer edge of a normalized image.
	DefaultMaxDimension = 1280

	jpegQuality = 85
)

// NormalizedImage is a decoded, orientation-corrected, bounded-size image
// ready for classification, OCR, and gateway upload.
type NormalizedImage struct {
	Data   []byte // re-encoded JPEG payload, no embedded metadata
	Width  int
	Height int
	MIME   string

	pixels image.Image
}

// Pixels returns the decoded pixel buffer, or nil when the image carries
// none (a NormalizedImage constructed from raw bytes always has one).
func (n *NormalizedImage) Pixels() image.Image {
	if n == nil {
		return nil
	}
	return n.pixels
}

// Normalize decodes raw image bytes, applies EXIF orientation correction,
// and downsamples so neither dimension exceeds maxDim. Images already
// within bounds are never upscaled, and output dimensions are never
// smaller than 1x1. The result is re-encoded, which drops any embedded
// metadata from the source bytes.
func Normalize(raw []byte, maxDim int) (*NormalizedImage, error) {
	if len(raw) == 0 {
		return nil, ErrUnreadable
	}
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, ErrUnreadable
	}

	img = applyOrientation(img, readOrientation(raw))

	b := img.Bounds()
	if b.Dx() > maxDim || b.Dy() > maxDim {
		// Fit preserves aspect ratio and never produces a zero dimension
		// for a non-empty source.
		img = ximaging.Fit(img, maxDim, maxDim, ximaging.Lanczos)
	}

	out, err := encodeJPEG(img)
	if err != nil {
		return nil, ErrUnreadable
	}
	nb := img.Bounds()
	return &NormalizedImage{
		Data:   out,
		Width:  nb.Dx(),
		Height: nb.Dy(),
		MIME:   "image/jpeg",
		pixels: img,
	}, nil
}

// StripMetadata re-encodes the image from its pixel buffer, losing any
// embedded metadata. Normalize already strips metadata as a side effect of
// re-encoding; this exists for callers holding an image that may have been
// restored from elsewhere.
func StripMetadata(n *NormalizedImage) (*NormalizedImage, error) {
	if n == nil {
		return nil, ErrUnreadable
	}
	if n.pixels == nil {
		// No pixel buffer to re-encode from: decode our own payload.
		return Normalize(n.Data, maxInt(n.Width, n.Height))
	}
	out, err := encodeJPEG(n.pixels)
	if err != nil {
		return nil, ErrUnreadable
	}
	b := n.pixels.Bounds()
	return &NormalizedImage{
		Data:   out,
		Width:  b.Dx(),
		Height: b.Dy(),
		MIME:   "image/jpeg",
		pixels: n.pixels,
	}, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readOrientation extracts the EXIF orientation tag (1-8) from raw bytes.
// Returns 1 (upright) when the tag is absent or unreadable.
func readOrientation(raw []byte) int {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil || x == nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil || tag == nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return ximaging.FlipH(img)
	case 3:
		return ximaging.Rotate180(img)
	case 4:
		return ximaging.FlipV(img)
	case 5:
		return ximaging.Transpose(img)
	case 6:
		return ximaging.Rotate270(img)
	case 7:
		return ximaging.Transverse(img)
	case 8:
		return ximaging.Rotate90(img)
	default:
		return img
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
