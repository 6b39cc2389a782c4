package fieldsync

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Profile selects a network-adaptive compression preset. Slower links get
// smaller outputs.
type Profile string

const (
	// ProfileSlow targets constrained links: quality 75, max 960x540.
	ProfileSlow Profile = "slow"
	// ProfileMedium is the default: quality 85, max 1280x720.
	ProfileMedium Profile = "medium"
	// ProfileFast targets good links: quality 90, max 1920x1080.
	ProfileFast Profile = "fast"
)

// Format is the target encoding for optimized images.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// ProfileParams are the explicit numeric parameters behind a Profile.
type ProfileParams struct {
	// Quality is the encoder quality (1..100). Ignored for PNG.
	Quality int
	// MaxWidth/MaxHeight bound the output dimensions. Aspect ratio is
	// preserved and images are never upscaled.
	MaxWidth  int
	MaxHeight int
	Format    Format
}

// Params returns the fixed parameters for the profile. Unknown profiles fall
// back to medium.
func (p Profile) Params() ProfileParams {
	switch p {
	case ProfileSlow:
		return ProfileParams{Quality: 75, MaxWidth: 960, MaxHeight: 540, Format: FormatJPEG}
	case ProfileFast:
		return ProfileParams{Quality: 90, MaxWidth: 1920, MaxHeight: 1080, Format: FormatJPEG}
	default:
		return ProfileParams{Quality: 85, MaxWidth: 1280, MaxHeight: 720, Format: FormatJPEG}
	}
}

// Optimize compresses a raw image using the given profile. See OptimizeWith.
func Optimize(src []byte, profile Profile) ([]byte, float64, error) {
	return OptimizeWith(src, profile.Params())
}

// OptimizeWith decodes the source image, scales it down to fit the profile
// bounds preserving aspect ratio (never upscaling) and re-encodes it at the
// profile quality. It returns the encoded image and the achieved compression
// ratio (output size / input size).
//
// It is purely functional: no state, no I/O beyond in-memory buffers.
// ErrDecodeImage and ErrEncodeImage are permanent for the same input; the
// caller must treat them as a rejection of that image.
func OptimizeWith(src []byte, p ProfileParams) ([]byte, float64, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecodeImage, err)
	}

	// Fit scales down only; images already within bounds pass through.
	if p.MaxWidth > 0 && p.MaxHeight > 0 {
		img = imaging.Fit(img, p.MaxWidth, p.MaxHeight, imaging.Lanczos)
	}

	format := imaging.JPEG
	if p.Format == FormatPNG {
		format = imaging.PNG
	}
	quality := p.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality)); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrEncodeImage, err)
	}

	out := buf.Bytes()
	ratio := 0.0
	if len(src) > 0 {
		ratio = float64(len(out)) / float64(len(src))
	}
	return out, ratio, nil
}
