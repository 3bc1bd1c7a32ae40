package imageutil

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// ApplySteps runs the steps in order.
func ApplySteps(img image.Image, steps ...PreprocessStep) (image.Image, error) {
	var err error
	for _, step := range steps {
		img, err = step.Apply(img)
		if err != nil {
			return nil, fmt.Errorf("failed to apply preprocessing step: %w", err)
		}
	}
	return img, nil
}

// ColourPreprocessor converts any colour model (indexed, grey with alpha, RGBA, CMYK...) to the
// canonical form for the target channel count.
type ColourPreprocessor struct {
	channels int
}

func ColourStep(channels int) *ColourPreprocessor {
	return &ColourPreprocessor{channels: channels}
}

func (s *ColourPreprocessor) Apply(img image.Image) (image.Image, error) {
	switch s.channels {
	case 1:
		return toGray(img), nil
	case 3:
		return toOpaque(img), nil
	default:
		return nil, fmt.Errorf("cannot convert to %d channels", s.channels)
	}
}

// toOpaque drops alpha and keeps the stored colour of every pixel, so that transparent pixels
// do not vanish in the alpha weighted resize.
func toOpaque(img image.Image) *image.NRGBA {
	nrgba := imaging.Clone(img)
	for i := 3; i < len(nrgba.Pix); i += 4 {
		nrgba.Pix[i] = 0xFF
	}
	return nrgba
}

// toGray uses the ITU-R 601-2 luma weights of imaging.Grayscale and keeps a single channel.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	nrgba := imaging.Grayscale(img)
	bounds := nrgba.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Pix[gray.PixOffset(x, y)] = nrgba.Pix[nrgba.PixOffset(x, y)]
		}
	}
	return gray
}

// Resample filters allowed for resizing. Nearest neighbour is deliberately absent.
var resampleFilters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"box":        imaging.Box,
}

const DefaultResampleFilter = "lanczos"

// ParseResampleFilter returns the named filter.
func ParseResampleFilter(name string) (imaging.ResampleFilter, error) {
	if name == "" {
		name = DefaultResampleFilter
	}
	filter, ok := resampleFilters[strings.ToLower(name)]
	if !ok {
		return imaging.ResampleFilter{}, fmt.Errorf("resample filter %q is not supported, use lanczos, catmullrom or box", name)
	}
	return filter, nil
}

// ResizePreprocessor resizes to an exact size, ignoring the aspect ratio.
type ResizePreprocessor struct {
	width, height int
	filter        imaging.ResampleFilter
}

func ResizeStep(width, height int, filter imaging.ResampleFilter) *ResizePreprocessor {
	return &ResizePreprocessor{width: width, height: height, filter: filter}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", s.width, s.height)
	}
	resized := imaging.Resize(img, s.width, s.height, s.filter)
	if _, ok := img.(*image.Gray); ok {
		// imaging always returns NRGBA, keep grey images single channel
		return toGray(resized), nil
	}
	return resized, nil
}
