package imageutil

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/exp/constraints"
)

// Strategy maps raw 8-bit samples to model intensities.
type Strategy string

const (
	// Rescale divides by 255 and clips to [0, 1], the scale used at training time.
	Rescale Strategy = "rescale_1_255"
	// MinMax stretches the buffer's own range to [0, 1]; a constant buffer maps to zeros.
	MinMax Strategy = "min_max"
)

func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case "", Rescale:
		return Rescale, nil
	case MinMax:
		return MinMax, nil
	default:
		return "", fmt.Errorf("normalization strategy %q is not supported, use %s or %s", name, Rescale, MinMax)
	}
}

func Clip[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	return max(lo, min(hi, v))
}

// Apply normalizes values in place.
func (s Strategy) Apply(values []float32) error {
	switch s {
	case Rescale, "":
		for i, v := range values {
			values[i] = Clip(v/255, 0, 1)
		}
	case MinMax:
		if len(values) == 0 {
			return nil
		}
		lo, hi := values[0], values[0]
		for _, v := range values[1:] {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if hi <= lo {
			clear(values)
			return nil
		}
		scale := hi - lo
		for i, v := range values {
			values[i] = (v - lo) / scale
		}
	default:
		return fmt.Errorf("normalization strategy %q is not supported", s)
	}
	return nil
}

// Pixels samples img into an H*W*C float32 buffer of raw 0-255 values, row-major with
// interleaved channels. Grey images give one channel, everything else three.
func Pixels(img image.Image) ([]float32, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if gray, ok := img.(*image.Gray); ok {
		out := make([]float32, 0, w*h)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := gray.Pix[gray.PixOffset(bounds.Min.X, y):]
			for x := range w {
				out = append(out, float32(row[x]))
			}
		}
		return out, 1
	}
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
	}
	nb := nrgba.Bounds()
	out := make([]float32, 0, w*h*3)
	for y := nb.Min.Y; y < nb.Max.Y; y++ {
		for x := nb.Min.X; x < nb.Max.X; x++ {
			i := nrgba.PixOffset(x, y)
			out = append(out, float32(nrgba.Pix[i]), float32(nrgba.Pix[i+1]), float32(nrgba.Pix[i+2]))
		}
	}
	return out, 3
}

// FixChannels converts an interleaved buffer of n pixels from one channel count to another.
// Going down keeps the first channel, going up replicates the single channel.
func FixChannels(values []float32, from, to int) ([]float32, error) {
	switch {
	case from == to:
		return values, nil
	case from > 0 && to == 1:
		n := len(values) / from
		out := make([]float32, n)
		for i := range n {
			out[i] = values[i*from]
		}
		return out, nil
	case from == 1 && to > 1:
		out := make([]float32, len(values)*to)
		for i, v := range values {
			for c := range to {
				out[i*to+c] = v
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %d channels to %d", from, to)
	}
}
