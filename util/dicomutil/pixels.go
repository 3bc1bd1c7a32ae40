package dicomutil

import (
	"fmt"
	"image"
	"math"

	"github.com/knights-analytics/tbdetect/util/safeconv"
)

// PixelArray is a dense row-major array of samples. Shapes are (H, W), (H, W, S), (F, H, W) or
// (F, H, W, S), where S is the samples per pixel and F the frame count.
type PixelArray struct {
	Shape           []int
	Data            []float64
	SamplesPerPixel int
}

func (p *PixelArray) size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// MiddleSlice reduces a multi-frame array to the frame at index frames/2. The frame axis of a 3
// dimensional single-sample array is found heuristically: a first axis longer than 3 means
// (F, H, W), otherwise a last axis longer than 3 means (H, W, F). Small or square volumes are
// ambiguous. Arrays that already hold a single frame are returned unchanged.
func MiddleSlice(p *PixelArray) (*PixelArray, error) {
	if p.size() != len(p.Data) {
		return nil, fmt.Errorf("pixel array shape %v needs %d samples, got %d", p.Shape, p.size(), len(p.Data))
	}
	switch len(p.Shape) {
	case 2:
		return p, nil
	case 3:
		if p.SamplesPerPixel > 1 {
			return p, nil
		}
		if p.Shape[0] > 3 {
			return sliceFirstAxis(p, p.Shape[0]/2), nil
		}
		if p.Shape[2] > 3 {
			return sliceLastAxis(p, p.Shape[2]/2), nil
		}
		return p, nil
	case 4:
		return sliceFirstAxis(p, p.Shape[0]/2), nil
	default:
		return nil, fmt.Errorf("unsupported pixel array shape %v", p.Shape)
	}
}

func sliceFirstAxis(p *PixelArray, index int) *PixelArray {
	stride := len(p.Data) / p.Shape[0]
	data := make([]float64, stride)
	copy(data, p.Data[index*stride:(index+1)*stride])
	return &PixelArray{Shape: append([]int(nil), p.Shape[1:]...), Data: data, SamplesPerPixel: p.SamplesPerPixel}
}

func sliceLastAxis(p *PixelArray, index int) *PixelArray {
	last := p.Shape[len(p.Shape)-1]
	n := len(p.Data) / last
	data := make([]float64, n)
	for i := range n {
		data[i] = p.Data[i*last+index]
	}
	return &PixelArray{Shape: append([]int(nil), p.Shape[:len(p.Shape)-1]...), Data: data, SamplesPerPixel: 1}
}

// Rescale8Bit maps the value range of the array linearly onto 0-255, rounding and clipping. A
// constant array maps to zeros.
func Rescale8Bit(p *PixelArray) []uint8 {
	out := make([]uint8, len(p.Data))
	if len(p.Data) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range p.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= lo {
		return out
	}
	scale := 255 / (hi - lo)
	for i, v := range p.Data {
		out[i] = safeconv.Float32ToUint8(float32((v - lo) * scale))
	}
	return out
}

// ToImage converts a single frame to an 8-bit image: one sample per pixel gives image.Gray,
// three or more give image.NRGBA from the first three samples.
func ToImage(p *PixelArray) (image.Image, error) {
	var h, w, samples int
	switch len(p.Shape) {
	case 2:
		h, w, samples = p.Shape[0], p.Shape[1], 1
	case 3:
		h, w, samples = p.Shape[0], p.Shape[1], p.Shape[2]
	default:
		return nil, fmt.Errorf("expected a single frame, got pixel array shape %v", p.Shape)
	}
	if h <= 0 || w <= 0 || h*w*samples != len(p.Data) {
		return nil, fmt.Errorf("pixel array shape %v does not match %d samples", p.Shape, len(p.Data))
	}
	pixels := Rescale8Bit(p)
	switch {
	case samples == 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		copy(img.Pix, pixels)
		return img, nil
	case samples >= 3:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i := range h * w {
			copy(img.Pix[i*4:i*4+3], pixels[i*samples:i*samples+3])
			img.Pix[i*4+3] = 0xFF
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%d samples per pixel are not supported", samples)
	}
}
