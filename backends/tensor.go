package backends

import (
	"fmt"
)

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// NumElements is the product of the dimensions, 0 for a shape with a dynamic dimension.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		if d <= 0 {
			return 0
		}
		n *= int(d)
	}
	return n
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape Shape
	Data  []float32
}

func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("tensor shape %s needs %d values, got %d", shape, shape.NumElements(), len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Clone returns a deep copy that shares no memory with t.
func (t *Tensor) Clone() *Tensor {
	shape := make(Shape, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Data: data}
}

// ToNCHW returns a copy of an NHWC tensor transposed to NCHW.
func (t *Tensor) ToNCHW() (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("expected a 4 dimensional tensor, got shape %s", t.Shape)
	}
	n, h, w, c := int(t.Shape[0]), int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3])
	out := make([]float32, len(t.Data))
	idx := 0
	for b := range n {
		for ch := range c {
			for y := range h {
				for x := range w {
					out[idx] = t.Data[((b*h+y)*w+x)*c+ch]
					idx++
				}
			}
		}
	}
	return &Tensor{Shape: NewShape(int64(n), int64(c), int64(h), int64(w)), Data: out}, nil
}
