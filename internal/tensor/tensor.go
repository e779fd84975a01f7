// Package tensor holds the NCHW float32 tensor and the handful of kernels the
// classifier and the synthesis network need. Everything runs on the CPU in plain Go.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is an n-dimensional float32 array in row-major order
type Tensor struct {
	Data  []float32
	Shape []int
}

func New(shape ...int) *Tensor {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Tensor{Data: make([]float32, size), Shape: append([]int{}, shape...)}
}

// From wraps data without copying. len(data) must match the shape.
func From(data []float32, shape []int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fit shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: append([]int{}, shape...)}
}

// Full returns a tensor filled with v
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func (t *Tensor) Numel() int {
	n := 1
	for _, s := range t.Shape {
		n *= s
	}
	return n
}

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Clone() *Tensor {
	d := make([]float32, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, Shape: append([]int{}, t.Shape...)}
}

// Reshape returns a view sharing Data with a new shape of equal size
func (t *Tensor) Reshape(shape ...int) *Tensor {
	return From(t.Data, shape)
}

// SameShape reports whether t has exactly the given shape
func (t *Tensor) SameShape(shape ...int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return false
		}
	}
	return true
}

// Sample returns a view of element n along the leading (batch) dimension,
// keeping a leading dimension of 1.
func (t *Tensor) Sample(n int) *Tensor {
	per := len(t.Data) / t.Shape[0]
	shape := append([]int{1}, t.Shape[1:]...)
	return &Tensor{Data: t.Data[n*per : (n+1)*per], Shape: shape}
}

// Broadcast repeats a [1,...] tensor n times along the batch dimension
func (t *Tensor) Broadcast(n int) *Tensor {
	if t.Shape[0] != 1 {
		panic(fmt.Sprintf("tensor: broadcast needs leading dim 1, got %v", t.Shape))
	}
	shape := append([]int{n}, t.Shape[1:]...)
	out := New(shape...)
	for i := 0; i < n; i++ {
		copy(out.Data[i*len(t.Data):], t.Data)
	}
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// MinMax returns the smallest and largest element
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	lo, hi := t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Argmax returns the index of the largest value; ties go to the lowest index
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
