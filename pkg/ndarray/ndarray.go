// Package ndarray provides the small row-major n-dimensional arrays that
// carry detector images and analysis results through the pipeline.
//
// Arrays are plain values: a shape and a flat backing slice. The leading
// axis of a frame image is the pulse axis, so most helpers here work on
// "axis 0" only.
package ndarray

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrShape is returned when array shapes do not agree.
var ErrShape = errors.New("ndarray: shape mismatch")

// DType names the element type of an array on the wire.
type DType string

const (
	// Float64DType is the dtype of Float64 arrays.
	Float64DType DType = "float64"
	// BoolDType is the dtype of Bool arrays.
	BoolDType DType = "bool"
)

// Float64 is a row-major float64 array.
type Float64 struct {
	Shape []int
	Data  []float64
}

// Bool is a row-major boolean array.
type Bool struct {
	Shape []int
	Data  []bool
}

// Size returns the number of elements implied by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func checkShape(shape []int) error {
	for i, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension %d on axis %d", ErrShape, d, i)
		}
	}
	return nil
}

// NewFloat64 allocates a zeroed array of the given shape.
func NewFloat64(shape ...int) *Float64 {
	s := append([]int(nil), shape...)
	return &Float64{Shape: s, Data: make([]float64, Size(s))}
}

// FromFloat64 wraps data in an array of the given shape without copying.
func FromFloat64(data []float64, shape ...int) (*Float64, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if Size(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrShape, len(data), shape)
	}
	return &Float64{Shape: append([]int(nil), shape...), Data: data}, nil
}

// NewBool allocates an all-false array of the given shape.
func NewBool(shape ...int) *Bool {
	s := append([]int(nil), shape...)
	return &Bool{Shape: s, Data: make([]bool, Size(s))}
}

// FromBool wraps data in an array of the given shape without copying.
func FromBool(data []bool, shape ...int) (*Bool, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if Size(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrShape, len(data), shape)
	}
	return &Bool{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Dims returns the number of axes.
func (a *Float64) Dims() int { return len(a.Shape) }

// Len returns the length of the leading axis.
func (a *Float64) Len() int {
	if len(a.Shape) == 0 {
		return 0
	}
	return a.Shape[0]
}

// Pulse returns a view of slice i along the leading axis. The view shares
// the backing data with a.
func (a *Float64) Pulse(i int) *Float64 {
	inner := a.Shape[1:]
	n := Size(inner)
	return &Float64{Shape: append([]int(nil), inner...), Data: a.Data[i*n : (i+1)*n]}
}

// At2 returns element (y, x) of a 2-D array.
func (a *Float64) At2(y, x int) float64 {
	return a.Data[y*a.Shape[1]+x]
}

// Clone returns a deep copy.
func (a *Float64) Clone() *Float64 {
	return &Float64{
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]float64(nil), a.Data...),
	}
}

// MeanAxis0 averages the array over its leading axis. NaN elements
// propagate into the mean of their pixel.
func (a *Float64) MeanAxis0() (*Float64, error) {
	if len(a.Shape) < 1 || a.Shape[0] == 0 {
		return nil, fmt.Errorf("%w: cannot average empty leading axis of %v", ErrShape, a.Shape)
	}
	out := NewFloat64(a.Shape[1:]...)
	for i := 0; i < a.Shape[0]; i++ {
		floats.Add(out.Data, a.Pulse(i).Data)
	}
	floats.Scale(1/float64(a.Shape[0]), out.Data)
	return out, nil
}

// Equal reports whether a and b have the same shape and bit-identical
// elements. NaNs compare by payload.
func (a *Float64) Equal(b *Float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !sameShape(a.Shape, b.Shape) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if math.Float64bits(a.Data[i]) != math.Float64bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// Dims returns the number of axes.
func (a *Bool) Dims() int { return len(a.Shape) }

// Pulse returns a view of slice i along the leading axis.
func (a *Bool) Pulse(i int) *Bool {
	inner := a.Shape[1:]
	n := Size(inner)
	return &Bool{Shape: append([]int(nil), inner...), Data: a.Data[i*n : (i+1)*n]}
}

// Count returns the number of true elements.
func (a *Bool) Count() int {
	n := 0
	for _, v := range a.Data {
		if v {
			n++
		}
	}
	return n
}

// Equal reports whether a and b have the same shape and elements.
func (a *Bool) Equal(b *Bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !sameShape(a.Shape, b.Shape) || len(a.Data) != len(b.Data) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool { return sameShape(a, b) }

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StackFloat64 joins equally shaped arrays along a new leading axis.
func StackFloat64(parts []*Float64) (*Float64, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	inner := parts[0].Shape
	n := Size(inner)
	out := NewFloat64(append([]int{len(parts)}, inner...)...)
	for i, p := range parts {
		if !sameShape(p.Shape, inner) {
			return nil, fmt.Errorf("%w: part %d has shape %v, want %v", ErrShape, i, p.Shape, inner)
		}
		copy(out.Data[i*n:], p.Data)
	}
	return out, nil
}

// StackBool joins equally shaped boolean arrays along a new leading axis.
func StackBool(parts []*Bool) (*Bool, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	inner := parts[0].Shape
	n := Size(inner)
	out := NewBool(append([]int{len(parts)}, inner...)...)
	for i, p := range parts {
		if !sameShape(p.Shape, inner) {
			return nil, fmt.Errorf("%w: part %d has shape %v, want %v", ErrShape, i, p.Shape, inner)
		}
		copy(out.Data[i*n:], p.Data)
	}
	return out, nil
}
