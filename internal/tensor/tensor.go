// Package tensor wraps gorgonia dense buffers with the typed, flat-offset
// access the decode loop needs. Buffers exchanged between steps are always
// full copies, never views: a step may resize or reorder rows while an
// earlier step's shape assumptions are still live in the executor.
package tensor

import (
	"github.com/pkg/errors"
	ggtensor "gorgonia.org/tensor"
)

// Dtype re-exports the gorgonia dtype.
type Dtype = ggtensor.Dtype

var (
	Float32 = ggtensor.Float32
	Int64   = ggtensor.Int64
	Int32   = ggtensor.Int32
)

// Tensor is a dense multi-dimensional buffer. The backing slice is retained
// alongside the dense handle so flat access stays valid even for size-1
// tensors, which gorgonia reports as scalars.
type Tensor struct {
	data    *ggtensor.Dense
	backing interface{}
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero-filled tensor of the given dtype and shape.
func New(dt Dtype, shape ...int) *Tensor {
	n := numElems(shape)
	var backing interface{}
	switch dt {
	case Int64:
		backing = make([]int64, n)
	case Int32:
		backing = make([]int32, n)
	case Float32:
		backing = make([]float32, n)
	default:
		panic(errors.Errorf("tensor: unsupported dtype %v", dt))
	}
	return &Tensor{
		data:    ggtensor.New(ggtensor.WithShape(shape...), ggtensor.WithBacking(backing)),
		backing: backing,
	}
}

// FromInt64s builds an int64 tensor around a copy of vals.
func FromInt64s(vals []int64, shape ...int) *Tensor {
	t := New(Int64, shape...)
	copy(t.Int64s(), vals)
	return t
}

// FromInt32s builds an int32 tensor around a copy of vals.
func FromInt32s(vals []int32, shape ...int) *Tensor {
	t := New(Int32, shape...)
	copy(t.Int32s(), vals)
	return t
}

// FromFloat32s builds a float32 tensor around a copy of vals.
func FromFloat32s(vals []float32, shape ...int) *Tensor {
	t := New(Float32, shape...)
	copy(t.Float32s(), vals)
	return t
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() []int {
	return t.data.Shape()
}

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int {
	return t.data.Shape()[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.data.Shape())
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return numElems(t.data.Shape())
}

// Dtype returns the element type.
func (t *Tensor) Dtype() Dtype {
	return t.data.Dtype()
}

// Int64s returns the flat backing slice. The tensor must hold int64 elements.
func (t *Tensor) Int64s() []int64 {
	return t.backing.([]int64)
}

// Int32s returns the flat backing slice. The tensor must hold int32 elements.
func (t *Tensor) Int32s() []int32 {
	return t.backing.([]int32)
}

// Float32s returns the flat backing slice. The tensor must hold float32 elements.
func (t *Tensor) Float32s() []float32 {
	return t.backing.([]float32)
}

// Clone returns a deep copy with its own backing storage.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Dtype(), t.Shape()...)
	switch src := t.backing.(type) {
	case []int64:
		copy(out.Int64s(), src)
	case []int32:
		copy(out.Int32s(), src)
	case []float32:
		copy(out.Float32s(), src)
	}
	return out
}

// Reshape changes the shape in place. The element count must be preserved.
func (t *Tensor) Reshape(shape ...int) error {
	if numElems(shape) != t.Size() {
		return errors.Errorf("tensor: cannot reshape %v to %v", t.Shape(), shape)
	}
	return t.data.Reshape(shape...)
}
