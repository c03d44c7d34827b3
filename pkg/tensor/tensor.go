package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major array of float64 values.
// Kernels never modify a tensor after it has been returned, so tensors can be shared freely.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New builds a tensor, checking that the data length matches the shape.
func New(shape []int, data []float64) (*Tensor, error) {
	for i, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("dimension %d is negative (%d)", i, d)
		}
	}
	n := NumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("shape %v holds %d elements, got %d values", shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Zeros returns a zero-filled tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float64, NumElements(shape))}
}

// Scalar returns a rank-0 tensor.
func Scalar(v float64) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float64{v}}
}

// FromValues returns a rank-1 tensor holding values.
func FromValues(values ...float64) *Tensor {
	return &Tensor{Shape: []int{len(values)}, Data: values}
}

// NumElements is the product of the dimensions; the empty shape holds one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// IsEmpty is true when any dimension is zero.
func (t *Tensor) IsEmpty() bool {
	return len(t.Data) == 0
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if NumElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}, nil
}

// Strides returns the row-major strides for shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(index ...int) float64 {
	if len(index) != len(t.Shape) {
		panic(fmt.Sprintf("index %v does not match rank %d", index, len(t.Shape)))
	}
	offset := 0
	strides := Strides(t.Shape)
	for i, ix := range index {
		offset += ix * strides[i]
	}
	return t.Data[offset]
}

func (t *Tensor) String() string {
	if len(t.Data) > 8 {
		return fmt.Sprintf("Tensor%v%v...", t.Shape, t.Data[:8])
	}
	return fmt.Sprintf("Tensor%v%v", t.Shape, t.Data)
}

// BroadcastShapes computes the numpy-style broadcast of a and b.
func BroadcastShapes(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da, db := 1, 1
		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// BroadcastIndex maps a flat index in the broadcast shape out to a flat index into a tensor of shape in.
func BroadcastIndex(flat int, out, in []int, inStrides []int) int {
	offset := 0
	rem := flat
	for i := len(out) - 1; i >= 0; i-- {
		coord := rem % out[i]
		rem /= out[i]
		j := len(in) - len(out) + i
		if j < 0 {
			continue
		}
		if in[j] != 1 {
			offset += coord * inStrides[j]
		}
	}
	return offset
}
