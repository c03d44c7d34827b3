package fallback

import (
	"fmt"
	"slices"

	"github.com/strataviz/strata/pkg/tensor"
)

// Map applies f to every element, returning a new tensor.
func Map(x *tensor.Tensor, f func(float64) float64) *tensor.Tensor {
	out := make([]float64, len(x.Data))
	for i, v := range x.Data {
		out[i] = f(v)
	}
	return &tensor.Tensor{Shape: slices.Clone(x.Shape), Data: out}
}

// Broadcast applies f elementwise with numpy broadcasting.
func Broadcast(a, b *tensor.Tensor, f func(x, y float64) float64) (*tensor.Tensor, error) {
	if slices.Equal(a.Shape, b.Shape) {
		out := make([]float64, len(a.Data))
		for i := range out {
			out[i] = f(a.Data[i], b.Data[i])
		}
		return &tensor.Tensor{Shape: slices.Clone(a.Shape), Data: out}, nil
	}

	shape, err := tensor.BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	aStrides, bStrides := tensor.Strides(a.Shape), tensor.Strides(b.Shape)
	out := make([]float64, tensor.NumElements(shape))
	for i := range out {
		x := a.Data[tensor.BroadcastIndex(i, shape, a.Shape, aStrides)]
		y := b.Data[tensor.BroadcastIndex(i, shape, b.Shape, bStrides)]
		out[i] = f(x, y)
	}
	return tensor.New(shape, out)
}

func sameSize(t1, t2 *tensor.Tensor) bool {
	return slices.Equal(t1.Shape, t2.Shape)
}

func ints(t *tensor.Tensor) []int64 {
	out := make([]int64, len(t.Data))
	for i, v := range t.Data {
		out[i] = int64(v)
	}
	return out
}

func requireRank(name string, t *tensor.Tensor, rank int) error {
	if t.Rank() != rank {
		return fmt.Errorf("%s must have rank %d, got shape %v", name, rank, t.Shape)
	}
	return nil
}
