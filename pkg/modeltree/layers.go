package modeltree

import (
	"fmt"
	"math"
	"slices"

	"github.com/strataviz/strata/pkg/engine/fallback"
	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

type layerFunc func(x *tensor.Tensor) (*tensor.Tensor, error)

// layers maps a leaf module type to a constructor that validates its parameters.
var layers = map[string]func(s *Spec) (layerFunc, error){
	"Linear":      newLinear,
	"Conv2d":      newConv2d,
	"MaxPool2d":   newPool(fallback.MaxPool),
	"AvgPool2d":   newPool(fallback.AveragePool),
	"BatchNorm2d": newBatchNorm,
	"ReLU":        elementwise(func(v float64) float64 { return math.Max(v, 0) }),
	"Sigmoid":     elementwise(func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }),
	"Tanh":        elementwise(math.Tanh),
	"LeakyReLU":   newLeakyReLU,
	"Softmax":     newSoftmax,
	"Flatten":     newFlatten,
	"Dropout":     identity,
	"Identity":    identity,
}

// SupportedTypes lists the leaf module types that can be loaded.
func SupportedTypes() []string {
	var types []string
	for k := range layers {
		types = append(types, k)
	}
	slices.Sort(types)
	return types
}

func identity(*Spec) (layerFunc, error) {
	return func(x *tensor.Tensor) (*tensor.Tensor, error) { return x.Clone(), nil }, nil
}

func elementwise(f func(float64) float64) func(*Spec) (layerFunc, error) {
	return func(*Spec) (layerFunc, error) {
		return func(x *tensor.Tensor) (*tensor.Tensor, error) { return fallback.Map(x, f), nil }, nil
	}
}

func newLeakyReLU(s *Spec) (layerFunc, error) {
	slope := 0.01
	if s.NegativeSlope != nil {
		slope = *s.NegativeSlope
	}
	return elementwise(func(v float64) float64 {
		if v < 0 {
			return slope * v
		}
		return v
	})(s)
}

func newLinear(s *Spec) (layerFunc, error) {
	if s.Weight == nil || s.Weight.Rank() != 2 {
		return nil, fmt.Errorf("weight must be a matrix of shape [out_features, in_features]")
	}
	if s.Bias != nil && (s.Bias.Rank() != 1 || s.Bias.Len() != s.Weight.Shape[0]) {
		return nil, fmt.Errorf("bias of shape %v does not match weight of shape %v", s.Bias.Shape, s.Weight.Shape)
	}
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return fallback.Linear(x, s.Weight, s.Bias)
	}, nil
}

// pair expands a one- or two-element size to height and width.
func pair(v []int, def int) ([]int, error) {
	switch len(v) {
	case 0:
		return []int{def, def}, nil
	case 1:
		return []int{v[0], v[0]}, nil
	case 2:
		return slices.Clone(v), nil
	}
	return nil, fmt.Errorf("expected one or two sizes, got %v", v)
}

func window(s *Spec, kernel []int, defStride []int) (*onnx.WindowParams, error) {
	strides, err := pair(s.Stride, 1)
	if err != nil {
		return nil, err
	}
	if len(s.Stride) == 0 && defStride != nil {
		strides = defStride
	}
	pads, err := pair(s.Padding, 0)
	if err != nil {
		return nil, err
	}
	dilations, err := pair(s.Dilation, 1)
	if err != nil {
		return nil, err
	}
	return &onnx.WindowParams{
		Kernel:    kernel,
		Strides:   strides,
		Dilations: dilations,
		PadsBegin: pads,
		PadsEnd:   slices.Clone(pads),
	}, nil
}

func newConv2d(s *Spec) (layerFunc, error) {
	if s.Weight == nil || s.Weight.Rank() != 4 {
		return nil, fmt.Errorf("weight must have shape [out_channels, in_channels/groups, kH, kW]")
	}
	if s.Bias != nil && s.Bias.Len() != s.Weight.Shape[0] {
		return nil, fmt.Errorf("bias of shape %v does not match %d output channels", s.Bias.Shape, s.Weight.Shape[0])
	}
	groups := max(s.Groups, 1)
	if s.Weight.Shape[0]%groups != 0 {
		return nil, fmt.Errorf("%d output channels are not divisible by %d groups", s.Weight.Shape[0], groups)
	}
	p, err := window(s, slices.Clone(s.Weight.Shape[2:]), nil)
	if err != nil {
		return nil, err
	}
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return fallback.Conv2D(x, s.Weight, s.Bias, p, groups)
	}, nil
}

func newPool(mode fallback.PoolMode) func(*Spec) (layerFunc, error) {
	return func(s *Spec) (layerFunc, error) {
		if len(s.KernelSize) == 0 {
			return nil, fmt.Errorf("kernel_size is required")
		}
		kernel, err := pair(s.KernelSize, 0)
		if err != nil {
			return nil, err
		}
		p, err := window(s, kernel, kernel)
		if err != nil {
			return nil, err
		}
		includePad := s.CountIncludePad == nil || *s.CountIncludePad
		return func(x *tensor.Tensor) (*tensor.Tensor, error) {
			return fallback.Pool2D(x, p, mode, includePad)
		}, nil
	}
}

func newBatchNorm(s *Spec) (layerFunc, error) {
	if s.RunningMean == nil || s.RunningVar == nil {
		return nil, fmt.Errorf("running_mean and running_var are required")
	}
	c := s.RunningMean.Len()
	if s.RunningVar.Len() != c {
		return nil, fmt.Errorf("running_var has %d values, running_mean has %d", s.RunningVar.Len(), c)
	}
	scale, bias := s.Weight, s.Bias
	if scale == nil {
		scale = fallback.Map(tensor.Zeros(c), func(float64) float64 { return 1 })
	}
	if bias == nil {
		bias = tensor.Zeros(c)
	}
	eps := 1e-5
	if s.Eps != nil {
		eps = *s.Eps
	}
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		if x.Rank() != 4 {
			return nil, fmt.Errorf("expected an NCHW input, got shape %v", x.Shape)
		}
		return fallback.BatchNorm(x, scale, bias, s.RunningMean, s.RunningVar, eps)
	}, nil
}

func newSoftmax(s *Spec) (layerFunc, error) {
	dim := -1
	if s.Dim != nil {
		dim = *s.Dim
	}
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return fallback.Softmax(x, dim)
	}, nil
}

func newFlatten(s *Spec) (layerFunc, error) {
	start, end := 1, -1
	if s.StartDim != nil {
		start = *s.StartDim
	}
	if s.EndDim != nil {
		end = *s.EndDim
	}
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		r := x.Rank()
		from, err := onnx.ResolveAxis(start, r)
		if err != nil {
			return nil, err
		}
		to, err := onnx.ResolveAxis(end, r)
		if err != nil {
			return nil, err
		}
		if from > to {
			return nil, fmt.Errorf("start_dim %d is after end_dim %d for shape %v", start, end, x.Shape)
		}
		shape := slices.Clone(x.Shape[:from])
		shape = append(shape, tensor.NumElements(x.Shape[from:to+1]))
		shape = append(shape, x.Shape[to+1:]...)
		y, err := x.Clone().Reshape(shape...)
		if err != nil {
			return nil, err
		}
		return y, nil
	}, nil
}
