package fallback

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

// kernel computes the outputs of one node. Missing optional inputs are nil.
type kernel func(n *onnx.Node, in []*tensor.Tensor, opset int64) ([]*tensor.Tensor, error)

var kernels = map[string]kernel{
	"Identity": passThrough,
	"Dropout":  dropout,
	"Relu":     unary(func(v float64) float64 { return math.Max(0, v) }),
	"Sigmoid":  unary(func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }),
	"Tanh":     unary(math.Tanh),
	"Exp":      unary(math.Exp),
	"Log":      unary(math.Log),
	"Sqrt":     unary(math.Sqrt),
	"Neg":      unary(func(v float64) float64 { return -v }),
	"Abs":      unary(math.Abs),
	"Erf":      unary(math.Erf),
	"LeakyRelu": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		alpha := float64(n.AttrFloat("alpha", 0.01))
		return one(Map(in[0], func(v float64) float64 {
			if v < 0 {
				return alpha * v
			}
			return v
		}))
	},
	"Elu": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		alpha := float64(n.AttrFloat("alpha", 1))
		return one(Map(in[0], func(v float64) float64 {
			if v < 0 {
				return alpha * (math.Exp(v) - 1)
			}
			return v
		}))
	},
	"Clip": clip,
	"Cast": cast,

	"Add": binary(func(a, b float64) float64 { return a + b }),
	"Sub": binary(func(a, b float64) float64 { return a - b }),
	"Mul": binary(func(a, b float64) float64 { return a * b }),
	"Div": binary(func(a, b float64) float64 { return a / b }),
	"Pow": binary(math.Pow),

	"MatMul": func(_ *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return wrap(MatMul(in[0], in[1]))
	},
	"Gemm": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return wrap(Gemm(in[0], in[1], optional(in, 2),
			float64(n.AttrFloat("alpha", 1)), float64(n.AttrFloat("beta", 1)),
			n.AttrInt("transA", 0) != 0, n.AttrInt("transB", 0) != 0))
	},
	"Conv": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		x, w := in[0], in[1]
		if x.Rank() != 4 || w.Rank() != 4 {
			return nil, fmt.Errorf("only 2-D convolution is supported, got input %v and weight %v", x.Shape, w.Shape)
		}
		p := onnx.NewWindowParams(n, x.Shape[2:], w.Shape[2:])
		return wrap(Conv2D(x, w, optional(in, 2), p, int(n.AttrInt("group", 1))))
	},
	"MaxPool": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return pool(n, in[0], MaxPool)
	},
	"AveragePool": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return pool(n, in[0], AveragePool)
	},
	"GlobalAveragePool": func(_ *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return wrap(GlobalAveragePool(in[0]))
	},
	"BatchNormalization": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		if len(in) < 5 {
			return nil, fmt.Errorf("BatchNormalization needs 5 inputs, got %d", len(in))
		}
		return wrap(BatchNorm(in[0], in[1], in[2], in[3], in[4], float64(n.AttrFloat("epsilon", 1e-5))))
	},
	"Softmax": softmax,

	"Flatten": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		x := in[0]
		axis, err := onnx.FlattenAxis(int(n.AttrInt("axis", 1)), x.Rank())
		if err != nil {
			return nil, err
		}
		return wrap(x.Reshape(tensor.NumElements(x.Shape[:axis]), tensor.NumElements(x.Shape[axis:])))
	},
	"Reshape": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		if optional(in, 1) == nil {
			return nil, fmt.Errorf("Reshape needs a shape input")
		}
		shape, err := onnx.ResolveReshape(in[0].Shape, ints(in[1]), n.AttrInt("allowzero", 0) != 0)
		if err != nil {
			return nil, err
		}
		return wrap(in[0].Reshape(shape...))
	},
	"Transpose": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		var perm []int
		for _, p := range n.AttrInts("perm") {
			perm = append(perm, int(p))
		}
		return wrap(Transpose(in[0], perm))
	},
	"Concat": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return wrap(Concat(int(n.AttrInt("axis", 0)), in...))
	},
	"Constant": constant,
	"Shape": func(_ *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		dims := make([]float64, in[0].Rank())
		for i, d := range in[0].Shape {
			dims[i] = float64(d)
		}
		return one(tensor.FromValues(dims...))
	},
	"Squeeze": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		shape, err := onnx.SqueezeShape(in[0].Shape, axes(n, in))
		if err != nil {
			return nil, err
		}
		return wrap(in[0].Reshape(shape...))
	},
	"Unsqueeze": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		shape, err := onnx.UnsqueezeShape(in[0].Shape, axes(n, in))
		if err != nil {
			return nil, err
		}
		return wrap(in[0].Reshape(shape...))
	},
	"ReduceMean": func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return wrap(ReduceMean(in[0], axes(n, in), n.AttrInt("keepdims", 1) != 0))
	},
}

// SupportedOps lists the operator types the CPU runtime can execute.
func SupportedOps() []string {
	ops := make([]string, 0, len(kernels))
	for op := range kernels {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func one(t *tensor.Tensor) ([]*tensor.Tensor, error) {
	return []*tensor.Tensor{t}, nil
}

func wrap(t *tensor.Tensor, err error) ([]*tensor.Tensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}

func optional(in []*tensor.Tensor, i int) *tensor.Tensor {
	if i < len(in) {
		return in[i]
	}
	return nil
}

func unary(f func(float64) float64) kernel {
	return func(_ *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		return one(Map(in[0], f))
	}
}

func binary(f func(a, b float64) float64) kernel {
	return func(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
		if len(in) < 2 || in[1] == nil {
			return nil, fmt.Errorf("%s needs two inputs", n.OpType)
		}
		return wrap(Broadcast(in[0], in[1], f))
	}
}

func passThrough(_ *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
	return one(in[0])
}

// dropout is the inference-mode identity; the optional mask output is all ones.
func dropout(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
	outs := []*tensor.Tensor{in[0]}
	if len(n.Outputs) > 1 {
		outs = append(outs, Map(in[0], func(float64) float64 { return 1 }))
	}
	return outs, nil
}

func clip(n *onnx.Node, in []*tensor.Tensor, opset int64) ([]*tensor.Tensor, error) {
	lo, hi := math.Inf(-1), math.Inf(1)
	if opset > 0 && opset < 11 {
		lo = float64(n.AttrFloat("min", float32(math.Inf(-1))))
		hi = float64(n.AttrFloat("max", float32(math.Inf(1))))
	} else {
		if t := optional(in, 1); t != nil && t.Len() > 0 {
			lo = t.Data[0]
		}
		if t := optional(in, 2); t != nil && t.Len() > 0 {
			hi = t.Data[0]
		}
	}
	return one(Map(in[0], func(v float64) float64 { return math.Min(hi, math.Max(lo, v)) }))
}

func cast(n *onnx.Node, in []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
	to := tensor.DType(n.AttrInt("to", int64(tensor.Float32)))
	switch {
	case to.IsFloat():
		return one(in[0])
	case to == tensor.Bool:
		return one(Map(in[0], func(v float64) float64 {
			if v != 0 {
				return 1
			}
			return 0
		}))
	case to.IsNumeric():
		return one(Map(in[0], math.Trunc))
	}
	return nil, fmt.Errorf("Cast to %v is not supported", to)
}

func pool(n *onnx.Node, x *tensor.Tensor, mode PoolMode) ([]*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("only 2-D pooling is supported, got input %v", x.Shape)
	}
	var window []int
	for _, k := range n.AttrInts("kernel_shape") {
		window = append(window, int(k))
	}
	if len(window) != 2 {
		return nil, fmt.Errorf("pooling needs a 2-D kernel_shape, got %v", window)
	}
	p := onnx.NewWindowParams(n, x.Shape[2:], window)
	return wrap(Pool2D(x, p, mode, n.AttrInt("count_include_pad", 0) != 0))
}

func softmax(n *onnx.Node, in []*tensor.Tensor, opset int64) ([]*tensor.Tensor, error) {
	x := in[0]
	if opset >= 13 || opset == 0 {
		return wrap(Softmax(x, int(n.AttrInt("axis", -1))))
	}
	// Before opset 13 the input is coerced to 2-D around axis.
	axis, err := onnx.FlattenAxis(int(n.AttrInt("axis", 1)), x.Rank())
	if err != nil {
		return nil, err
	}
	flat, err := x.Reshape(tensor.NumElements(x.Shape[:axis]), tensor.NumElements(x.Shape[axis:]))
	if err != nil {
		return nil, err
	}
	y, err := Softmax(flat, 1)
	if err != nil {
		return nil, err
	}
	return wrap(y.Reshape(x.Shape...))
}

func constant(n *onnx.Node, _ []*tensor.Tensor, _ int64) ([]*tensor.Tensor, error) {
	for _, a := range n.Attributes {
		switch a.Name {
		case "value":
			if a.T == nil {
				return nil, fmt.Errorf("Constant value attribute has no tensor")
			}
			return wrap(a.T.ToTensor())
		case "value_float":
			return one(tensor.Scalar(float64(a.F)))
		case "value_int":
			return one(tensor.Scalar(float64(a.I)))
		case "value_floats":
			values := make([]float64, len(a.Floats))
			for i, f := range a.Floats {
				values[i] = float64(f)
			}
			return one(tensor.FromValues(values...))
		case "value_ints":
			values := make([]float64, len(a.Ints))
			for i, v := range a.Ints {
				values[i] = float64(v)
			}
			return one(tensor.FromValues(values...))
		}
	}
	return nil, fmt.Errorf("Constant has no supported value attribute")
}

func axes(n *onnx.Node, in []*tensor.Tensor) []int64 {
	if a := n.AttrInts("axes"); a != nil {
		return slices.Clone(a)
	}
	if t := optional(in, 1); t != nil {
		return ints(t)
	}
	return nil
}
