package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataviz/strata/pkg/tensor"
)

func TestInferShapesConvNet(t *testing.T) {
	g := &Graph{
		Nodes: []*Node{
			{OpType: "Conv", Inputs: []string{"x", "w"}, Outputs: []string{"c"}, Attributes: []*Attribute{
				{Name: "pads", Type: AttributeInts, Ints: []int64{1, 1, 1, 1}},
				{Name: "strides", Type: AttributeInts, Ints: []int64{2, 2}},
			}},
			{OpType: "MaxPool", Inputs: []string{"c"}, Outputs: []string{"p"}, Attributes: []*Attribute{
				{Name: "kernel_shape", Type: AttributeInts, Ints: []int64{2, 2}},
				{Name: "strides", Type: AttributeInts, Ints: []int64{2, 2}},
			}},
			{OpType: "Flatten", Inputs: []string{"p"}, Outputs: []string{"f"}},
			{OpType: "Reshape", Inputs: []string{"f", "target"}, Outputs: []string{"r"}},
			{OpType: "Unsqueeze", Inputs: []string{"r"}, Outputs: []string{"u"}, Attributes: []*Attribute{
				{Name: "axes", Type: AttributeInts, Ints: []int64{0}},
			}},
			{OpType: "GlobalAveragePool", Inputs: []string{"c"}, Outputs: []string{"gap"}},
			{OpType: "ReduceMean", Inputs: []string{"c"}, Outputs: []string{"rm"}, Attributes: []*Attribute{
				{Name: "axes", Type: AttributeInts, Ints: []int64{2, 3}},
				{Name: "keepdims", Type: AttributeInt, I: 0},
			}},
		},
		Initializers: []*TensorProto{
			NewTensorProto("w", tensor.Zeros(8, 3, 3, 3)),
			NewInt64TensorProto("target", 2, -1),
		},
		Inputs: []*ValueInfo{{Name: "x", ElemType: tensor.Float32, Shape: DimsFromShape([]int{2, 3, 16, 16})}},
	}

	r := InferShapes(g)
	assert.Empty(t, r.Skipped)
	assert.Equal(t, []int{2, 8, 8, 8}, r.Shapes["c"])
	assert.Equal(t, []int{2, 8, 4, 4}, r.Shapes["p"])
	assert.Equal(t, []int{2, 128}, r.Shapes["f"])
	assert.Equal(t, []int{2, 128}, r.Shapes["r"])
	assert.Equal(t, []int{1, 2, 128}, r.Shapes["u"])
	assert.Equal(t, []int{2, 8, 1, 1}, r.Shapes["gap"])
	assert.Equal(t, []int{2, 8}, r.Shapes["rm"])
}

func TestInferShapesSkipsUnknown(t *testing.T) {
	g := &Graph{
		Nodes: []*Node{
			{OpType: "Relu", Inputs: []string{"x"}, Outputs: []string{"a"}},
			{OpType: "Reshape", Inputs: []string{"a", "dynamic"}, Outputs: []string{"b"}},
			{OpType: "Relu", Inputs: []string{"b"}, Outputs: []string{"c"}},
		},
		Inputs: []*ValueInfo{
			{Name: "x", ElemType: tensor.Float32, Shape: DimsFromShape([]int{1, 4})},
			{Name: "dynamic", ElemType: tensor.Int64, Shape: DimsFromShape([]int{2})},
		},
	}
	r := InferShapes(g)
	assert.Equal(t, []int{1, 4}, r.Shapes["a"])
	assert.Contains(t, r.Skipped, "b")
	assert.Contains(t, r.Skipped, "c")
}

func TestMatMulShape(t *testing.T) {
	s, err := MatMulShape([]int{2, 1, 3, 4}, []int{5, 4, 6})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 3, 6}, s)

	s, err = MatMulShape([]int{4}, []int{4, 6})
	require.NoError(t, err)
	assert.Equal(t, []int{6}, s)

	_, err = MatMulShape([]int{2, 3}, []int{4, 5})
	require.Error(t, err)
}

func TestResolveReshape(t *testing.T) {
	s, err := ResolveReshape([]int{2, 3, 4}, []int64{0, -1}, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 12}, s)

	_, err = ResolveReshape([]int{2, 3, 4}, []int64{5, -1}, false)
	require.Error(t, err)
	_, err = ResolveReshape([]int{2, 3}, []int64{-1, -1}, false)
	require.Error(t, err)
}
