package onnx

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"

	"github.com/strataviz/strata/pkg/tensor"
)

func mlpModel() *Model {
	w := tensor.Zeros(4, 3)
	for i := range w.Data {
		w.Data[i] = float64(i) / 10
	}
	return &Model{
		IRVersion:    8,
		ProducerName: "strata-tests",
		OpsetImports: []OpsetImport{{Version: 17}},
		Graph: &Graph{
			Name: "mlp",
			Nodes: []*Node{
				{Name: "/fc/Gemm", OpType: "Gemm", Inputs: []string{"x", "fc.weight"}, Outputs: []string{"/fc/Gemm_output_0"}},
				{Name: "/act/Relu", OpType: "Relu", Inputs: []string{"/fc/Gemm_output_0"}, Outputs: []string{"/act/Relu_output_0"}},
				{Name: "/shape/Shape", OpType: "Shape", Inputs: []string{"/act/Relu_output_0"}, Outputs: []string{"dims"}},
				{Name: "/out/Mul", OpType: "Mul", Inputs: []string{"/act/Relu_output_0", "scale"}, Outputs: []string{"y"}},
			},
			Initializers: []*TensorProto{
				NewTensorProto("fc.weight", w),
				NewTensorProto("scale", tensor.Scalar(2)),
			},
			Inputs: []*ValueInfo{
				{Name: "x", ElemType: tensor.Float32, Shape: []Dim{{Value: -1, Param: "batch"}, {Value: 4}}},
			},
			Outputs: []*ValueInfo{
				{Name: "y", ElemType: tensor.Float32, Shape: []Dim{{Value: -1, Param: "batch"}, {Value: 3}}},
			},
			ValueInfo: []*ValueInfo{
				{Name: "dims", ElemType: tensor.Int64},
			},
		},
	}
}

func graphBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var g []byte
	require.NoError(t, walk(data, func(f *field) error {
		if f.num == modelGraph {
			g = f.bytes
		}
		return nil
	}))
	return g
}

func TestAugmentExposesEveryNodeOutput(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	data := Encode(mlpModel())

	result, err := Augment(ctx, data)
	require.NoError(t, err)

	assert.Equal(t, []string{"/fc/Gemm_output_0", "/act/Relu_output_0", "dims"}, result.Exposed)
	assert.Equal(t, []string{"y", "/fc/Gemm_output_0", "/act/Relu_output_0", "dims"}, result.Outputs)

	augmented, err := Decode(result.Model)
	require.NoError(t, err)
	var names []string
	for _, out := range augmented.Graph.Outputs {
		names = append(names, out.Name)
	}
	for _, n := range augmented.Graph.Nodes {
		for _, out := range n.Outputs {
			assert.Contains(t, names, out)
		}
	}

	// The original graph encoding is a prefix of the augmented one: nodes and initializers are untouched.
	before := graphBytes(t, data)
	after := graphBytes(t, result.Model)
	assert.True(t, bytes.HasPrefix(after, before))
	assert.Greater(t, len(after), len(before))
}

func TestAugmentDeclaresTypesAndShapes(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	result, err := Augment(ctx, Encode(mlpModel()))
	require.NoError(t, err)

	assert.Equal(t, []string{"dims"}, result.Coerced)
	assert.Equal(t, []int{-1, 3}, result.Shapes["/fc/Gemm_output_0"])
	assert.Equal(t, []int{2}, result.Shapes["dims"])

	augmented, err := Decode(result.Model)
	require.NoError(t, err)
	for _, out := range augmented.Graph.Outputs {
		assert.Equal(t, tensor.Float32, out.ElemType, out.Name)
	}
}

func TestAugmentExposesOutputsWithoutShape(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	m := mlpModel()
	m.Graph.Nodes = append(m.Graph.Nodes, &Node{Name: "custom", OpType: "MysteryOp", Inputs: []string{"y"}, Outputs: []string{"z"}})

	result, err := Augment(ctx, Encode(m))
	require.NoError(t, err)
	assert.Contains(t, result.Exposed, "z")
	_, ok := result.Shapes["z"]
	assert.False(t, ok)
}

func TestAugmentRejectsInvalidModels(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)

	_, err := Augment(ctx, []byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrAugmentation)

	_, err = Augment(ctx, Encode(&Model{IRVersion: 8}))
	require.ErrorIs(t, err, ErrAugmentation)

	m := mlpModel()
	m.Graph.Nodes[1].Outputs = []string{"/fc/Gemm_output_0"}
	_, err = Augment(ctx, Encode(m))
	require.ErrorIs(t, err, ErrAugmentation)

	m = mlpModel()
	m.Graph.Nodes[0].Inputs = []string{"missing", "fc.weight"}
	_, err = Augment(ctx, Encode(m))
	require.ErrorIs(t, err, ErrAugmentation)
}

func TestDecodeRoundTrip(t *testing.T) {
	m := mlpModel()
	m.Graph.Nodes = append(m.Graph.Nodes, &Node{
		Name:   "/pool/MaxPool",
		OpType: "MaxPool",
		Inputs: []string{"y"},
		Outputs: []string{
			"pooled",
		},
		Attributes: []*Attribute{
			{Name: "kernel_shape", Type: AttributeInts, Ints: []int64{2, 2}},
			{Name: "alpha", Type: AttributeFloat, F: 0.5},
			{Name: "auto_pad", Type: AttributeString, S: []byte("VALID")},
		},
	})

	decoded, err := Decode(Encode(m))
	require.NoError(t, err)
	assert.Equal(t, int64(17), decoded.Opset())
	assert.Equal(t, "strata-tests", decoded.ProducerName)

	n := decoded.Graph.Nodes[4]
	assert.Equal(t, []int64{2, 2}, n.AttrInts("kernel_shape"))
	assert.Equal(t, float32(0.5), n.AttrFloat("alpha", 0))
	assert.Equal(t, "VALID", n.AttrString("auto_pad", ""))

	w, ok := decoded.Graph.Initializer("fc.weight")
	require.True(t, ok)
	wt, err := w.ToTensor()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, wt.Shape)
	assert.InDelta(t, 1.1, wt.Data[11], 1e-6)

	assert.Equal(t, []int{-1, 4}, decoded.Graph.Inputs[0].StaticShape())
	assert.Equal(t, "batch", decoded.Graph.Inputs[0].Shape[0].Param)
}
