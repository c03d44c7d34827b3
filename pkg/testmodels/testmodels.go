// Package testmodels builds small models for tests that need a model on disk.
package testmodels

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

// MLP is Gemm -> Relu -> Softmax over a [1, 3] input named x.
// For input 1,2,3 the Gemm output h is [-2, -7] and the Softmax output y is [0.5, 0.5].
func MLP() []byte {
	weight, err := tensor.New([]int{2, 3}, []float64{1, 0, -1, 0.5, 0.5, 0.5})
	if err != nil {
		panic(err)
	}
	m := &onnx.Model{
		IRVersion:    8,
		ProducerName: "testmodels",
		OpsetImports: []onnx.OpsetImport{{Version: 17}},
		Graph: &onnx.Graph{
			Name: "mlp",
			Nodes: []*onnx.Node{
				{
					Name: "/fc/Gemm", OpType: "Gemm",
					Inputs: []string{"x", "fc.weight", "fc.bias"}, Outputs: []string{"h"},
					Attributes: []*onnx.Attribute{{Name: "transB", Type: onnx.AttributeInt, I: 1}},
				},
				{Name: "/act/Relu", OpType: "Relu", Inputs: []string{"h"}, Outputs: []string{"r"}},
				{Name: "/out/Softmax", OpType: "Softmax", Inputs: []string{"r"}, Outputs: []string{"y"}},
			},
			Initializers: []*onnx.TensorProto{
				onnx.NewTensorProto("fc.weight", weight),
				onnx.NewTensorProto("fc.bias", tensor.FromValues(0, -10)),
			},
			Inputs:  []*onnx.ValueInfo{{Name: "x", ElemType: tensor.Float32, Shape: onnx.DimsFromShape([]int{1, 3})}},
			Outputs: []*onnx.ValueInfo{{Name: "y", ElemType: tensor.Float32}},
		},
	}
	return onnx.Encode(m)
}

// Chain is ten elementwise operations op_1 ... op_10 over a [1, 2] input; op_<failAt> has no kernel
// and fails when reached. A failAt outside 1..10 gives a model that runs to completion.
func Chain(failAt int) []byte {
	g := &onnx.Graph{
		Name:    "chain",
		Inputs:  []*onnx.ValueInfo{{Name: "x", ElemType: tensor.Float32, Shape: onnx.DimsFromShape([]int{1, 2})}},
		Outputs: []*onnx.ValueInfo{{Name: "t10", ElemType: tensor.Float32}},
	}
	prev := "x"
	for i := 1; i <= 10; i++ {
		op := "Abs"
		if i%2 == 0 {
			op = "Neg"
		}
		if i == failAt {
			op = "NotARealOp"
		}
		out := fmt.Sprintf("t%d", i)
		g.Nodes = append(g.Nodes, &onnx.Node{
			Name: fmt.Sprintf("op_%d", i), OpType: op, Inputs: []string{prev}, Outputs: []string{out},
		})
		prev = out
	}
	return onnx.Encode(&onnx.Model{IRVersion: 8, OpsetImports: []onnx.OpsetImport{{Version: 17}}, Graph: g})
}

// Tree is a module tree: fc (Linear, 2 -> 2) then act (ReLU). For input 1,2 fc gives [3, -1].
const Tree = `{
  "name": "tree",
  "input_shape": [-1, 2],
  "modules": [
    {"name": "fc", "type": "Linear", "weight": [[1, 1], [1, -1]], "bias": [0, 0]},
    {"name": "act", "type": "ReLU"}
  ]
}`

// Write stores data as name in a test temp directory and returns its path.
func Write(t testing.TB, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return p
}
