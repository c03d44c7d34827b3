// Package onnx reads, writes and augments ONNX models directly on the protobuf wire format.
package onnx

import (
	"fmt"
	"math"

	"github.com/strataviz/strata/pkg/tensor"
)

type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	OpsetImports    []OpsetImport
	Graph           *Graph
}

type OpsetImport struct {
	Domain  string
	Version int64
}

// Opset returns the version of the default ("" or "ai.onnx") operator set, or 0 if none is imported.
func (m *Model) Opset() int64 {
	for _, op := range m.OpsetImports {
		if op.Domain == "" || op.Domain == "ai.onnx" {
			return op.Version
		}
	}
	return 0
}

type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*TensorProto
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfo    []*ValueInfo
}

// Initializer returns the initializer with the given name.
func (g *Graph) Initializer(name string) (*TensorProto, bool) {
	for _, init := range g.Initializers {
		if init.Name == name {
			return init, true
		}
	}
	return nil, false
}

// RuntimeInputs returns the graph inputs that are not backed by an initializer.
func (g *Graph) RuntimeInputs() []*ValueInfo {
	initialized := make(map[string]bool, len(g.Initializers))
	for _, init := range g.Initializers {
		initialized[init.Name] = true
	}
	var inputs []*ValueInfo
	for _, in := range g.Inputs {
		if !initialized[in.Name] {
			inputs = append(inputs, in)
		}
	}
	return inputs
}

type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute
}

func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (n *Node) AttrInt(name string, def int64) int64 {
	if a := n.Attr(name); a != nil {
		return a.I
	}
	return def
}

func (n *Node) AttrFloat(name string, def float32) float32 {
	if a := n.Attr(name); a != nil {
		return a.F
	}
	return def
}

func (n *Node) AttrInts(name string) []int64 {
	if a := n.Attr(name); a != nil {
		return a.Ints
	}
	return nil
}

func (n *Node) AttrString(name string, def string) string {
	if a := n.Attr(name); a != nil {
		return string(a.S)
	}
	return def
}

// Input returns the i'th input name, or "" when it is absent.
func (n *Node) Input(i int) string {
	if i < len(n.Inputs) {
		return n.Inputs[i]
	}
	return ""
}

type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
)

type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// TensorProto is a constant tensor as stored in initializers and Constant attributes.
type TensorProto struct {
	Name       string
	Dims       []int64
	DataType   tensor.DType
	FloatData  []float32
	Int32Data  []int32
	Int64Data  []int64
	DoubleData []float64
	Uint64Data []uint64
	RawData    []byte
	External   bool
}

func (p *TensorProto) Shape() []int {
	shape := make([]int, len(p.Dims))
	for i, d := range p.Dims {
		shape[i] = int(d)
	}
	return shape
}

// ToTensor converts the stored values to a float64 tensor.
func (p *TensorProto) ToTensor() (*tensor.Tensor, error) {
	if p.External {
		return nil, fmt.Errorf("tensor %q uses external data, which is not supported", p.Name)
	}
	shape := p.Shape()
	if len(p.RawData) > 0 {
		return tensor.Decode(p.DataType, shape, p.RawData)
	}

	var data []float64
	switch p.DataType {
	case tensor.Float32:
		data = make([]float64, len(p.FloatData))
		for i, v := range p.FloatData {
			data[i] = float64(v)
		}
	case tensor.Float64:
		data = append(data, p.DoubleData...)
	case tensor.Int64:
		data = make([]float64, len(p.Int64Data))
		for i, v := range p.Int64Data {
			data[i] = float64(v)
		}
	case tensor.Uint32, tensor.Uint64:
		data = make([]float64, len(p.Uint64Data))
		for i, v := range p.Uint64Data {
			data[i] = float64(v)
		}
	case tensor.Int32, tensor.Int16, tensor.Int8, tensor.Uint16, tensor.Uint8, tensor.Bool:
		data = make([]float64, len(p.Int32Data))
		for i, v := range p.Int32Data {
			data[i] = float64(v)
		}
	case tensor.Float16, tensor.BFloat16:
		// int32_data carries the raw 16-bit patterns.
		raw := make([]byte, 0, 2*len(p.Int32Data))
		for _, v := range p.Int32Data {
			raw = append(raw, byte(v), byte(v>>8))
		}
		return tensor.Decode(p.DataType, shape, raw)
	default:
		return nil, fmt.Errorf("tensor %q has unsupported data type %v", p.Name, p.DataType)
	}
	return tensor.New(shape, data)
}

// NewTensorProto stores t as a FLOAT tensor.
func NewTensorProto(name string, t *tensor.Tensor) *TensorProto {
	p := &TensorProto{Name: name, DataType: tensor.Float32}
	for _, d := range t.Shape {
		p.Dims = append(p.Dims, int64(d))
	}
	p.FloatData = make([]float32, len(t.Data))
	for i, v := range t.Data {
		p.FloatData[i] = float32(v)
	}
	return p
}

// NewInt64TensorProto stores values as a rank-1 INT64 tensor.
func NewInt64TensorProto(name string, values ...int64) *TensorProto {
	return &TensorProto{Name: name, DataType: tensor.Int64, Dims: []int64{int64(len(values))}, Int64Data: values}
}

type ValueInfo struct {
	Name     string
	ElemType tensor.DType
	// Shape is nil when the value carries no shape information.
	Shape []Dim
}

// Dim is one dimension of a declared shape. Value is -1 when the dimension has no fixed size.
type Dim struct {
	Value int64
	Param string
}

func (d Dim) Known() bool {
	return d.Param == "" && d.Value >= 0
}

// StaticShape returns the shape with unknown dimensions as -1.
func (v *ValueInfo) StaticShape() []int {
	if v.Shape == nil {
		return nil
	}
	shape := make([]int, len(v.Shape))
	for i, d := range v.Shape {
		if d.Known() {
			shape[i] = int(d.Value)
		} else {
			shape[i] = -1
		}
	}
	return shape
}

// DimsFromShape converts a shape with -1 for unknown dimensions.
func DimsFromShape(shape []int) []Dim {
	dims := make([]Dim, len(shape))
	for i, d := range shape {
		dims[i] = Dim{Value: -1}
		if d >= 0 {
			dims[i].Value = int64(d)
		}
	}
	return dims
}

func float32FromBits(v uint64) float32 {
	return math.Float32frombits(uint32(v))
}
