package onnx

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/strataviz/strata/pkg/tensor"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelDomain          = 4
	modelModelVersion    = 5
	modelDocString       = 6
	modelGraph           = 7
	modelOpsetImport     = 8

	opsetDomain  = 1
	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12
	graphValueInfo   = 13

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5
	nodeDomain    = 7

	attrName    = 1
	attrF       = 2
	attrI       = 3
	attrS       = 4
	attrT       = 5
	attrFloats  = 7
	attrInts    = 8
	attrStrings = 9
	attrType    = 20

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType  = 1
	tensorElemType  = 1
	tensorTypeShape = 2
	shapeDim        = 1
	dimValue        = 1
	dimParam        = 2

	tensorDims         = 1
	tensorDataType     = 2
	tensorFloatData    = 4
	tensorInt32Data    = 5
	tensorInt64Data    = 7
	tensorName         = 8
	tensorRawData      = 9
	tensorDoubleData   = 10
	tensorUint64Data   = 11
	tensorDataLocation = 14
)

type field struct {
	num    protowire.Number
	typ    protowire.Type
	scalar uint64
	bytes  []byte
	// raw is the complete encoding of the field, tag included.
	raw []byte
}

func walk(b []byte, fn func(f *field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		f := &field{num: num, typ: typ}
		rest := b[n:]
		var m int
		switch typ {
		case protowire.VarintType:
			f.scalar, m = protowire.ConsumeVarint(rest)
		case protowire.Fixed32Type:
			var v uint32
			v, m = protowire.ConsumeFixed32(rest)
			f.scalar = uint64(v)
		case protowire.Fixed64Type:
			f.scalar, m = protowire.ConsumeFixed64(rest)
		case protowire.BytesType:
			f.bytes, m = protowire.ConsumeBytes(rest)
		default:
			m = protowire.ConsumeFieldValue(num, typ, rest)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		f.raw = b[:n+m]
		b = rest[m:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f *field) message() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected length-delimited value, got wire type %d", f.num, f.typ)
	}
	return f.bytes, nil
}

func (f *field) str() (string, error) {
	b, err := f.message()
	return string(b), err
}

func (f *field) varint() (int64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint, got wire type %d", f.num, f.typ)
	}
	return int64(f.scalar), nil
}

// varints decodes a repeated integer field in either packed or unpacked form.
func (f *field) varints() ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return []int64{int64(f.scalar)}, nil
	case protowire.BytesType:
		var out []int64
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, int64(v))
			b = b[n:]
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for repeated integer", f.num, f.typ)
}

func (f *field) fixed32s() ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return []float32{float32FromBits(f.scalar)}, nil
	case protowire.BytesType:
		if len(f.bytes)%4 != 0 {
			return nil, fmt.Errorf("field %d: packed float length %d is not a multiple of 4", f.num, len(f.bytes))
		}
		out := make([]float32, 0, len(f.bytes)/4)
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed32(b)
			out = append(out, math.Float32frombits(v))
			b = b[n:]
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for repeated float", f.num, f.typ)
}

func (f *field) fixed64s() ([]uint64, error) {
	switch f.typ {
	case protowire.Fixed64Type:
		return []uint64{f.scalar}, nil
	case protowire.BytesType:
		if len(f.bytes)%8 != 0 {
			return nil, fmt.Errorf("field %d: packed double length %d is not a multiple of 8", f.num, len(f.bytes))
		}
		out := make([]uint64, 0, len(f.bytes)/8)
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeFixed64(b)
			out = append(out, v)
			b = b[n:]
		}
		return out, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for repeated double", f.num, f.typ)
}

// Decode parses a serialized ModelProto. Fields that are not needed are skipped.
func Decode(data []byte) (*Model, error) {
	m := &Model{}
	err := walk(data, func(f *field) error {
		var err error
		switch f.num {
		case modelIRVersion:
			m.IRVersion, err = f.varint()
		case modelProducerName:
			m.ProducerName, err = f.str()
		case modelProducerVersion:
			m.ProducerVersion, err = f.str()
		case modelDomain:
			m.Domain, err = f.str()
		case modelModelVersion:
			m.ModelVersion, err = f.varint()
		case modelDocString:
			m.DocString, err = f.str()
		case modelOpsetImport:
			var b []byte
			if b, err = f.message(); err == nil {
				var op OpsetImport
				op, err = decodeOpset(b)
				m.OpsetImports = append(m.OpsetImports, op)
			}
		case modelGraph:
			var b []byte
			if b, err = f.message(); err == nil {
				m.Graph, err = decodeGraph(b)
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	return m, nil
}

func decodeOpset(b []byte) (OpsetImport, error) {
	var op OpsetImport
	err := walk(b, func(f *field) error {
		var err error
		switch f.num {
		case opsetDomain:
			op.Domain, err = f.str()
		case opsetVersion:
			op.Version, err = f.varint()
		}
		return err
	})
	return op, err
}

func decodeGraph(b []byte) (*Graph, error) {
	g := &Graph{}
	err := walk(b, func(f *field) error {
		var err error
		switch f.num {
		case graphName:
			g.Name, err = f.str()
		case graphNode:
			var b []byte
			if b, err = f.message(); err == nil {
				var n *Node
				if n, err = decodeNode(b); err == nil {
					g.Nodes = append(g.Nodes, n)
				}
			}
		case graphInitializer:
			var b []byte
			if b, err = f.message(); err == nil {
				var t *TensorProto
				if t, err = decodeTensor(b); err == nil {
					g.Initializers = append(g.Initializers, t)
				}
			}
		case graphInput, graphOutput, graphValueInfo:
			var b []byte
			if b, err = f.message(); err == nil {
				var vi *ValueInfo
				if vi, err = decodeValueInfo(b); err == nil {
					switch f.num {
					case graphInput:
						g.Inputs = append(g.Inputs, vi)
					case graphOutput:
						g.Outputs = append(g.Outputs, vi)
					default:
						g.ValueInfo = append(g.ValueInfo, vi)
					}
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	return g, nil
}

func decodeNode(b []byte) (*Node, error) {
	n := &Node{}
	err := walk(b, func(f *field) error {
		var err error
		var s string
		switch f.num {
		case nodeInput:
			if s, err = f.str(); err == nil {
				n.Inputs = append(n.Inputs, s)
			}
		case nodeOutput:
			if s, err = f.str(); err == nil {
				n.Outputs = append(n.Outputs, s)
			}
		case nodeName:
			n.Name, err = f.str()
		case nodeOpType:
			n.OpType, err = f.str()
		case nodeDomain:
			n.Domain, err = f.str()
		case nodeAttribute:
			var b []byte
			if b, err = f.message(); err == nil {
				var a *Attribute
				if a, err = decodeAttribute(b); err == nil {
					n.Attributes = append(n.Attributes, a)
				}
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding node: %w", err)
	}
	return n, nil
}

func decodeAttribute(b []byte) (*Attribute, error) {
	a := &Attribute{}
	err := walk(b, func(f *field) error {
		var err error
		switch f.num {
		case attrName:
			a.Name, err = f.str()
		case attrType:
			var v int64
			v, err = f.varint()
			a.Type = AttributeType(v)
		case attrF:
			if f.typ != protowire.Fixed32Type {
				return fmt.Errorf("attribute f: unexpected wire type %d", f.typ)
			}
			a.F = float32FromBits(f.scalar)
		case attrI:
			a.I, err = f.varint()
		case attrS:
			a.S, err = f.message()
		case attrT:
			var b []byte
			if b, err = f.message(); err == nil {
				a.T, err = decodeTensor(b)
			}
		case attrFloats:
			var v []float32
			if v, err = f.fixed32s(); err == nil {
				a.Floats = append(a.Floats, v...)
			}
		case attrInts:
			var v []int64
			if v, err = f.varints(); err == nil {
				a.Ints = append(a.Ints, v...)
			}
		case attrStrings:
			var v []byte
			if v, err = f.message(); err == nil {
				a.Strings = append(a.Strings, v)
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding attribute: %w", err)
	}
	return a, nil
}

func decodeTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(b, func(f *field) error {
		var err error
		switch f.num {
		case tensorDims:
			var v []int64
			if v, err = f.varints(); err == nil {
				t.Dims = append(t.Dims, v...)
			}
		case tensorDataType:
			var v int64
			v, err = f.varint()
			t.DataType = tensor.DType(v)
		case tensorFloatData:
			var v []float32
			if v, err = f.fixed32s(); err == nil {
				t.FloatData = append(t.FloatData, v...)
			}
		case tensorInt32Data:
			var v []int64
			if v, err = f.varints(); err == nil {
				for _, x := range v {
					t.Int32Data = append(t.Int32Data, int32(x))
				}
			}
		case tensorInt64Data:
			var v []int64
			if v, err = f.varints(); err == nil {
				t.Int64Data = append(t.Int64Data, v...)
			}
		case tensorUint64Data:
			var v []int64
			if v, err = f.varints(); err == nil {
				for _, x := range v {
					t.Uint64Data = append(t.Uint64Data, uint64(x))
				}
			}
		case tensorDoubleData:
			var v []uint64
			if v, err = f.fixed64s(); err == nil {
				for _, x := range v {
					t.DoubleData = append(t.DoubleData, math.Float64frombits(x))
				}
			}
		case tensorName:
			t.Name, err = f.str()
		case tensorRawData:
			t.RawData, err = f.message()
		case tensorDataLocation:
			var v int64
			v, err = f.varint()
			t.External = v == 1
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding tensor: %w", err)
	}
	return t, nil
}

func decodeValueInfo(b []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	err := walk(b, func(f *field) error {
		var err error
		switch f.num {
		case valueInfoName:
			vi.Name, err = f.str()
		case valueInfoType:
			var b []byte
			if b, err = f.message(); err == nil {
				err = decodeType(b, vi)
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decoding value info: %w", err)
	}
	return vi, nil
}

func decodeType(b []byte, vi *ValueInfo) error {
	return walk(b, func(f *field) error {
		if f.num != typeTensorType {
			// Sequence, map and optional types are left untyped.
			return nil
		}
		tb, err := f.message()
		if err != nil {
			return err
		}
		return walk(tb, func(f *field) error {
			switch f.num {
			case tensorElemType:
				v, err := f.varint()
				vi.ElemType = tensor.DType(v)
				return err
			case tensorTypeShape:
				sb, err := f.message()
				if err != nil {
					return err
				}
				vi.Shape = []Dim{}
				return walk(sb, func(f *field) error {
					if f.num != shapeDim {
						return nil
					}
					db, err := f.message()
					if err != nil {
						return err
					}
					dim := Dim{Value: -1}
					err = walk(db, func(f *field) error {
						var err error
						switch f.num {
						case dimValue:
							dim.Value, err = f.varint()
						case dimParam:
							dim.Param, err = f.str()
						}
						return err
					})
					vi.Shape = append(vi.Shape, dim)
					return err
				})
			}
			return nil
		})
	})
}
