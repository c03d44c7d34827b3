package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes m as a ModelProto.
func Encode(m *Model) []byte {
	var b []byte
	if m.IRVersion != 0 {
		b = appendVarintField(b, modelIRVersion, uint64(m.IRVersion))
	}
	b = appendStringField(b, modelProducerName, m.ProducerName)
	b = appendStringField(b, modelProducerVersion, m.ProducerVersion)
	b = appendStringField(b, modelDomain, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, modelModelVersion, uint64(m.ModelVersion))
	}
	b = appendStringField(b, modelDocString, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, modelGraph, encodeGraph(m.Graph))
	}
	for _, op := range m.OpsetImports {
		var ob []byte
		ob = appendStringField(ob, opsetDomain, op.Domain)
		ob = appendVarintField(ob, opsetVersion, uint64(op.Version))
		b = appendMessageField(b, modelOpsetImport, ob)
	}
	return b
}

func encodeGraph(g *Graph) []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessageField(b, graphNode, encodeNode(n))
	}
	b = appendStringField(b, graphName, g.Name)
	for _, t := range g.Initializers {
		b = appendMessageField(b, graphInitializer, encodeTensor(t))
	}
	for _, vi := range g.Inputs {
		b = appendMessageField(b, graphInput, encodeValueInfo(vi))
	}
	for _, vi := range g.Outputs {
		b = appendMessageField(b, graphOutput, encodeValueInfo(vi))
	}
	for _, vi := range g.ValueInfo {
		b = appendMessageField(b, graphValueInfo, encodeValueInfo(vi))
	}
	return b
}

func encodeNode(n *Node) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, nodeName, n.Name)
	b = appendStringField(b, nodeOpType, n.OpType)
	for _, a := range n.Attributes {
		b = appendMessageField(b, nodeAttribute, encodeAttribute(a))
	}
	b = appendStringField(b, nodeDomain, n.Domain)
	return b
}

func encodeAttribute(a *Attribute) []byte {
	var b []byte
	b = appendStringField(b, attrName, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = appendVarintField(b, attrI, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, attrS, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeTensor:
		if a.T != nil {
			b = appendMessageField(b, attrT, encodeTensor(a.T))
		}
	case AttributeFloats:
		var packed []byte
		for _, f := range a.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessageField(b, attrFloats, packed)
	case AttributeInts:
		b = appendMessageField(b, attrInts, packVarints(a.Ints))
	case AttributeStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, attrStrings, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	b = appendVarintField(b, attrType, uint64(a.Type))
	return b
}

func encodeTensor(t *TensorProto) []byte {
	var b []byte
	if len(t.Dims) > 0 {
		b = appendMessageField(b, tensorDims, packVarints(t.Dims))
	}
	b = appendVarintField(b, tensorDataType, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessageField(b, tensorFloatData, packed)
	}
	if len(t.Int32Data) > 0 {
		v := make([]int64, len(t.Int32Data))
		for i, x := range t.Int32Data {
			v[i] = int64(x)
		}
		b = appendMessageField(b, tensorInt32Data, packVarints(v))
	}
	if len(t.Int64Data) > 0 {
		b = appendMessageField(b, tensorInt64Data, packVarints(t.Int64Data))
	}
	b = appendStringField(b, tensorName, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		var packed []byte
		for _, f := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		b = appendMessageField(b, tensorDoubleData, packed)
	}
	return b
}

func encodeValueInfo(vi *ValueInfo) []byte {
	var tt []byte
	if vi.ElemType != 0 {
		tt = appendVarintField(tt, tensorElemType, uint64(vi.ElemType))
	}
	if vi.Shape != nil {
		var sb []byte
		for _, d := range vi.Shape {
			var db []byte
			switch {
			case d.Param != "":
				db = appendStringField(db, dimParam, d.Param)
			case d.Value >= 0:
				db = appendVarintField(db, dimValue, uint64(d.Value))
			}
			sb = appendMessageField(sb, shapeDim, db)
		}
		tt = appendMessageField(tt, tensorTypeShape, sb)
	}

	var b []byte
	b = appendStringField(b, valueInfoName, vi.Name)
	b = appendMessageField(b, valueInfoType, appendMessageField(nil, typeTensorType, tt))
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendStringField skips empty strings, as proto3 does for singular fields.
func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func packVarints(values []int64) []byte {
	var b []byte
	for _, v := range values {
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}
