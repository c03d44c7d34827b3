package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType is an element type, numbered the way ONNX TensorProto.DataType numbers them.
type DType int32

const (
	Undefined DType = 0
	Float32   DType = 1
	Uint8     DType = 2
	Int8      DType = 3
	Uint16    DType = 4
	Int16     DType = 5
	Int32     DType = 6
	Int64     DType = 7
	String    DType = 8
	Bool      DType = 9
	Float16   DType = 10
	Float64   DType = 11
	Uint32    DType = 12
	Uint64    DType = 13
	BFloat16  DType = 16
)

var dtypeNames = map[DType]string{
	Undefined: "undefined",
	Float32:   "float32",
	Uint8:     "uint8",
	Int8:      "int8",
	Uint16:    "uint16",
	Int16:     "int16",
	Int32:     "int32",
	Int64:     "int64",
	String:    "string",
	Bool:      "bool",
	Float16:   "float16",
	Float64:   "float64",
	Uint32:    "uint32",
	Uint64:    "uint64",
	BFloat16:  "bfloat16",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("dtype(%d)", int32(d))
}

// IsFloat reports whether values of this type are floating point.
func (d DType) IsFloat() bool {
	switch d {
	case Float32, Float64, Float16, BFloat16:
		return true
	}
	return false
}

// IsNumeric reports whether values of this type can be converted to float64.
func (d DType) IsNumeric() bool {
	switch d {
	case Undefined, String:
		return false
	}
	_, ok := dtypeNames[d]
	return ok
}

// Size is the width in bytes of one element, or 0 for variable-width types.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8, Bool:
		return 1
	case Uint16, Int16, Float16, BFloat16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	}
	return 0
}

// Decode converts little-endian raw bytes of the given type into a float64 tensor.
func Decode(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("cannot decode elements of type %v", dtype)
	}
	n := NumElements(shape)
	if len(raw) != n*size {
		return nil, fmt.Errorf("%v tensor of shape %v needs %d bytes, got %d", dtype, shape, n*size, len(raw))
	}

	data := make([]float64, n)
	for i := range data {
		b := raw[i*size : (i+1)*size]
		switch dtype {
		case Float32:
			data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case Float16:
			data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
		case BFloat16:
			data[i] = float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16))
		case Int8:
			data[i] = float64(int8(b[0]))
		case Uint8:
			data[i] = float64(b[0])
		case Bool:
			if b[0] != 0 {
				data[i] = 1
			}
		case Int16:
			data[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case Uint16:
			data[i] = float64(binary.LittleEndian.Uint16(b))
		case Int32:
			data[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case Uint32:
			data[i] = float64(binary.LittleEndian.Uint32(b))
		case Int64:
			data[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case Uint64:
			data[i] = float64(binary.LittleEndian.Uint64(b))
		}
	}
	return New(shape, data)
}
