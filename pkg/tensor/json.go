package tensor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Nested returns the values as nested slices whose depth equals the rank.
// A rank-0 tensor yields a bare float64. Non-finite values are kept as-is.
func (t *Tensor) Nested() any {
	if len(t.Shape) == 0 {
		if len(t.Data) == 0 {
			return []any{}
		}
		return t.Data[0]
	}
	if t.IsEmpty() {
		return []any{}
	}
	v, _ := nest(t.Shape, t.Data)
	return v
}

func nest(shape []int, data []float64) (any, []float64) {
	if len(shape) == 1 {
		values := make([]any, shape[0])
		for i := range values {
			values[i] = data[i]
		}
		return values, data[shape[0]:]
	}
	out := make([]any, shape[0])
	for i := range out {
		out[i], data = nest(shape[1:], data)
	}
	return out, data
}

// MarshalJSON writes the tensor as nested arrays; NaN and infinities become null.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if len(t.Shape) == 0 {
		if len(t.Data) == 0 {
			return []byte("[]"), nil
		}
		appendFloat(&buf, t.Data[0])
		return buf.Bytes(), nil
	}
	if t.IsEmpty() {
		return []byte("[]"), nil
	}
	writeNested(&buf, t.Shape, t.Data)
	return buf.Bytes(), nil
}

func writeNested(buf *bytes.Buffer, shape []int, data []float64) []float64 {
	buf.WriteByte('[')
	for i := 0; i < shape[0]; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if len(shape) == 1 {
			appendFloat(buf, data[0])
			data = data[1:]
		} else {
			data = writeNested(buf, shape[1:], data)
		}
	}
	buf.WriteByte(']')
	return data
}

func appendFloat(buf *bytes.Buffer, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		buf.WriteString("null")
		return
	}
	buf.Write(strconv.AppendFloat(nil, v, 'g', -1, 64))
}

// UnmarshalJSON reads nested arrays, recovering the shape from the nesting. null reads as NaN.
func (t *Tensor) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case nil:
		t.Shape, t.Data = []int{}, []float64{math.NaN()}
		return nil
	case float64:
		t.Shape, t.Data = []int{}, []float64{v}
		return nil
	case []any:
		if len(v) == 0 {
			t.Shape, t.Data = []int{0}, []float64{}
			return nil
		}
		shape := inferShape(v)
		data := make([]float64, 0, NumElements(shape))
		data, err := flatten(v, shape, data)
		if err != nil {
			return err
		}
		t.Shape, t.Data = shape, data
		return nil
	}
	return fmt.Errorf("unexpected tensor JSON %T", v)
}

func inferShape(v []any) []int {
	shape := []int{len(v)}
	if inner, ok := v[0].([]any); ok && len(inner) > 0 {
		shape = append(shape, inferShape(inner)...)
	} else if ok {
		shape = append(shape, 0)
	}
	return shape
}

func flatten(v []any, shape []int, out []float64) ([]float64, error) {
	if len(v) != shape[0] {
		return nil, fmt.Errorf("ragged tensor: expected %d entries, got %d", shape[0], len(v))
	}
	for _, e := range v {
		if len(shape) > 1 {
			inner, ok := e.([]any)
			if !ok {
				return nil, fmt.Errorf("ragged tensor: expected array, got %T", e)
			}
			var err error
			if out, err = flatten(inner, shape[1:], out); err != nil {
				return nil, err
			}
			continue
		}
		switch e := e.(type) {
		case float64:
			out = append(out, e)
		case nil:
			out = append(out, math.NaN())
		default:
			return nil, fmt.Errorf("unexpected tensor element %T", e)
		}
	}
	return out, nil
}
