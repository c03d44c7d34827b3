// Package export renders layer records as plain text or structured documents.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/strataviz/strata/pkg/record"
	"github.com/strataviz/strata/pkg/tensor"
)

// BytesPerValue is the estimated text size of one exported number.
const BytesPerValue = 24

type Size struct {
	Bytes         int64  `json:"bytes"`
	HumanReadable string `json:"human_readable"`
}

// EstimateSize estimates the size of a text export without rendering it.
func EstimateSize(rec *record.LayerRecord) Size {
	n := int64(rec.Elements()) * BytesPerValue
	return Size{Bytes: n, HumanReadable: HumanBytes(n)}
}

func HumanBytes(n int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	}
	return fmt.Sprintf("%d B", n)
}

// WriteValues writes every value of t in row-major order, one per line, in the shortest form that
// parses back to the same float64.
func WriteValues(w io.Writer, t *tensor.Tensor) error {
	bw := bufio.NewWriter(w)
	if t != nil {
		var buf []byte
		for _, v := range t.Data {
			buf = strconv.AppendFloat(buf[:0], v, 'g', -1, 64)
			buf = append(buf, '\n')
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

const (
	heavyRule = "====================================="
	lightRule = "-------------------------------------"
)

// WriteRecord writes the complete text export of rec: a header, the statistics, then every input
// value and every output value.
func WriteRecord(w io.Writer, rec *record.LayerRecord) error {
	bw := bufio.NewWriter(w)
	lines := []string{
		heavyRule,
		"STRATA LAYER EXPORT",
		heavyRule,
		"Layer:        " + rec.DisplayName,
		"Layer ID:     " + rec.RuntimeKey,
		"Type:         " + rec.OperationKind,
		"Param Count:  " + strconv.FormatInt(rec.ParamCount, 10),
		"Input Shape:  " + formatShape(rec.InputShape),
		"Output Shape: " + formatShape(rec.OutputShape),
		lightRule,
		"STATISTICS",
		fmt.Sprintf("Mean:  %.8f", rec.Stats.Mean),
		fmt.Sprintf("Std:   %.8f", rec.Stats.Std),
		fmt.Sprintf("Min:   %.8f", rec.Stats.Min),
		fmt.Sprintf("Max:   %.8f", rec.Stats.Max),
		lightRule,
		fmt.Sprintf("INPUT TENSOR (%d values, row-major)", count(rec.Input)),
	}
	for _, l := range lines {
		bw.WriteString(l)
		bw.WriteByte('\n')
	}
	if err := WriteValues(bw, rec.Input); err != nil {
		return err
	}
	bw.WriteString(lightRule + "\n")
	fmt.Fprintf(bw, "OUTPUT TENSOR (%d values, row-major)\n", count(rec.Output))
	if err := WriteValues(bw, rec.Output); err != nil {
		return err
	}
	bw.WriteString(heavyRule + "\n")
	return bw.Flush()
}

func count(t *tensor.Tensor) int {
	if t == nil {
		return 0
	}
	return t.Len()
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Structured returns rec as a structured document with tensors as nested lists.
func Structured(rec *record.LayerRecord) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"layer_id":         rec.RuntimeKey,
		"node_id":          rec.NodeID,
		"name":             rec.DisplayName,
		"type":             rec.OperationKind,
		"param_count":      rec.ParamCount,
		"trainable_params": rec.TrainableParamCount,
		"input_shape":      shapeList(rec.InputShape),
		"output_shape":     shapeList(rec.OutputShape),
		"stats": map[string]any{
			"mean": rec.Stats.Mean,
			"std":  rec.Stats.Std,
			"min":  rec.Stats.Min,
			"max":  rec.Stats.Max,
		},
		"input_tensor":  nested(rec.Input),
		"output_tensor": nested(rec.Output),
	})
}

func shapeList(shape []int) []any {
	out := make([]any, len(shape))
	for i, d := range shape {
		out[i] = d
	}
	return out
}

func nested(t *tensor.Tensor) any {
	if t == nil {
		return []any{}
	}
	return t.Nested()
}
