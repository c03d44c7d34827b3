package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/record"
	"github.com/strataviz/strata/pkg/tensor"
)

func TestWriteValuesRowMajor(t *testing.T) {
	x, err := tensor.New([]int{2, 2}, []float64{1.5, 2.5, 3.5, 4.5})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteValues(&buf, x))
	assert.Equal(t, "1.5\n2.5\n3.5\n4.5\n", buf.String())
}

func TestWriteValuesIsExact(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteValues(&buf, tensor.FromValues(0.1, 1e-300, -2, 123456789.125)))
	assert.Equal(t, []string{"0.1", "1e-300", "-2", "1.23456789125e+08"}, strings.Fields(buf.String()))
}

func testRecord(t *testing.T) *record.LayerRecord {
	in, err := tensor.New([]int{1, 3}, []float64{-1, 0, 1})
	require.NoError(t, err)
	out, err := tensor.New([]int{1, 3}, []float64{0, 0, 1})
	require.NoError(t, err)
	return record.Build(engine.Capture{Key: "/act/Relu", DisplayName: "/act/Relu", Kind: "Relu", Input: in, Output: out}, nil)
}

func TestWriteRecord(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, testRecord(t)))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, "STRATA LAYER EXPORT", lines[1])
	assert.Contains(t, lines, "Type:         Relu")
	assert.Contains(t, lines, "Input Shape:  [1, 3]")
	assert.Contains(t, lines, "Max:   1.00000000")

	i := indexOf(lines, "INPUT TENSOR (3 values, row-major)")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, []string{"-1", "0", "1"}, lines[i+1:i+4])
	j := indexOf(lines, "OUTPUT TENSOR (3 values, row-major)")
	require.GreaterOrEqual(t, j, 0)
	assert.Equal(t, []string{"0", "0", "1"}, lines[j+1:j+4])
	assert.Equal(t, heavyRule, lines[len(lines)-1])
}

func indexOf(lines []string, s string) int {
	for i, l := range lines {
		if l == s {
			return i
		}
	}
	return -1
}

func TestEstimateSize(t *testing.T) {
	size := EstimateSize(testRecord(t))
	assert.Equal(t, int64(6*BytesPerValue), size.Bytes)
	assert.Equal(t, "144 B", size.HumanReadable)

	assert.Equal(t, "1.5 KB", HumanBytes(1536))
	assert.Equal(t, "2.0 MB", HumanBytes(2*1024*1024))
	assert.Equal(t, "1.0 GB", HumanBytes(1024*1024*1024))
}

func TestStructured(t *testing.T) {
	s, err := Structured(testRecord(t))
	require.NoError(t, err)

	stats := s.Fields["stats"].GetStructValue()
	require.NotNil(t, stats)
	assert.InDelta(t, 1.0/3, stats.Fields["mean"].GetNumberValue(), 1e-12)
	assert.InDelta(t, 0.4714045, stats.Fields["std"].GetNumberValue(), 1e-6)
	delete(s.Fields, "stats")

	b, err := protojson.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"layer_id": "/act/Relu", "node_id": "", "name": "/act/Relu", "type": "Relu",
		"param_count": 0, "trainable_params": 0,
		"input_shape": [1, 3], "output_shape": [1, 3],
		"input_tensor": [[-1, 0, 1]], "output_tensor": [[0, 0, 1]]
	}`, string(b))
}
