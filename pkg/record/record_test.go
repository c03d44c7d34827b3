package record

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/tensor"
)

func TestStatsScenario(t *testing.T) {
	values := make([]float64, 12)
	for i := range values {
		values[i] = float64(i + 1)
	}
	x, err := tensor.New([]int{1, 3, 2, 2}, values)
	require.NoError(t, err)

	s := Compute(x)
	assert.InDelta(t, 6.5, s.Mean, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 12.0, s.Max)
	assert.InDelta(t, 3.452, s.Std, 5e-4)
}

func TestStatsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		values := make([]float64, 1+rng.Intn(500))
		for i := range values {
			values[i] = rng.NormFloat64()*float64(1+trial) + float64(trial)
		}
		s := Compute(tensor.FromValues(values...))
		assert.LessOrEqual(t, s.Min, s.Mean)
		assert.LessOrEqual(t, s.Mean, s.Max)
		assert.GreaterOrEqual(t, s.Std, 0.0)

		rng.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })
		shuffled := Compute(tensor.FromValues(values...))
		assert.InDelta(t, s.Mean, shuffled.Mean, 1e-9)
		assert.InDelta(t, s.Std, shuffled.Std, 1e-9)
		assert.Equal(t, s.Min, shuffled.Min)
		assert.Equal(t, s.Max, shuffled.Max)
	}
}

func TestStatsLargeOffset(t *testing.T) {
	// Naive sum-of-squares loses all precision here.
	s := Compute(tensor.FromValues(1e9+1, 1e9+2, 1e9+3))
	assert.InDelta(t, math.Sqrt(2.0/3.0), s.Std, 1e-6)
}

func TestBuildDegenerate(t *testing.T) {
	empty, err := tensor.New([]int{2, 0, 3}, nil)
	require.NoError(t, err)

	r := Build(engine.Capture{Key: "empty", Kind: "Slice", Output: empty}, nil)
	assert.Equal(t, Stats{}, r.Stats)
	assert.Equal(t, []int{2, 0, 3}, r.OutputShape)
	assert.Equal(t, []int{}, r.InputShape)
	assert.Equal(t, "empty", r.DisplayName)
	assert.Empty(t, r.NodeID)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, []any{}, decoded["output_tensor"])
	assert.Equal(t, []any{}, decoded["input_tensor"])
}

func TestBuildWithNode(t *testing.T) {
	in := tensor.FromValues(-1, 2)
	out := tensor.FromValues(0, 2)
	r := Build(engine.Capture{Key: "/act/Relu_output_0", DisplayName: "/act/Relu", Kind: "Relu", Input: in, Output: out},
		&Node{ID: "_act_Relu", ParamCount: 3, TrainableParamCount: 1})

	assert.Equal(t, "_act_Relu", r.NodeID)
	assert.Equal(t, int64(3), r.ParamCount)
	assert.Equal(t, []int{2}, r.InputShape)
	assert.Equal(t, 4, r.Elements())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"layer_id": "/act/Relu_output_0", "node_id": "_act_Relu", "name": "/act/Relu", "type": "Relu",
		"param_count": 3, "trainable_params": 1, "input_shape": [2], "output_shape": [2],
		"stats": {"mean": 1, "std": 1, "min": 0, "max": 2},
		"input_tensor": [-1, 2], "output_tensor": [0, 2]
	}`, string(b))
}

func TestStatsJSONNonFinite(t *testing.T) {
	s := Compute(tensor.FromValues(1, math.Inf(1)))
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean": null, "std": null, "min": 1, "max": null}`, string(b))
}
