package enginetests

import (
	"math"
	"testing"

	"k8s.io/klog/v2/ktesting"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/engine/fallback"
	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
	"github.com/strataviz/strata/pkg/testmodels"
)

func TestAugmentedGraphMatchesOriginal(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)

	data := testmodels.MLP()
	augmented, err := onnx.Augment(ctx, data)
	if err != nil {
		t.Fatalf("failed to augment: %v", err)
	}

	original, err := fallback.Load(ctx, data)
	if err != nil {
		t.Fatalf("failed to load original model: %v", err)
	}
	rewritten, err := fallback.Load(ctx, augmented.Model)
	if err != nil {
		t.Fatalf("failed to load augmented model: %v", err)
	}

	input, err := tensor.New([]int{1, 3}, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("failed to build input: %v", err)
	}
	feeds := map[string]*tensor.Tensor{"x": input}

	want, err := engine.Evaluate(ctx, original, feeds, original.OutputNames())
	if err != nil {
		t.Fatalf("failed to evaluate original: %v", err)
	}
	got, err := engine.Evaluate(ctx, rewritten, feeds, original.OutputNames())
	if err != nil {
		t.Fatalf("failed to evaluate augmented: %v", err)
	}
	if !FloatingPointEqual(got[0].Data, want[0].Data) {
		t.Errorf("declared output changed by augmentation: expected %v, got %v", want[0].Data, got[0].Data)
	}

	// h = [1-3, 3-10] = [-2, -7]; relu zeroes both and softmax is uniform.
	expected := []float64{0.5, 0.5}
	if !FloatingPointEqual(want[0].Data, expected) {
		t.Errorf("expected %v, got %v", expected, want[0].Data)
	}
}

func TestGraphAndHookCapturesAgree(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)

	data := testmodels.MLP()
	augmented, err := onnx.Augment(ctx, data)
	if err != nil {
		t.Fatalf("failed to augment: %v", err)
	}
	session, err := fallback.Load(ctx, augmented.Model)
	if err != nil {
		t.Fatalf("failed to load augmented model: %v", err)
	}
	program, err := fallback.Load(ctx, data)
	if err != nil {
		t.Fatalf("failed to load model: %v", err)
	}

	input, err := tensor.New([]int{1, 3}, []float64{2, 0, 1})
	if err != nil {
		t.Fatalf("failed to build input: %v", err)
	}

	graphCaptures, err := engine.Collect(ctx, engine.NewGraphAdapter(session, augmented.Outputs, augmented.Source.Graph), input)
	if err != nil {
		t.Fatalf("graph capture failed: %v", err)
	}
	hookCaptures, err := engine.Collect(ctx, engine.NewHookAdapter(program), input)
	if err != nil {
		t.Fatalf("hook capture failed: %v", err)
	}

	if len(graphCaptures) != 3 || len(hookCaptures) != 3 {
		t.Fatalf("expected 3 captures from each mode, got %d and %d", len(graphCaptures), len(hookCaptures))
	}

	byOperation := make(map[string]engine.Capture)
	for _, c := range hookCaptures {
		byOperation[c.Key] = c
	}
	for _, c := range graphCaptures {
		h, ok := byOperation[c.DisplayName]
		if !ok {
			t.Errorf("graph capture %q (%s) has no hook counterpart", c.Key, c.DisplayName)
			continue
		}
		if c.Kind != h.Kind {
			t.Errorf("capture %s: graph kind %q, hook kind %q", c.DisplayName, c.Kind, h.Kind)
		}
		if !FloatingPointEqual(c.Output.Data, h.Output.Data) {
			t.Errorf("capture %s: graph output %v, hook output %v", c.DisplayName, c.Output.Data, h.Output.Data)
		}
		if c.Input == nil || h.Input == nil || !FloatingPointEqual(c.Input.Data, h.Input.Data) {
			t.Errorf("capture %s: inputs differ", c.DisplayName)
		}
	}
}

func FloatingPointEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(value-b[i]) > 0.00001 {
			return false
		}
	}
	return true
}
