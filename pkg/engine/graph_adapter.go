package engine

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

// OutputSource describes the node that produces a graph value.
type OutputSource struct {
	Operation string
	Kind      string
	// Input is the value feeding the node's first input.
	Input string
}

// GraphAdapter captures intermediate tensors by requesting them all as outputs of a single run.
// Captures are emitted in request order, which is not necessarily execution order.
type GraphAdapter struct {
	session Session
	outputs []string
	sources map[string]OutputSource
}

var _ Adapter = (*GraphAdapter)(nil)

// NewGraphAdapter requests outputs from session; g describes the nodes that produce them.
func NewGraphAdapter(session Session, outputs []string, g *onnx.Graph) *GraphAdapter {
	sources := make(map[string]OutputSource)
	if g != nil {
		for i, n := range g.Nodes {
			name := n.Name
			if name == "" {
				name = fmt.Sprintf("node_%d", i)
			}
			for _, out := range n.Outputs {
				sources[out] = OutputSource{Operation: name, Kind: n.OpType, Input: n.Input(0)}
			}
		}
	}
	return &GraphAdapter{
		session: session,
		outputs: outputs,
		sources: sources,
	}
}

func (a *GraphAdapter) Mode() Mode {
	return ModeGraph
}

func (a *GraphAdapter) Outputs() []string {
	return a.outputs
}

func (a *GraphAdapter) Run(ctx context.Context, input *tensor.Tensor, emit EmitFunc) error {
	log := klog.FromContext(ctx)

	inputNames := a.session.InputNames()
	if len(inputNames) == 0 {
		return InputBindingErrorf("", "model declares no runtime inputs")
	}
	if input == nil {
		return InputBindingErrorf(inputNames[0], "no input tensor given")
	}
	feeds := map[string]*tensor.Tensor{inputNames[0]: input}

	results, err := Evaluate(ctx, a.session, feeds, a.outputs)
	if err != nil {
		return err
	}

	values := make(map[string]*tensor.Tensor, len(results)+len(feeds))
	for name, t := range feeds {
		values[name] = t
	}
	for i, name := range a.outputs {
		if results[i] != nil {
			values[name] = results[i]
		}
	}

	for i, name := range a.outputs {
		out := results[i]
		if out == nil {
			log.Info("warning: runtime returned no value for output, skipping", "output", name)
			continue
		}
		src := a.sources[name]
		c := Capture{
			Key:         name,
			DisplayName: src.Operation,
			Kind:        src.Kind,
			Output:      out,
		}
		if c.DisplayName == "" {
			c.DisplayName = name
		}
		if src.Input != "" {
			c.Input = values[src.Input]
		}
		emit(c)
	}
	return nil
}
