// Package fallback is a pure-Go CPU runtime for ONNX graphs.
package fallback

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

// Program is a compiled ONNX graph. It serves both as a graph Session and as an Instrumentable
// model whose leaf operations are the graph nodes.
type Program struct {
	opset     int64
	nodes     []*programNode
	constants map[string]*tensor.Tensor
	inputs    []*onnx.ValueInfo
	outputs   []string

	// mu serializes forward passes.
	mu sync.Mutex
}

var (
	_ engine.Session        = (*Program)(nil)
	_ engine.Instrumentable = (*Program)(nil)
)

type programNode struct {
	node   *onnx.Node
	name   string
	kernel kernel
	hooks  engine.HookSet
}

func (n *programNode) Dependencies() []string { return n.node.Inputs }
func (n *programNode) Produces() []string     { return n.node.Outputs }

func (n *programNode) Name() string { return n.name }
func (n *programNode) Kind() string { return n.node.OpType }

func (n *programNode) RegisterForwardHook(hook engine.Hook) engine.HookHandle {
	return n.hooks.Add(hook)
}

// NodeName is the name a node is known by at runtime: its own name, or node_<index> when unnamed.
func NodeName(n *onnx.Node, index int) string {
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("node_%d", index)
}

// Load decodes and compiles a serialized ONNX model.
func Load(ctx context.Context, data []byte) (*Program, error) {
	m, err := onnx.Decode(data)
	if err != nil {
		return nil, err
	}
	return Compile(ctx, m)
}

// Compile prepares m for execution. Operators without a CPU kernel are accepted and fail when reached.
func Compile(ctx context.Context, m *onnx.Model) (*Program, error) {
	log := klog.FromContext(ctx)

	g := m.Graph
	if g == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	if err := onnx.Validate(g); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	p := &Program{
		opset:     m.Opset(),
		constants: make(map[string]*tensor.Tensor, len(g.Initializers)),
		inputs:    g.RuntimeInputs(),
	}
	for _, out := range g.Outputs {
		p.outputs = append(p.outputs, out.Name)
	}

	available := make([]string, 0, len(g.Initializers)+len(g.Inputs))
	for _, init := range g.Initializers {
		t, err := init.ToTensor()
		if err != nil {
			return nil, fmt.Errorf("loading initializer %q: %w", init.Name, err)
		}
		p.constants[init.Name] = t
		available = append(available, init.Name)
	}
	for _, in := range p.inputs {
		available = append(available, in.Name)
	}

	nodes := make([]*programNode, len(g.Nodes))
	unsupported := make(map[string]bool)
	for i, n := range g.Nodes {
		k, ok := kernels[n.OpType]
		if !ok || (n.Domain != "" && n.Domain != "ai.onnx") {
			unsupported[n.OpType] = true
			k = nil
		}
		nodes[i] = &programNode{node: n, name: NodeName(n, i), kernel: k}
	}
	if len(unsupported) > 0 {
		log.Info("warning: model uses operators without a CPU kernel; runs will fail when they are reached", "operators", keys(unsupported))
	}

	order, err := engine.BuildDAG(nodes, available, p.outputs)
	if err != nil {
		return nil, err
	}
	for _, i := range order {
		p.nodes = append(p.nodes, nodes[i])
	}
	if skipped := len(nodes) - len(order); skipped > 0 {
		log.Info("warning: nodes are unreachable from the graph inputs and will not run", "count", skipped)
	}
	return p, nil
}

func (p *Program) InputNames() []string {
	names := make([]string, len(p.inputs))
	for i, in := range p.inputs {
		names[i] = in.Name
	}
	return names
}

// InputShape returns the declared shape of the first runtime input, -1 marking dynamic dimensions.
func (p *Program) InputShape() []int {
	if len(p.inputs) == 0 {
		return nil
	}
	return p.inputs[0].StaticShape()
}

func (p *Program) OutputNames() []string {
	return p.outputs
}

func (p *Program) ForEachLeafOperation(fn func(op engine.LeafOperation)) {
	for _, n := range p.nodes {
		fn(n)
	}
}

// Run executes the whole graph and returns the requested values, nil for names it did not produce.
func (p *Program) Run(ctx context.Context, feeds map[string]*tensor.Tensor, outputNames []string) ([]*tensor.Tensor, error) {
	values, err := p.execute(ctx, feeds, false)
	if err != nil {
		return nil, err
	}
	results := make([]*tensor.Tensor, len(outputNames))
	for i, name := range outputNames {
		results[i] = values[name]
	}
	return results, nil
}

// Forward binds input to the first runtime input and executes the graph, firing forward hooks.
func (p *Program) Forward(ctx context.Context, input *tensor.Tensor) error {
	if len(p.inputs) == 0 {
		return engine.InputBindingErrorf("", "model declares no runtime inputs")
	}
	_, err := p.execute(ctx, map[string]*tensor.Tensor{p.inputs[0].Name: input}, true)
	return err
}

func (p *Program) bind(feeds map[string]*tensor.Tensor) error {
	declared := make(map[string]bool, len(p.inputs))
	for _, in := range p.inputs {
		declared[in.Name] = true
		t, ok := feeds[in.Name]
		if !ok || t == nil {
			return engine.InputBindingErrorf(in.Name, "no value given")
		}
		if in.Shape == nil {
			continue
		}
		if len(in.Shape) != t.Rank() {
			return engine.InputBindingErrorf(in.Name, "expected rank %d, got shape %v", len(in.Shape), t.Shape)
		}
		for i, d := range in.Shape {
			if d.Known() && int(d.Value) != t.Shape[i] {
				return engine.InputBindingErrorf(in.Name, "expected shape %v, got %v", in.StaticShape(), t.Shape)
			}
		}
	}
	for name := range feeds {
		if !declared[name] {
			return engine.InputBindingErrorf(name, "model has no such input")
		}
	}
	return nil
}

func (p *Program) execute(ctx context.Context, feeds map[string]*tensor.Tensor, fireHooks bool) (map[string]*tensor.Tensor, error) {
	log := klog.FromContext(ctx)

	if err := p.bind(feeds); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	values := make(map[string]*tensor.Tensor, len(p.constants)+len(feeds)+len(p.nodes))
	for name, t := range p.constants {
		values[name] = t
	}
	for name, t := range feeds {
		values[name] = t
	}

	for _, n := range p.nodes {
		inputs := make([]*tensor.Tensor, len(n.node.Inputs))
		var first *tensor.Tensor
		for i, name := range n.node.Inputs {
			if name == "" {
				continue
			}
			t, ok := values[name]
			if !ok {
				return values, &engine.ExecutionError{Operation: n.name, Err: fmt.Errorf("input %q has no value", name)}
			}
			inputs[i] = t
			if first == nil {
				first = t
			}
		}

		outputs, err := p.evaluateNode(n, inputs)
		if err != nil {
			return values, &engine.ExecutionError{Operation: n.name, Err: err}
		}
		for i, name := range n.node.Outputs {
			if name != "" && i < len(outputs) && outputs[i] != nil {
				values[name] = outputs[i]
			}
		}
		log.V(4).Info("evaluated node", "node", n.name, "op", n.node.OpType)

		if fireHooks && len(outputs) > 0 {
			n.hooks.Fire(n, first, outputs[0])
		}
	}
	return values, nil
}

func (p *Program) evaluateNode(n *programNode, inputs []*tensor.Tensor) (outputs []*tensor.Tensor, err error) {
	if n.kernel == nil {
		return nil, fmt.Errorf("unsupported operation: %s", n.node.OpType)
	}
	if n.node.OpType != "Constant" && (len(inputs) == 0 || inputs[0] == nil) {
		return nil, fmt.Errorf("%s has no first input", n.node.OpType)
	}
	defer func() {
		if r := recover(); r != nil {
			outputs, err = nil, fmt.Errorf("%s kernel failed: %v", n.node.OpType, r)
		}
	}()
	return n.kernel(n.node, inputs, p.opset)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
