// Package modeltree executes JSON-described module trees, with forward hooks on every leaf module.
package modeltree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/tensor"
)

// File is the on-disk form of a module tree.
type File struct {
	Name string `json:"name,omitempty"`
	// InputShape is the expected input shape; -1 marks a dynamic dimension.
	InputShape []int   `json:"input_shape,omitempty"`
	Modules    []*Spec `json:"modules"`
}

// Spec describes one module. Containers ("Sequential") have Modules; leaves have parameters.
type Spec struct {
	Type    string  `json:"type"`
	Name    string  `json:"name,omitempty"`
	Modules []*Spec `json:"modules,omitempty"`

	KernelSize    []int    `json:"kernel_size,omitempty"`
	Stride        []int    `json:"stride,omitempty"`
	Padding       []int    `json:"padding,omitempty"`
	Dilation      []int    `json:"dilation,omitempty"`
	Groups        int      `json:"groups,omitempty"`
	NegativeSlope *float64 `json:"negative_slope,omitempty"`
	Dim           *int     `json:"dim,omitempty"`
	StartDim      *int     `json:"start_dim,omitempty"`
	EndDim        *int     `json:"end_dim,omitempty"`
	Eps           *float64 `json:"eps,omitempty"`
	// CountIncludePad applies to AvgPool2d and defaults to true.
	CountIncludePad *bool `json:"count_include_pad,omitempty"`
	// Frozen parameters are not counted as trainable.
	Frozen bool `json:"frozen,omitempty"`

	Weight      *tensor.Tensor `json:"weight,omitempty"`
	Bias        *tensor.Tensor `json:"bias,omitempty"`
	RunningMean *tensor.Tensor `json:"running_mean,omitempty"`
	RunningVar  *tensor.Tensor `json:"running_var,omitempty"`
}

// Module is one node of the tree. Leaf modules are engine leaf operations.
type Module struct {
	path     string
	spec     *Spec
	children []*Module
	forward  layerFunc
	hooks    engine.HookSet
}

var _ engine.LeafOperation = (*Module)(nil)

// Name is the dotted path of the module, e.g. "features.0".
func (m *Module) Name() string { return m.path }
func (m *Module) Kind() string { return m.spec.Type }

func (m *Module) IsLeaf() bool        { return m.forward != nil }
func (m *Module) Children() []*Module { return m.children }

func (m *Module) RegisterForwardHook(hook engine.Hook) engine.HookHandle {
	return m.hooks.Add(hook)
}

// ParamCount returns the number of parameters held by the module and its descendants,
// and how many of those are trainable.
func (m *Module) ParamCount() (total, trainable int64) {
	for _, p := range []*tensor.Tensor{m.spec.Weight, m.spec.Bias} {
		if p == nil {
			continue
		}
		total += int64(p.Len())
		if !m.spec.Frozen {
			trainable += int64(p.Len())
		}
	}
	for _, c := range m.children {
		t, tr := c.ParamCount()
		total += t
		trainable += tr
	}
	return total, trainable
}

func (m *Module) run(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.forward == nil {
		for _, c := range m.children {
			var err error
			if x, err = c.run(ctx, x); err != nil {
				return nil, err
			}
		}
		return x, nil
	}

	y, err := m.forward(x)
	if err != nil {
		return nil, &engine.ExecutionError{Operation: m.path, Err: err}
	}
	klog.FromContext(ctx).V(4).Info("module forward", "module", m.path, "type", m.spec.Type, "shape", y.Shape)
	m.hooks.Fire(m, x, y)
	return y, nil
}

// Model is a loaded module tree.
type Model struct {
	Name       string
	InputShape []int

	root *Module
	all  []*Module

	// mu serializes forward passes.
	mu sync.Mutex
}

var _ engine.Instrumentable = (*Model)(nil)

// Load reads a module tree from a JSON file.
func Load(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model %q: %w", path, err)
	}
	m, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parsing model %q: %w", path, err)
	}
	return m, nil
}

// Parse builds a model from its JSON form, validating every module's parameters.
func Parse(data []byte) (*Model, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return Build(&f)
}

func Build(f *File) (*Model, error) {
	if len(f.Modules) == 0 {
		return nil, fmt.Errorf("model has no modules")
	}
	m := &Model{Name: f.Name, InputShape: f.InputShape}
	root := &Module{spec: &Spec{Type: "Sequential", Modules: f.Modules}}
	if err := m.build(root); err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

func (m *Model) build(parent *Module) error {
	seen := make(map[string]bool)
	for i, spec := range parent.spec.Modules {
		if spec == nil {
			return fmt.Errorf("module %d of %q is empty", i, parent.path)
		}
		name := spec.Name
		if name == "" {
			name = strconv.Itoa(i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate module name %q in %q", name, parent.path)
		}
		seen[name] = true

		path := name
		if parent.path != "" {
			path = parent.path + "." + name
		}
		child := &Module{path: path, spec: spec}
		parent.children = append(parent.children, child)
		m.all = append(m.all, child)

		if spec.Type == "Sequential" {
			if err := m.build(child); err != nil {
				return err
			}
			continue
		}
		if len(spec.Modules) != 0 {
			return fmt.Errorf("module %q of type %s cannot have children", path, spec.Type)
		}
		newLayer, ok := layers[spec.Type]
		if !ok {
			return fmt.Errorf("module %q has unsupported type %q", path, spec.Type)
		}
		fn, err := newLayer(spec)
		if err != nil {
			return fmt.Errorf("module %q (%s): %w", path, spec.Type, err)
		}
		child.forward = fn
	}
	return nil
}

// NamedModules returns every module except the root, parents before their children.
func (m *Model) NamedModules() []*Module {
	return m.all
}

func (m *Model) ParamCount() (total, trainable int64) {
	return m.root.ParamCount()
}

func (m *Model) ForEachLeafOperation(fn func(op engine.LeafOperation)) {
	for _, mod := range m.all {
		if mod.IsLeaf() {
			fn(mod)
		}
	}
}

// Forward runs input through the tree, firing the hooks of each leaf module as it completes.
func (m *Model) Forward(ctx context.Context, input *tensor.Tensor) error {
	_, err := m.Predict(ctx, input)
	return err
}

// Predict runs input through the tree and returns the final output.
func (m *Model) Predict(ctx context.Context, input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := m.bind(input); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root.run(ctx, input)
}

func (m *Model) bind(input *tensor.Tensor) error {
	if input == nil {
		return engine.InputBindingErrorf("input", "no value given")
	}
	if m.InputShape == nil {
		return nil
	}
	if input.Rank() != len(m.InputShape) {
		return engine.InputBindingErrorf("input", "expected rank %d, got shape %v", len(m.InputShape), input.Shape)
	}
	for i, d := range m.InputShape {
		if d >= 0 && d != input.Shape[i] {
			return engine.InputBindingErrorf("input", "expected shape %v, got %v", m.InputShape, input.Shape)
		}
	}
	return nil
}
