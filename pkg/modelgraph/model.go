// Package modelgraph loads models and describes their operations as a static graph for display.
package modelgraph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/modeltree"
	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/tensor"
)

type Format string

const (
	FormatONNX       Format = "onnx"
	FormatModuleTree Format = "json"
)

// OperationNode is the static description of one model operation.
type OperationNode struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Kind                string `json:"type"`
	ParamCount          int64  `json:"param_count"`
	TrainableParamCount int64  `json:"trainable_params"`
	// Declared shapes use -1 for dynamic dimensions and are nil when unknown.
	DeclaredInputShape  []int `json:"input_shape,omitempty"`
	DeclaredOutputShape []int `json:"output_shape,omitempty"`
	// Inputs and Outputs are the tensor names an ONNX node consumes and produces.
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Model is a loaded model together with its static graph.
type Model struct {
	path   string
	format Format
	nodes  []OperationNode

	Edges           []Edge
	TotalParams     int64
	TrainableParams int64
	// InputShape is the declared shape of the first runtime input, -1 marking dynamic dimensions.
	InputShape []int

	// ONNXData and ONNX are set for ONNX models.
	ONNXData []byte
	ONNX     *onnx.Model
	// Tree is set for module-tree models.
	Tree *modeltree.Model
}

func (m *Model) OperationNodes() []OperationNode { return m.nodes }
func (m *Model) Path() string                    { return m.path }
func (m *Model) Format() Format                  { return m.format }

// Metadata describes the model's input for PrepareInput.
func (m *Model) Metadata() Metadata {
	return Metadata{Format: m.format, InputShape: m.InputShape}
}

// Summary is the JSON description of a loaded model.
type Summary struct {
	ModelType       Format          `json:"model_type"`
	Path            string          `json:"path"`
	Nodes           []OperationNode `json:"nodes"`
	Edges           []Edge          `json:"edges"`
	TotalParams     int64           `json:"total_params"`
	TrainableParams int64           `json:"trainable_params"`
	InputShape      []int           `json:"input_shape,omitempty"`
}

func (m *Model) Summary() *Summary {
	return &Summary{
		ModelType:       m.format,
		Path:            m.path,
		Nodes:           m.nodes,
		Edges:           m.Edges,
		TotalParams:     m.TotalParams,
		TrainableParams: m.TrainableParams,
		InputShape:      m.InputShape,
	}
}

var invalidIDChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeID replaces every character outside [A-Za-z0-9_] with '_'.
func SanitizeID(name string) string {
	return invalidIDChars.ReplaceAllString(name, "_")
}

// Load reads a model, choosing the loader from the file extension.
func Load(ctx context.Context, path string) (*Model, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading model %q: %w", path, err)
		}
		return FromONNX(ctx, path, data)
	case ".json":
		tree, err := modeltree.Load(path)
		if err != nil {
			return nil, err
		}
		return FromModuleTree(ctx, path, tree), nil
	}
	return nil, fmt.Errorf("unsupported model format %q: supported formats are .onnx and .json module trees", filepath.Ext(path))
}

// FromONNX describes a serialized ONNX model. Node IDs are the sanitized node names, or node_<i> for
// unnamed nodes; a node's parameter count is the size of the initializers it consumes.
func FromONNX(ctx context.Context, path string, data []byte) (*Model, error) {
	log := klog.FromContext(ctx)

	decoded, err := onnx.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid ONNX model: %w", err)
	}
	g := decoded.Graph
	if g == nil {
		return nil, fmt.Errorf("invalid ONNX model: no graph")
	}
	if err := onnx.Validate(g); err != nil {
		return nil, fmt.Errorf("invalid ONNX model: %w", err)
	}

	shapes := make(map[string][]int)
	for name, s := range onnx.InferShapes(g).Shapes {
		shapes[name] = s
	}
	for _, group := range [][]*onnx.ValueInfo{g.Outputs, g.ValueInfo, g.Inputs} {
		for _, vi := range group {
			if vi.Shape != nil {
				shapes[vi.Name] = vi.StaticShape()
			}
		}
	}

	initSizes := make(map[string]int64, len(g.Initializers))
	for _, init := range g.Initializers {
		initSizes[init.Name] = int64(tensor.NumElements(init.Shape()))
	}

	m := &Model{
		path:     path,
		format:   FormatONNX,
		ONNXData: data,
		ONNX:     decoded,
	}
	if in := g.RuntimeInputs(); len(in) > 0 {
		m.InputShape = in[0].StaticShape()
	}

	producer := make(map[string]string)
	counted := make(map[string]bool)
	for i, n := range g.Nodes {
		name := n.Name
		if name == "" {
			name = fmt.Sprintf("node_%d", i)
		}
		node := OperationNode{
			ID:      SanitizeID(name),
			Name:    name,
			Kind:    n.OpType,
			Inputs:  n.Inputs,
			Outputs: n.Outputs,
		}
		var firstData string
		for _, in := range n.Inputs {
			if size, ok := initSizes[in]; ok {
				node.ParamCount += size
				if !counted[in] {
					counted[in] = true
					m.TotalParams += size
				}
			} else if firstData == "" && in != "" {
				firstData = in
			}
		}
		node.DeclaredInputShape = shapes[firstData]
		if len(n.Outputs) > 0 {
			node.DeclaredOutputShape = shapes[n.Outputs[0]]
		}
		for _, out := range n.Outputs {
			producer[out] = node.ID
		}
		m.nodes = append(m.nodes, node)
	}

	seen := make(map[Edge]bool)
	for _, node := range m.nodes {
		for _, in := range node.Inputs {
			from, ok := producer[in]
			if !ok {
				continue
			}
			e := Edge{From: from, To: node.ID}
			if !seen[e] {
				seen[e] = true
				m.Edges = append(m.Edges, e)
			}
		}
	}

	log.Info("loaded ONNX model", "path", path, "nodes", len(m.nodes), "edges", len(m.Edges), "params", m.TotalParams)
	return m, nil
}

// FromModuleTree describes a module tree. Every module except the root is a node, with edges from
// each container to its children. When the input shape is static, declared shapes come from a probe
// run on a zero input.
func FromModuleTree(ctx context.Context, path string, tree *modeltree.Model) *Model {
	log := klog.FromContext(ctx)

	m := &Model{
		path:       path,
		format:     FormatModuleTree,
		Tree:       tree,
		InputShape: tree.InputShape,
	}
	m.TotalParams, m.TrainableParams = tree.ParamCount()

	index := make(map[string]int)
	for _, mod := range tree.NamedModules() {
		total, trainable := mod.ParamCount()
		id := strings.ReplaceAll(mod.Name(), ".", "_")
		index[mod.Name()] = len(m.nodes)
		m.nodes = append(m.nodes, OperationNode{
			ID:                  id,
			Name:                mod.Name(),
			Kind:                mod.Kind(),
			ParamCount:          total,
			TrainableParamCount: trainable,
		})
		for _, c := range mod.Children() {
			m.Edges = append(m.Edges, Edge{From: id, To: strings.ReplaceAll(c.Name(), ".", "_")})
		}
	}

	if shape, ok := probeShape(tree.InputShape); ok {
		captures, err := engine.Collect(ctx, engine.NewHookAdapter(tree), tensor.Zeros(shape...))
		if err != nil {
			log.Info("warning: could not determine layer shapes", "err", err)
		}
		for _, c := range captures {
			i := index[c.Key]
			if c.Input != nil {
				m.nodes[i].DeclaredInputShape = c.Input.Shape
			}
			m.nodes[i].DeclaredOutputShape = c.Output.Shape
		}
	}

	log.Info("loaded module tree", "path", path, "modules", len(m.nodes), "params", m.TotalParams)
	return m
}

// probeShape turns a declared shape into a concrete one, using 1 for a dynamic batch dimension.
func probeShape(declared []int) ([]int, bool) {
	if len(declared) == 0 {
		return nil, false
	}
	shape := make([]int, len(declared))
	for i, d := range declared {
		switch {
		case d > 0:
			shape[i] = d
		case d < 0 && i == 0:
			shape[i] = 1
		default:
			return nil, false
		}
	}
	return shape, true
}
