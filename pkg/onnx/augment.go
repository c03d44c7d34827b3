package onnx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/tensor"
)

// Augmented is a model whose every node output is also a graph output.
type Augmented struct {
	// Model is the serialized augmented ModelProto.
	Model []byte
	// Source is the decoded, unaugmented model.
	Source *Model
	// Outputs lists every graph output of the augmented model: declared outputs first, then Exposed.
	Outputs []string
	// Exposed lists the outputs added by augmentation, in node declaration order.
	Exposed []string
	// Shapes holds the statically inferred shape of each exposed output, when one could be inferred.
	Shapes map[string][]int
	// Coerced lists exposed outputs whose element type was declared as FLOAT instead of their own.
	Coerced []string
}

// Augment rewrites a serialized model so every node output is a graph output.
// Nodes and initializers are carried over byte for byte; only output declarations are appended.
func Augment(ctx context.Context, data []byte) (*Augmented, error) {
	ctx, span := otel.Tracer("strata/onnx").Start(ctx, "onnx.Augment")
	defer span.End()
	log := klog.FromContext(ctx)

	model, err := Decode(data)
	if err != nil {
		err = &AugmentationError{Msg: "model is not a valid ModelProto", Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, err
	}
	if model.Graph == nil {
		span.SetStatus(codes.Error, "no graph")
		return nil, augmentationErrorf("model has no graph")
	}
	g := model.Graph
	if err := Validate(g); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid graph")
		return nil, err
	}

	declared := make(map[string]bool, len(g.Outputs))
	result := &Augmented{
		Source: model,
		Shapes: make(map[string][]int),
	}
	for _, out := range g.Outputs {
		declared[out.Name] = true
		result.Outputs = append(result.Outputs, out.Name)
	}

	types := knownTypes(g)
	inference := InferShapes(g)

	var extra []byte
	for _, n := range g.Nodes {
		for _, name := range n.Outputs {
			if name == "" || declared[name] {
				continue
			}
			declared[name] = true

			vi := &ValueInfo{Name: name, ElemType: tensor.Float32}
			if dtype, ok := types[name]; ok {
				if dtype.IsFloat() {
					vi.ElemType = dtype
				} else {
					result.Coerced = append(result.Coerced, name)
					log.V(2).Info("declaring non-float output as float32", "output", name, "type", dtype)
				}
			}
			if shape, ok := inference.Shapes[name]; ok {
				vi.Shape = DimsFromShape(shape)
				result.Shapes[name] = shape
			} else {
				log.Info("warning: shape of output could not be inferred, exposing it without a shape", "output", name, "node", n.Name, "reason", inference.Skipped[name])
			}

			extra = appendMessageField(extra, graphOutput, encodeValueInfo(vi))
			result.Exposed = append(result.Exposed, name)
			result.Outputs = append(result.Outputs, name)
		}
	}

	result.Model, err = spliceGraph(data, extra)
	if err != nil {
		return nil, &AugmentationError{Msg: "re-serializing model", Err: err}
	}

	span.SetAttributes(
		attribute.Int("nodes", len(g.Nodes)),
		attribute.Int("exposed_outputs", len(result.Exposed)),
		attribute.Int("coerced_outputs", len(result.Coerced)),
	)
	log.Info("augmented model", "nodes", len(g.Nodes), "exposed", len(result.Exposed), "coerced", len(result.Coerced))
	return result, nil
}

// Validate checks the structural properties augmentation relies on: every value has a single
// producer and every node input is defined somewhere in the graph.
func Validate(g *Graph) error {
	defined := make(map[string]bool)
	for _, in := range g.Inputs {
		defined[in.Name] = true
	}
	for _, init := range g.Initializers {
		defined[init.Name] = true
	}
	producers := make(map[string]int)
	for i, n := range g.Nodes {
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if j, ok := producers[out]; ok {
				return augmentationErrorf("value %q is produced by both node %d and node %d", out, j, i)
			}
			if defined[out] {
				return augmentationErrorf("node %d redefines graph input %q", i, out)
			}
			producers[out] = i
		}
	}
	for i, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in == "" || defined[in] {
				continue
			}
			if _, ok := producers[in]; !ok {
				return augmentationErrorf("node %d (%s) consumes undefined value %q", i, n.OpType, in)
			}
		}
	}
	for _, out := range g.Outputs {
		if _, ok := producers[out.Name]; !ok && !defined[out.Name] {
			return augmentationErrorf("graph output %q is never produced", out.Name)
		}
	}
	return nil
}

func knownTypes(g *Graph) map[string]tensor.DType {
	types := make(map[string]tensor.DType)
	for _, list := range [][]*ValueInfo{g.Inputs, g.Outputs, g.ValueInfo} {
		for _, vi := range list {
			if vi.ElemType != tensor.Undefined {
				types[vi.Name] = vi.ElemType
			}
		}
	}
	for _, init := range g.Initializers {
		types[init.Name] = init.DataType
	}
	return types
}

// spliceGraph appends extra graph fields to the last graph field of a serialized model,
// copying every other field unchanged.
func spliceGraph(data []byte, extra []byte) ([]byte, error) {
	last := -1
	i := 0
	if err := walk(data, func(f *field) error {
		if f.num == modelGraph {
			last = i
		}
		i++
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(data)+len(extra)+8)
	i = 0
	err := walk(data, func(f *field) error {
		if i == last {
			out = appendMessageField(out, modelGraph, append(append([]byte(nil), f.bytes...), extra...))
		} else {
			out = append(out, f.raw...)
		}
		i++
		return nil
	})
	return out, err
}
