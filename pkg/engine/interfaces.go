package engine

import (
	"context"

	"github.com/strataviz/strata/pkg/tensor"
)

// Mode selects how intermediate tensors are captured from a runtime.
type Mode string

const (
	// ModeGraph requests every intermediate tensor as a graph output of a single run.
	ModeGraph Mode = "graph"
	// ModeHook observes leaf operations through forward hooks while the model executes.
	ModeHook Mode = "hook"
)

// Session is a graph runtime that returns the named outputs of one forward pass.
type Session interface {
	InputNames() []string
	OutputNames() []string
	// Run returns one tensor per requested name, in request order. A nil entry means the runtime
	// produced no value for that output.
	Run(ctx context.Context, feeds map[string]*tensor.Tensor, outputNames []string) ([]*tensor.Tensor, error)
}

// Hook observes a leaf operation after it has computed its output.
// Hooks must not modify the tensors they are given.
type Hook func(op LeafOperation, input, output *tensor.Tensor)

type HookHandle interface {
	Remove()
}

// LeafOperation is an operation with no instrumentable children.
type LeafOperation interface {
	Name() string
	Kind() string
	RegisterForwardHook(hook Hook) HookHandle
}

// Instrumentable is a runtime whose leaf operations accept forward hooks.
type Instrumentable interface {
	ForEachLeafOperation(fn func(op LeafOperation))
	Forward(ctx context.Context, input *tensor.Tensor) error
}

// Capture is one intermediate tensor observed during a run.
type Capture struct {
	// Key is the name the runtime uses for the tensor.
	Key string
	// DisplayName is the human-readable name of the producing operation.
	DisplayName string
	Kind        string
	Input       *tensor.Tensor
	Output      *tensor.Tensor
}

type EmitFunc func(c Capture)

// Adapter runs one forward pass and reports every captured intermediate tensor to emit.
// Captures emitted before a failure remain valid.
type Adapter interface {
	Mode() Mode
	Run(ctx context.Context, input *tensor.Tensor, emit EmitFunc) error
}
