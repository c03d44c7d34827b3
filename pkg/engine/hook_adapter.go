package engine

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/tensor"
)

// HookAdapter captures the output of every leaf operation through forward hooks.
// Captures arrive in true execution order.
type HookAdapter struct {
	model Instrumentable
}

var _ Adapter = (*HookAdapter)(nil)

func NewHookAdapter(model Instrumentable) *HookAdapter {
	return &HookAdapter{model: model}
}

func (a *HookAdapter) Mode() Mode {
	return ModeHook
}

func (a *HookAdapter) Run(ctx context.Context, input *tensor.Tensor, emit EmitFunc) error {
	log := klog.FromContext(ctx)

	if input == nil {
		return InputBindingErrorf("", "no input tensor given")
	}

	var handles []HookHandle
	defer func() {
		for _, h := range handles {
			h.Remove()
		}
		log.V(2).Info("removed forward hooks", "count", len(handles))
	}()

	a.model.ForEachLeafOperation(func(op LeafOperation) {
		handles = append(handles, op.RegisterForwardHook(func(op LeafOperation, in, out *tensor.Tensor) {
			if out == nil {
				log.Info("warning: operation produced no tensor output, skipping", "operation", op.Name())
				return
			}
			emit(Capture{
				Key:         op.Name(),
				DisplayName: op.Name(),
				Kind:        op.Kind(),
				Input:       in,
				Output:      out,
			})
		}))
	})
	log.V(2).Info("registered forward hooks", "count", len(handles))

	if err := a.model.Forward(ctx, input); err != nil {
		return AsExecutionError("", err)
	}
	return nil
}
