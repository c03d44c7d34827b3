package engine

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/strataviz/strata/pkg/tensor"
)

// Evaluate runs session once and returns the requested outputs in request order.
func Evaluate(ctx context.Context, session Session, feeds map[string]*tensor.Tensor, outputNames []string) ([]*tensor.Tensor, error) {
	results, err := session.Run(ctx, feeds, outputNames)
	if err != nil {
		return nil, AsExecutionError("", err)
	}
	if len(results) != len(outputNames) {
		return nil, &ExecutionError{Err: status.Errorf(codes.Internal, "runtime returned %d results for %d requested outputs", len(results), len(outputNames))}
	}
	return results, nil
}

// Collect runs adapter and gathers every capture in emission order.
func Collect(ctx context.Context, adapter Adapter, input *tensor.Tensor) ([]Capture, error) {
	var captures []Capture
	err := adapter.Run(ctx, input, func(c Capture) {
		captures = append(captures, c)
	})
	return captures, err
}
