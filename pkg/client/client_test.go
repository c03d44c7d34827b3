package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2/ktesting"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/inspector"
	"github.com/strataviz/strata/pkg/modelgraph"
	"github.com/strataviz/strata/pkg/record"
	"github.com/strataviz/strata/pkg/server"
	"github.com/strataviz/strata/pkg/stream"
	"github.com/strataviz/strata/pkg/testmodels"
)

func newClient(t *testing.T, opts ...inspector.Option) *Client {
	srv := httptest.NewServer(server.New(inspector.New(opts...)))
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, srv.Client())
	require.NoError(t, err)
	return c
}

func TestRunAndConsume(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := newClient(t, inspector.WithExecutionMode(engine.ModeHook))

	summary, err := c.LoadModel(ctx, testmodels.Write(t, "mlp.onnx", testmodels.MLP()))
	require.NoError(t, err)
	assert.Equal(t, modelgraph.FormatONNX, summary.ModelType)

	s, err := c.OpenStream(ctx)
	require.NoError(t, err)
	defer s.Close()

	run, err := c.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.NoError(t, err)
	assert.Equal(t, engine.ModeHook, run.Mode)

	consumer := &stream.Consumer{Source: s, RunID: run.RunID, Timeout: 10 * time.Second}
	var got []string
	result, err := consumer.Consume(ctx, func(batch []*record.LayerRecord) {
		for _, rec := range batch {
			got = append(got, rec.RuntimeKey)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, run.LayerIDs, got)
	assert.Equal(t, 3, result.Records)
	assert.GreaterOrEqual(t, result.Batches, 1)

	rec, err := c.GetRecord(ctx, "/fc/Gemm", false)
	require.NoError(t, err)
	assert.Equal(t, "_fc_Gemm", rec.NodeID)
	assert.Equal(t, []float64{-2, -7}, rec.Output.Data)

	rec, err = c.GetRecord(ctx, "act_relu", true)
	require.NoError(t, err)
	assert.Equal(t, "/act/Relu", rec.RuntimeKey)

	size, err := c.EstimateSize(ctx, "/out/Softmax")
	require.NoError(t, err)
	assert.Equal(t, int64(4*24), size.Bytes)

	dest := filepath.Join(t.TempDir(), "softmax.txt")
	written, err := c.SaveTensor(ctx, "/out/Softmax", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, written)

	doc, err := c.CopyTensor(ctx, "/fc/Gemm")
	require.NoError(t, err)
	assert.Equal(t, "Gemm", doc.Fields["type"].GetStringValue())
	assert.Equal(t, 8.0, doc.Fields["param_count"].GetNumberValue())

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, h.RunID)
	assert.Equal(t, 3, h.Records)
}

func TestFailedRunReportsPartialRecords(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := newClient(t, inspector.WithExecutionMode(engine.ModeHook))

	_, err := c.LoadModel(ctx, testmodels.Write(t, "chain.onnx", testmodels.Chain(7)))
	require.NoError(t, err)

	s, err := c.OpenStream(ctx)
	require.NoError(t, err)
	defer s.Close()

	run, err := c.RunInference(ctx, "1,2", modelgraph.HintTensor)
	require.ErrorIs(t, err, engine.ErrExecution)
	assert.Equal(t, codes.Internal, status.Code(err))
	require.NotNil(t, run)
	assert.Len(t, run.LayerIDs, 6)

	consumer := &stream.Consumer{Source: s, RunID: run.RunID, Timeout: 10 * time.Second}
	var n int
	result, err := consumer.Consume(ctx, func(batch []*record.LayerRecord) { n += len(batch) })
	require.ErrorIs(t, err, stream.ErrRunFailed)
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, result.Records)
}

func TestErrorClassification(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	c := newClient(t)

	_, err := c.RunInference(ctx, "1", modelgraph.HintTensor)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = c.LoadModel(ctx, testmodels.Write(t, "mlp.onnx", testmodels.MLP()))
	require.NoError(t, err)

	_, err = c.RunInference(ctx, "1,2", modelgraph.HintTensor)
	require.ErrorIs(t, err, engine.ErrInputBinding)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.GetRecord(ctx, "missing", false)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
