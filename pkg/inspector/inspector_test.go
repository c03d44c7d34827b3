package inspector

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2/ktesting"

	"github.com/strataviz/strata/pkg/blobs"
	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/modelgraph"
	"github.com/strataviz/strata/pkg/stream"
	"github.com/strataviz/strata/pkg/tensor"
	"github.com/strataviz/strata/pkg/testmodels"
)

func mlpModel(t *testing.T) string {
	return testmodels.Write(t, "mlp.onnx", testmodels.MLP())
}

func chainModel(t *testing.T, failAt int) string {
	return testmodels.Write(t, "chain.onnx", testmodels.Chain(failAt))
}

// drain reads stream messages up to and including the end sentinel.
func drain(t *testing.T, ctx context.Context, src stream.Source) ([]stream.Message, stream.Message) {
	t.Helper()
	var records []stream.Message
	for {
		m, err := src.Next(ctx)
		require.NoError(t, err)
		if m.IsEnd() {
			return records, m
		}
		records = append(records, m)
	}
}

func TestGraphModeRun(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()

	summary, err := insp.LoadModel(ctx, mlpModel(t))
	require.NoError(t, err)
	assert.Equal(t, modelgraph.FormatONNX, summary.ModelType)
	assert.Len(t, summary.Nodes, 3)
	assert.Equal(t, int64(8), summary.TotalParams)
	require.NotNil(t, insp.Session().Augmented())

	result, err := insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.NoError(t, err)
	assert.Equal(t, engine.ModeGraph, result.Mode)
	assert.Equal(t, []string{"y", "h", "r"}, result.LayerIDs)

	h, err := insp.GetRecord("h")
	require.NoError(t, err)
	assert.Equal(t, "_fc_Gemm", h.NodeID)
	assert.Equal(t, "/fc/Gemm", h.DisplayName)
	assert.Equal(t, "Gemm", h.OperationKind)
	assert.Equal(t, int64(8), h.ParamCount)
	assert.Equal(t, []int{1, 3}, h.InputShape)
	assert.Equal(t, []float64{-2, -7}, h.Output.Data)

	alias, err := insp.GetRecord("_fc_Gemm")
	require.NoError(t, err)
	assert.Same(t, h, alias)

	fuzzy, err := insp.GetRecordFuzzy("fc_gemm")
	require.NoError(t, err)
	assert.Same(t, h, fuzzy)

	y, err := insp.GetRecord("y")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, y.Output.Data, 1e-9)

	records, end := drain(t, ctx, insp)
	require.Len(t, records, 3)
	for i, m := range records {
		assert.Equal(t, result.LayerIDs[i], m.Record.RuntimeKey)
		assert.Equal(t, result.RunID, m.RunID)
	}
	assert.Equal(t, result.RunID, end.RunID)
	assert.Empty(t, end.Error)
}

func TestHookModeFailureKeepsEarlierRecords(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New(WithExecutionMode(engine.ModeHook))
	_, err := insp.LoadModel(ctx, chainModel(t, 7))
	require.NoError(t, err)

	result, err := insp.RunInference(ctx, "-1,2", modelgraph.HintTensor)
	require.ErrorIs(t, err, engine.ErrExecution)
	var execErr *engine.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "op_7", execErr.Operation)

	assert.Equal(t, []string{"op_1", "op_2", "op_3", "op_4", "op_5", "op_6"}, result.LayerIDs)
	assert.Len(t, insp.Session().Cache.Records(), 6)
	_, err = insp.GetRecord("op_7")
	assert.Equal(t, codes.NotFound, status.Code(err))

	records, end := drain(t, ctx, insp)
	assert.Len(t, records, 6)
	assert.Contains(t, end.Error, "op_7")

	// The failed run left the session idle.
	assert.False(t, insp.Health().Running)
	_, err = insp.RunInference(ctx, "-1,2", modelgraph.HintTensor)
	require.ErrorIs(t, err, engine.ErrExecution)
}

func TestGraphModeFailureCapturesNothing(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()
	_, err := insp.LoadModel(ctx, chainModel(t, 7))
	require.NoError(t, err)

	result, err := insp.RunInference(ctx, "-1,2", modelgraph.HintTensor)
	require.ErrorIs(t, err, engine.ErrExecution)
	assert.Empty(t, result.LayerIDs)
	assert.Zero(t, insp.Session().Cache.Len())

	records, end := drain(t, ctx, insp)
	assert.Empty(t, records)
	assert.NotEmpty(t, end.Error)
}

func TestInputBindingFailure(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()
	_, err := insp.LoadModel(ctx, mlpModel(t))
	require.NoError(t, err)

	for _, raw := range []string{"1,2", "one,two,three"} {
		result, err := insp.RunInference(ctx, raw, modelgraph.HintTensor)
		require.ErrorIs(t, err, engine.ErrInputBinding, raw)
		assert.Empty(t, result.LayerIDs)

		records, end := drain(t, ctx, insp)
		assert.Empty(t, records)
		assert.NotEmpty(t, end.Error)
	}
}

func TestModuleTreeRun(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New(WithExecutionMode(engine.ModeGraph))
	_, err := insp.LoadModel(ctx, testmodels.Write(t, "tree.json", []byte(testmodels.Tree)))
	require.NoError(t, err)
	assert.Equal(t, engine.ModeHook, insp.Session().Mode())

	result, err := insp.RunInference(ctx, "1,2", modelgraph.HintTensor)
	require.NoError(t, err)
	assert.Equal(t, []string{"fc", "act"}, result.LayerIDs)

	fc, err := insp.GetRecord("fc")
	require.NoError(t, err)
	assert.Equal(t, "fc", fc.NodeID)
	assert.Equal(t, int64(6), fc.ParamCount)
	assert.Equal(t, int64(6), fc.TrainableParamCount)
	assert.Equal(t, []float64{3, -1}, fc.Output.Data)

	act, err := insp.GetRecord("act")
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0}, act.Output.Data)
	assert.Equal(t, 1.5, act.Stats.Mean)
}

func TestRunsReplacePreviousRecords(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New(WithExecutionMode(engine.ModeHook))
	_, err := insp.LoadModel(ctx, mlpModel(t))
	require.NoError(t, err)

	first, err := insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.NoError(t, err)
	assert.Equal(t, []string{"/fc/Gemm", "/act/Relu", "/out/Softmax"}, first.LayerIDs)
	before, err := insp.GetRecord("_act_Relu")
	require.NoError(t, err)

	second, err := insp.RunInference(ctx, "3,2,1", modelgraph.HintTensor)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, insp.Session().Cache.Records(), 3)

	after, err := insp.GetRecord("_act_Relu")
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	// Only the latest run is streamed.
	records, end := drain(t, ctx, insp)
	require.Len(t, records, 3)
	assert.Equal(t, second.RunID, records[0].RunID)
	assert.Equal(t, second.RunID, end.RunID)
}

func TestRunInProgressRejected(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()

	_, err := insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.ErrorIs(t, err, ErrNoModel)

	_, err = insp.LoadModel(ctx, mlpModel(t))
	require.NoError(t, err)

	s := insp.Session()
	require.True(t, s.begin("in-flight"))
	_, err = insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = insp.LoadModel(ctx, mlpModel(t))
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, insp.Health().Running)

	s.end()
	_, err = insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.NoError(t, err)
}

func TestLoadModelErrors(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()

	_, err := insp.LoadModel(ctx, filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = insp.LoadModel(ctx, testmodels.Write(t, "model.pt", []byte("weights")))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = insp.LoadModel(ctx, testmodels.Write(t, "bad.onnx", []byte{0xff, 0xff, 0xff}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.False(t, insp.Health().ModelLoaded)
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	b, ok := m.objects[info.Key]
	if !ok {
		return os.ErrNotExist
	}
	_, err := blobs.WriteFile(ctx, bytes.NewReader(b), destPath)
	return err
}

func (m *memoryStore) Upload(ctx context.Context, sourcePath string, info blobs.BlobInfo) error {
	b, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	m.objects[info.Key] = b
	return nil
}

func (m *memoryStore) Put(ctx context.Context, info blobs.BlobInfo, src io.Reader) error {
	b, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	m.objects[info.Key] = b
	return nil
}

func TestExports(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	store := &memoryStore{objects: map[string][]byte{"models/tree.json": []byte(testmodels.Tree)}}
	insp := New(
		WithCacheDir(t.TempDir()),
		WithBlobstore(func(bucket string) blobs.Blobstore { return store }),
	)

	_, err := insp.LoadModel(ctx, "gs://models-bucket/models/tree.json")
	require.NoError(t, err)
	_, err = insp.RunInference(ctx, "1,2", modelgraph.HintTensor)
	require.NoError(t, err)

	size, err := insp.EstimateExportSize("fc")
	require.NoError(t, err)
	assert.Equal(t, int64(4*24), size.Bytes)
	assert.Equal(t, "96 B", size.HumanReadable)

	local := filepath.Join(t.TempDir(), "exports", "fc.txt")
	dest, err := insp.ExportRecord(ctx, "fc", local)
	require.NoError(t, err)
	assert.Equal(t, local, dest)
	b, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Contains(t, string(b), "INPUT TENSOR (2 values, row-major)\n1\n2\n")
	assert.Contains(t, string(b), "OUTPUT TENSOR (2 values, row-major)\n3\n-1\n")

	dest, err = insp.ExportRecord(ctx, "act", "gs://exports/run/act.txt")
	require.NoError(t, err)
	assert.Equal(t, "gs://exports/run/act.txt", dest)
	assert.True(t, strings.HasPrefix(string(store.objects["run/act.txt"]), "====="))

	s, err := insp.ExportRecordStructured("fc")
	require.NoError(t, err)
	assert.Equal(t, "fc", s.Fields["node_id"].GetStringValue())

	_, err = insp.ExportRecord(ctx, "nothing-like-this", local)
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = insp.EstimateExportSize("nothing-like-this")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealth(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()
	assert.Equal(t, Health{Status: "ok"}, insp.Health())

	p := mlpModel(t)
	_, err := insp.LoadModel(ctx, p)
	require.NoError(t, err)
	_, err = insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.NoError(t, err)

	h := insp.Health()
	assert.True(t, h.ModelLoaded)
	assert.Equal(t, p, h.Model)
	assert.Equal(t, "onnx", h.Format)
	assert.Equal(t, "graph", h.Mode)
	assert.False(t, h.Running)
	assert.Equal(t, 3, h.Records)
	assert.NotEmpty(t, h.RunID)
}

// slowError holds up the first call to Error until release is closed.
type slowError struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (e *slowError) Error() string {
	e.once.Do(func() { close(e.entered) })
	<-e.release
	return "first run failed"
}

// scriptedAdapter fails its first run with fail and emits keys on every later run.
type scriptedAdapter struct {
	mu   sync.Mutex
	runs int
	fail error
	keys []string
}

func (a *scriptedAdapter) Mode() engine.Mode { return engine.ModeHook }

func (a *scriptedAdapter) Run(ctx context.Context, input *tensor.Tensor, emit engine.EmitFunc) error {
	a.mu.Lock()
	a.runs++
	first := a.runs == 1
	a.mu.Unlock()
	if first {
		return a.fail
	}
	for i, k := range a.keys {
		emit(engine.Capture{Key: k, DisplayName: k, Kind: "Stub", Input: input, Output: tensor.FromValues(float64(i))})
	}
	return nil
}

func TestFinishingRunDoesNotEndNextRun(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	insp := New()
	_, err := insp.LoadModel(ctx, mlpModel(t))
	require.NoError(t, err)

	fail := &slowError{entered: make(chan struct{}), release: make(chan struct{})}
	insp.Session().adapter = &scriptedAdapter{fail: fail, keys: []string{"a", "b", "c"}}

	firstDone := make(chan error, 1)
	go func() {
		_, err := insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
		firstDone <- err
	}()
	select {
	case <-fail.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached its end sentinel")
	}

	second, err := insp.RunInference(ctx, "1,2,3", modelgraph.HintTensor)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, second.LayerIDs)

	close(fail.release)
	require.ErrorIs(t, <-firstDone, fail)

	records, end := drain(t, ctx, insp)
	require.Len(t, records, 3)
	for i, key := range second.LayerIDs {
		assert.Equal(t, key, records[i].Record.RuntimeKey)
		assert.Equal(t, second.RunID, records[i].RunID)
	}
	assert.Equal(t, second.RunID, end.RunID)
	assert.Empty(t, end.Error)
	assert.Zero(t, insp.dispatcher.Pending())
}
