// Package inspector loads a model, runs one instrumented inference at a time and serves the records
// it captured.
package inspector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/blobs"
	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/engine/fallback"
	"github.com/strataviz/strata/pkg/export"
	"github.com/strataviz/strata/pkg/identity"
	"github.com/strataviz/strata/pkg/metrics"
	"github.com/strataviz/strata/pkg/modelgraph"
	"github.com/strataviz/strata/pkg/onnx"
	"github.com/strataviz/strata/pkg/record"
	"github.com/strataviz/strata/pkg/stream"
)

var (
	ErrRunInProgress = status.Error(codes.FailedPrecondition, "an inference run is already in progress")
	ErrNoModel       = status.Error(codes.FailedPrecondition, "no model loaded")
)

func tracer() trace.Tracer {
	return otel.Tracer("strata/inspector")
}

// Inspector owns the loaded model's RunSession and the stream its runs publish to.
type Inspector struct {
	fetcher   *blobs.Fetcher
	mode      engine.Mode
	tokenizer modelgraph.Tokenizer

	dispatcher *stream.Dispatcher

	mu      sync.Mutex
	session *RunSession
	// loading is set while a model load is replacing the session.
	loading bool
}

var _ stream.Source = (*Inspector)(nil)

func New(opts ...Option) *Inspector {
	i := &Inspector{
		fetcher:    &blobs.Fetcher{MaxDownloadAttempts: 3, RetryDelay: time.Second},
		dispatcher: stream.NewDispatcher(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Session returns the current session, or nil before the first model load.
func (i *Inspector) Session() *RunSession {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

func (i *Inspector) currentSession() (*RunSession, error) {
	s := i.Session()
	if s == nil {
		return nil, ErrNoModel
	}
	return s, nil
}

// LoadModel fetches and loads the model at location, replacing the current session.
func (i *Inspector) LoadModel(ctx context.Context, location string) (*modelgraph.Summary, error) {
	ctx, span := tracer().Start(ctx, "inspector.LoadModel", trace.WithAttributes(attribute.String("location", location)))
	defer span.End()

	i.mu.Lock()
	if i.loading || (i.session != nil && i.session.Running()) {
		i.mu.Unlock()
		return nil, ErrRunInProgress
	}
	i.loading = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.loading = false
		i.mu.Unlock()
	}()

	s, err := i.load(ctx, location)
	format := "unknown"
	if s != nil {
		format = string(s.Model.Format())
	}
	metrics.ModelLoadsTotal.WithLabelValues(format, metrics.Result(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "load failed")
		return nil, err
	}

	i.mu.Lock()
	i.session = s
	i.mu.Unlock()
	metrics.CacheKeys.Set(0)

	return s.Model.Summary(), nil
}

func (i *Inspector) load(ctx context.Context, location string) (*RunSession, error) {
	log := klog.FromContext(ctx)

	loc, err := blobs.ParseLocation(location)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid model location: %v", err)
	}
	localPath, err := i.fetcher.Fetch(ctx, loc)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "model %q not found: %v", location, err)
		}
		return nil, err
	}
	m, err := modelgraph.Load(ctx, localPath)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "loading model %q: %v", location, err)
	}

	s, err := i.newSession(ctx, m)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "preparing model %q: %v", location, err)
	}
	log.Info("loaded model", "location", location, "format", m.Format(), "mode", s.Mode(),
		"nodes", len(m.OperationNodes()), "params", m.TotalParams)
	return s, nil
}

// newSession picks the execution adapter for m.
func (i *Inspector) newSession(ctx context.Context, m *modelgraph.Model) (*RunSession, error) {
	log := klog.FromContext(ctx)

	switch m.Format() {
	case modelgraph.FormatModuleTree:
		if i.mode == engine.ModeGraph {
			log.Info("warning: module trees do not support graph mode, using hook mode")
		}
		return newRunSession(m, engine.NewHookAdapter(m.Tree), nil), nil

	case modelgraph.FormatONNX:
		if i.mode == engine.ModeHook {
			program, err := fallback.Compile(ctx, m.ONNX)
			if err != nil {
				return nil, err
			}
			return newRunSession(m, engine.NewHookAdapter(program), nil), nil
		}

		augmented, err := onnx.Augment(ctx, m.ONNXData)
		if err == nil {
			var program *fallback.Program
			program, err = fallback.Load(ctx, augmented.Model)
			if err == nil {
				return newRunSession(m, engine.NewGraphAdapter(program, augmented.Outputs, augmented.Source.Graph), augmented), nil
			}
		}
		// Without augmentation only the declared outputs can be captured.
		log.Info("warning: graph augmentation failed, capturing declared outputs only", "err", err)
		program, err := fallback.Compile(ctx, m.ONNX)
		if err != nil {
			return nil, err
		}
		return newRunSession(m, engine.NewGraphAdapter(program, program.OutputNames(), m.ONNX.Graph), nil), nil
	}
	return nil, fmt.Errorf("unsupported model format %q", m.Format())
}

// RunResult describes a completed or failed run.
type RunResult struct {
	RunID string      `json:"run_id"`
	Mode  engine.Mode `json:"mode"`
	// LayerIDs are the runtime keys captured, in completion order.
	LayerIDs []string `json:"layer_ids"`
	Duration float64  `json:"duration_seconds"`
}

// RunInference runs one forward pass on raw, caching and streaming a record per captured operation.
// It returns ErrRunInProgress if another run has not finished. On failure the result still lists the
// records captured before the failure.
func (i *Inspector) RunInference(ctx context.Context, raw string, hint modelgraph.Hint) (*RunResult, error) {
	i.mu.Lock()
	s := i.session
	if s == nil {
		i.mu.Unlock()
		return nil, ErrNoModel
	}
	if i.loading {
		i.mu.Unlock()
		return nil, ErrRunInProgress
	}
	runID := uuid.NewString()
	if !s.begin(runID) {
		i.mu.Unlock()
		return nil, ErrRunInProgress
	}
	i.mu.Unlock()

	mode := s.Mode()
	ctx, span := tracer().Start(ctx, "inspector.RunInference", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("mode", string(mode)),
	))
	defer span.End()
	log := klog.FromContext(ctx).WithValues("run", runID)
	ctx = klog.NewContext(ctx, log)

	metrics.CacheKeys.Set(0)
	i.dispatcher.Begin(runID)
	start := time.Now()

	err := i.run(ctx, s, runID, raw, hint)

	// The session is idle before the sentinel is visible to consumers. A run started in between
	// replaces this one in the dispatcher, and this sentinel is dropped.
	s.end()
	i.dispatcher.Finish(runID, err)
	metrics.StreamPending.Set(float64(i.dispatcher.Pending()))

	elapsed := time.Since(start)
	metrics.RunsTotal.WithLabelValues(string(mode), metrics.Result(err)).Inc()
	metrics.RunDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())

	result := &RunResult{
		RunID:    runID,
		Mode:     mode,
		LayerIDs: s.Keys(),
		Duration: elapsed.Seconds(),
	}
	span.SetAttributes(attribute.Int("records", len(result.LayerIDs)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "run failed")
		log.Info("run failed", "records", len(result.LayerIDs), "err", err)
		return result, err
	}
	log.Info("run complete", "records", len(result.LayerIDs), "duration", elapsed)
	return result, nil
}

func (i *Inspector) run(ctx context.Context, s *RunSession, runID, raw string, hint modelgraph.Hint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &engine.ExecutionError{Err: fmt.Errorf("runtime panic: %v", r)}
		}
	}()

	meta := s.Model.Metadata()
	meta.Tokenizer = i.tokenizer
	input, err := modelgraph.PrepareInput(raw, hint, meta)
	if err != nil {
		if !errors.Is(err, engine.ErrInputBinding) {
			err = engine.InputBindingErrorf("", "%v", err)
		}
		return err
	}
	return s.adapter.Run(ctx, input, func(c engine.Capture) {
		i.capture(ctx, s, runID, c)
	})
}

// capture records c under its runtime key, its sanitized key and, when this run has not given it to
// another tensor yet, the ID of the graph node it resolves to.
func (i *Inspector) capture(ctx context.Context, s *RunSession, runID string, c engine.Capture) {
	log := klog.FromContext(ctx)

	match := s.resolver.Resolve(identity.Query{Key: c.Key, DisplayName: c.DisplayName})
	metrics.IdentityResolutions.WithLabelValues(match.Rule.String()).Inc()

	var node *record.Node
	keys := []string{c.Key}
	if match.Found() {
		node = &record.Node{
			ID:                  match.Node.ID,
			ParamCount:          match.Node.ParamCount,
			TrainableParamCount: match.Node.TrainableParamCount,
		}
		if _, taken := s.Cache.Get(match.Node.ID); !taken && s.claim(match.Node.ID, c.Key) {
			keys = append(keys, match.Node.ID)
		} else {
			log.V(2).Info("node alias already claimed in this run", "key", c.Key, "node", match.Node.ID)
		}
	} else {
		log.V(2).Info("no graph node matches runtime key", "key", c.Key)
	}
	if sanitized := identity.Sanitize(c.Key); sanitized != c.Key {
		if _, taken := s.Cache.Get(sanitized); !taken {
			keys = append(keys, sanitized)
		}
	}

	rec := record.Build(c, node)
	s.Cache.Put(rec, keys...)
	s.completed(c.Key)

	metrics.RecordsCapturedTotal.Inc()
	metrics.CapturedValuesTotal.Add(float64(rec.Elements()))
	metrics.CacheKeys.Set(float64(s.Cache.Len()))

	i.dispatcher.Emit(runID, rec)
	metrics.StreamPending.Set(float64(i.dispatcher.Pending()))
}

// Next returns the next stream message, blocking until one is available.
func (i *Inspector) Next(ctx context.Context) (stream.Message, error) {
	m, err := i.dispatcher.Next(ctx)
	metrics.StreamPending.Set(float64(i.dispatcher.Pending()))
	return m, err
}

// GetRecord returns the record cached under exactly key.
func (i *Inspector) GetRecord(key string) (*record.LayerRecord, error) {
	s, err := i.currentSession()
	if err != nil {
		return nil, err
	}
	rec, ok := s.Cache.Get(key)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no record for layer %q", key)
	}
	return rec, nil
}

// GetRecordFuzzy returns the record for key, falling back to sanitized and substring matches.
func (i *Inspector) GetRecordFuzzy(key string) (*record.LayerRecord, error) {
	s, err := i.currentSession()
	if err != nil {
		return nil, err
	}
	rec, ok := s.Cache.GetAny(key)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no record matching layer %q", key)
	}
	return rec, nil
}

func (i *Inspector) EstimateExportSize(key string) (export.Size, error) {
	rec, err := i.GetRecordFuzzy(key)
	if err != nil {
		return export.Size{}, err
	}
	return export.EstimateSize(rec), nil
}

// ExportRecord writes the text export of the record for key to destination, a local path or a
// gs:// object, and returns the resolved destination. The export is rendered completely before
// anything is written.
func (i *Inspector) ExportRecord(ctx context.Context, key, destination string) (string, error) {
	ctx, span := tracer().Start(ctx, "inspector.ExportRecord", trace.WithAttributes(attribute.String("layer", key)))
	defer span.End()

	dest, err := i.exportRecord(ctx, key, destination)
	metrics.ExportsTotal.WithLabelValues("text", metrics.Result(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "export failed")
		return "", err
	}
	return dest, nil
}

func (i *Inspector) exportRecord(ctx context.Context, key, destination string) (string, error) {
	log := klog.FromContext(ctx)

	rec, err := i.GetRecordFuzzy(key)
	if err != nil {
		return "", err
	}
	loc, err := blobs.ParseLocation(destination)
	if err != nil {
		return "", status.Errorf(codes.InvalidArgument, "invalid export destination: %v", err)
	}

	var buf bytes.Buffer
	if err := export.WriteRecord(&buf, rec); err != nil {
		return "", fmt.Errorf("rendering export: %w", err)
	}
	if err := i.fetcher.Store(ctx, loc, buf.Bytes()); err != nil {
		return "", fmt.Errorf("writing export to %q: %w", loc, err)
	}
	log.Info("exported layer", "layer", rec.RuntimeKey, "destination", loc.String(), "bytes", buf.Len())
	return loc.String(), nil
}

func (i *Inspector) ExportRecordStructured(key string) (*structpb.Struct, error) {
	rec, err := i.GetRecordFuzzy(key)
	if err == nil {
		var s *structpb.Struct
		s, err = export.Structured(rec)
		if err == nil {
			metrics.ExportsTotal.WithLabelValues("structured", "ok").Inc()
			return s, nil
		}
	}
	metrics.ExportsTotal.WithLabelValues("structured", "error").Inc()
	return nil, err
}

type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Model       string `json:"model,omitempty"`
	Format      string `json:"format,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Running     bool   `json:"running"`
	RunID       string `json:"run_id,omitempty"`
	Records     int    `json:"records"`
}

func (i *Inspector) Health() Health {
	h := Health{Status: "ok"}
	s := i.Session()
	if s == nil {
		return h
	}
	h.ModelLoaded = true
	h.Model = s.Model.Path()
	h.Format = string(s.Model.Format())
	h.Mode = string(s.Mode())
	h.Running = s.Running()
	h.RunID = s.RunID()
	h.Records = len(s.Keys())
	return h
}
