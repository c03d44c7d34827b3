// Package server exposes an Inspector over HTTP, streaming layer records as newline-delimited JSON.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/export"
	"github.com/strataviz/strata/pkg/inspector"
	"github.com/strataviz/strata/pkg/modelgraph"
	"github.com/strataviz/strata/pkg/record"
	"github.com/strataviz/strata/pkg/stream"
)

// Backend is the inspector API served over HTTP.
type Backend interface {
	LoadModel(ctx context.Context, location string) (*modelgraph.Summary, error)
	RunInference(ctx context.Context, raw string, hint modelgraph.Hint) (*inspector.RunResult, error)
	Next(ctx context.Context) (stream.Message, error)
	GetRecord(key string) (*record.LayerRecord, error)
	GetRecordFuzzy(key string) (*record.LayerRecord, error)
	EstimateExportSize(key string) (export.Size, error)
	ExportRecord(ctx context.Context, key, destination string) (string, error)
	ExportRecordStructured(key string) (*structpb.Struct, error)
	Health() inspector.Health
}

var _ Backend = (*inspector.Inspector)(nil)

type LoadModelRequest struct {
	Path string `json:"path"`
}

type RunInferenceRequest struct {
	Input     string `json:"input"`
	InputType string `json:"input_type"`
}

type SaveTensorRequest struct {
	LayerID string `json:"layer_id"`
	Path    string `json:"path"`
}

type SaveTensorResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

type CopyTensorRequest struct {
	LayerID string `json:"layer_id"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	// Run is set when a run failed after it started.
	Run *inspector.RunResult `json:"run,omitempty"`
}

type Server struct {
	backend Backend
	metrics http.Handler
}

func New(backend Backend) *Server {
	return &Server{
		backend: backend,
		metrics: promhttp.Handler(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokens := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch tokens[0] {
	case "load-model":
		if r.Method == http.MethodPost {
			s.serveLoadModel(w, r)
			return
		}
	case "run-inference":
		if r.Method == http.MethodPost {
			s.serveRunInference(w, r)
			return
		}
	case "stream":
		if r.Method == http.MethodGet {
			s.serveStream(w, r)
			return
		}
	case "save-tensor":
		if r.Method == http.MethodPost {
			s.serveSaveTensor(w, r)
			return
		}
	case "copy-tensor":
		if r.Method == http.MethodPost {
			s.serveCopyTensor(w, r)
			return
		}
	case "estimate-size":
		if r.Method == http.MethodGet {
			s.serveEstimateSize(w, r)
			return
		}
	case "records":
		// Runtime keys may contain slashes.
		key := strings.TrimPrefix(r.URL.Path, "/records/")
		if len(tokens) < 2 || key == "" {
			writeError(w, status.Error(codes.InvalidArgument, "layer key is required"))
			return
		}
		if r.Method == http.MethodGet {
			s.serveGetRecord(w, r, key)
			return
		}
	case "health":
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, s.backend.Health())
			return
		}
	case "metrics":
		s.metrics.ServeHTTP(w, r)
		return
	default:
		writeError(w, status.Errorf(codes.NotFound, "no route for %q", r.URL.Path))
		return
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) serveLoadModel(w http.ResponseWriter, r *http.Request) {
	var req LoadModelRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, status.Error(codes.InvalidArgument, "path is required"))
		return
	}
	summary, err := s.backend.LoadModel(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) serveRunInference(w http.ResponseWriter, r *http.Request) {
	var req RunInferenceRequest
	if !readJSON(w, r, &req) {
		return
	}
	result, err := s.backend.RunInference(r.Context(), req.Input, modelgraph.Hint(req.InputType))
	if err != nil {
		code, resp := errorResponse(err)
		resp.Run = result
		writeJSON(w, code, resp)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// serveStream writes one JSON message per line, flushing after each, until the client goes away.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, status.Error(codes.Internal, "streaming is not supported by this connection"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		m, err := s.backend.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error(err, "reading stream")
			}
			return
		}
		if err := enc.Encode(m); err != nil {
			log.Error(err, "writing stream message", "run", m.RunID)
			return
		}
		flusher.Flush()
	}
}

func (s *Server) serveSaveTensor(w http.ResponseWriter, r *http.Request) {
	var req SaveTensorRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.LayerID == "" || req.Path == "" {
		writeError(w, status.Error(codes.InvalidArgument, "layer_id and path are required"))
		return
	}
	dest, err := s.backend.ExportRecord(r.Context(), req.LayerID, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SaveTensorResponse{Status: "ok", Path: dest})
}

func (s *Server) serveCopyTensor(w http.ResponseWriter, r *http.Request) {
	var req CopyTensorRequest
	if !readJSON(w, r, &req) {
		return
	}
	doc, err := s.backend.ExportRecordStructured(req.LayerID)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := protojson.Marshal(doc)
	if err != nil {
		writeError(w, fmt.Errorf("encoding record: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func (s *Server) serveEstimateSize(w http.ResponseWriter, r *http.Request) {
	layerID := r.URL.Query().Get("layer_id")
	if layerID == "" {
		writeError(w, status.Error(codes.InvalidArgument, "layer_id is required"))
		return
	}
	size, err := s.backend.EstimateExportSize(layerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, size)
}

func (s *Server) serveGetRecord(w http.ResponseWriter, r *http.Request, key string) {
	lookup := s.backend.GetRecord
	if r.URL.Query().Get("fuzzy") == "true" {
		lookup = s.backend.GetRecordFuzzy
	}
	rec, err := lookup(key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, resp := errorResponse(err)
	writeJSON(w, code, resp)
}

// errorResponse classifies err: binding and execution failures by kind, everything else by its gRPC code.
func errorResponse(err error) (int, *ErrorResponse) {
	resp := &ErrorResponse{Error: err.Error()}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		resp.Error = st.Message()
	}
	switch {
	case errors.Is(err, engine.ErrInputBinding):
		resp.Type = "input_binding"
		return http.StatusBadRequest, resp
	case errors.Is(err, engine.ErrExecution):
		resp.Type = "execution"
		return http.StatusInternalServerError, resp
	}

	code := status.Code(err)
	resp.Type = strings.ToLower(code.String())
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest, resp
	case codes.NotFound:
		return http.StatusNotFound, resp
	case codes.FailedPrecondition:
		return http.StatusConflict, resp
	case codes.Unavailable:
		return http.StatusServiceUnavailable, resp
	}
	resp.Type = "internal"
	return http.StatusInternalServerError, resp
}
