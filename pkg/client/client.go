// Package client talks to a strata server over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

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
	"github.com/strataviz/strata/pkg/server"
	"github.com/strataviz/strata/pkg/stream"
)

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: u, httpClient: httpClient}, nil
}

// APIError is a failed request. It carries the server's classification, so status.Code and
// errors.Is(err, engine.ErrInputBinding) work on the client side.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	// Run is set when a run failed after it started.
	Run *inspector.RunResult
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Type {
	case "input_binding":
		return engine.ErrInputBinding
	case "execution":
		return engine.ErrExecution
	}
	return nil
}

func (e *APIError) GRPCStatus() *status.Status {
	code := codes.Internal
	switch e.StatusCode {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.FailedPrecondition
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	}
	return status.New(code, e.Message)
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("doing %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

func readError(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading error response: %w", err)
	}
	var body server.ErrorResponse
	if err := json.Unmarshal(b, &body); err != nil || body.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Type: "unknown", Message: strings.TrimSpace(string(b))}
	}
	return &APIError{StatusCode: resp.StatusCode, Type: body.Type, Message: body.Error, Run: body.Run}
}

func (c *Client) LoadModel(ctx context.Context, location string) (*modelgraph.Summary, error) {
	var summary modelgraph.Summary
	if err := c.do(ctx, http.MethodPost, "load-model", nil, server.LoadModelRequest{Path: location}, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// RunInference starts a run and waits for it to finish. On a failed run the returned result, when not
// nil, lists the records captured before the failure.
func (c *Client) RunInference(ctx context.Context, raw string, hint modelgraph.Hint) (*inspector.RunResult, error) {
	var result inspector.RunResult
	err := c.do(ctx, http.MethodPost, "run-inference", nil, server.RunInferenceRequest{Input: raw, InputType: string(hint)}, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Run, err
		}
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetRecord(ctx context.Context, key string, fuzzy bool) (*record.LayerRecord, error) {
	var query url.Values
	if fuzzy {
		query = url.Values{"fuzzy": []string{"true"}}
	}
	var rec record.LayerRecord
	if err := c.do(ctx, http.MethodGet, "records/"+url.PathEscape(key), query, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) EstimateSize(ctx context.Context, key string) (*export.Size, error) {
	var size export.Size
	if err := c.do(ctx, http.MethodGet, "estimate-size", url.Values{"layer_id": []string{key}}, nil, &size); err != nil {
		return nil, err
	}
	return &size, nil
}

// SaveTensor has the server export the record for key to destination and returns where it was written.
func (c *Client) SaveTensor(ctx context.Context, key, destination string) (string, error) {
	var resp server.SaveTensorResponse
	if err := c.do(ctx, http.MethodPost, "save-tensor", nil, server.SaveTensorRequest{LayerID: key, Path: destination}, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) CopyTensor(ctx context.Context, key string) (*structpb.Struct, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "copy-tensor", nil, server.CopyTensorRequest{LayerID: key}, &raw); err != nil {
		return nil, err
	}
	doc := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return doc, nil
}

func (c *Client) Health(ctx context.Context) (*inspector.Health, error) {
	var h inspector.Health
	if err := c.do(ctx, http.MethodGet, "health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stream is an open record stream. It reads messages in the background so Next can honour its context.
type Stream struct {
	body     io.ReadCloser
	messages chan stream.Message

	mu  sync.Mutex
	err error
}

var _ stream.Source = (*Stream)(nil)

// OpenStream subscribes to the server's record stream. Messages from runs started after this call are
// delivered in order; the stream stays open across runs until ctx is done or Close is called.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("stream", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}

	s := &Stream{
		body:     resp.Body,
		messages: make(chan stream.Message),
	}
	go s.read(ctx)
	return s, nil
}

func (s *Stream) read(ctx context.Context) {
	log := klog.FromContext(ctx)
	defer close(s.messages)

	reader := bufio.NewReader(s.body)
	dec := json.NewDecoder(reader)
	for {
		var m stream.Message
		if err := dec.Decode(&m); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Error(err, "reading record stream")
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		select {
		case s.messages <- m:
		case <-ctx.Done():
			return
		}
	}
}

// Next returns the next message. After the stream ends it returns the error that ended it, or
// io.EOF if the server closed the stream.
func (s *Stream) Next(ctx context.Context) (stream.Message, error) {
	select {
	case m, ok := <-s.messages:
		if ok {
			return m, nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err == nil {
			return stream.Message{}, io.EOF
		}
		return stream.Message{}, s.err
	case <-ctx.Done():
		return stream.Message{}, ctx.Err()
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}
