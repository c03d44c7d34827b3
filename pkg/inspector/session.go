package inspector

import (
	"sync"

	"github.com/strataviz/strata/pkg/cache"
	"github.com/strataviz/strata/pkg/engine"
	"github.com/strataviz/strata/pkg/identity"
	"github.com/strataviz/strata/pkg/modelgraph"
	"github.com/strataviz/strata/pkg/onnx"
)

// RunSession is the state of the loaded model and its current run. It is replaced on every model load.
type RunSession struct {
	Model *modelgraph.Model
	Cache *cache.Store

	adapter  engine.Adapter
	resolver *identity.Resolver
	// augmented is set when graph mode runs an augmented ONNX model.
	augmented *onnx.Augmented

	mu      sync.Mutex
	runID   string
	running bool
	// keys holds runtime keys in completion order.
	keys []string
	// claimed maps a node ID to the runtime key that owns its alias in this run.
	claimed map[string]string
}

func newRunSession(m *modelgraph.Model, adapter engine.Adapter, augmented *onnx.Augmented) *RunSession {
	return &RunSession{
		Model:     m,
		Cache:     cache.New(),
		adapter:   adapter,
		resolver:  identity.NewResolver(m.OperationNodes()),
		augmented: augmented,
		claimed:   make(map[string]string),
	}
}

func (s *RunSession) Mode() engine.Mode {
	return s.adapter.Mode()
}

// Augmented returns the augmented ONNX model, or nil when the session does not use one.
func (s *RunSession) Augmented() *onnx.Augmented {
	return s.augmented
}

func (s *RunSession) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *RunSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Keys returns the runtime keys captured in the current run, in completion order.
func (s *RunSession) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// begin marks the session running and clears the previous run. It reports false if a run is already in progress.
func (s *RunSession) begin(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.runID = runID
	s.keys = nil
	s.claimed = make(map[string]string)
	s.Cache.Clear()
	return true
}

func (s *RunSession) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// claim gives key the alias of nodeID unless another key already owns it in this run.
func (s *RunSession) claim(nodeID, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.claimed[nodeID]
	if ok {
		return owner == key
	}
	s.claimed[nodeID] = key
	return true
}

func (s *RunSession) completed(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
}
