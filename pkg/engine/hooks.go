package engine

import (
	"sync"

	"github.com/strataviz/strata/pkg/tensor"
)

// HookSet holds the forward hooks registered on one leaf operation.
type HookSet struct {
	mu     sync.Mutex
	nextID int
	hooks  []registeredHook
}

type registeredHook struct {
	id   int
	hook Hook
}

// Add registers hook; the returned handle removes it.
func (s *HookSet) Add(hook Hook) HookHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.hooks = append(s.hooks, registeredHook{id: s.nextID, hook: hook})
	return &hookHandle{set: s, id: s.nextID}
}

// Fire calls each registered hook in registration order.
func (s *HookSet) Fire(op LeafOperation, input, output *tensor.Tensor) {
	s.mu.Lock()
	hooks := make([]registeredHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, h := range hooks {
		h.hook(op, input, output)
	}
}

func (s *HookSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

type hookHandle struct {
	set  *HookSet
	id   int
	once sync.Once
}

func (h *hookHandle) Remove() {
	h.once.Do(func() {
		h.set.mu.Lock()
		defer h.set.mu.Unlock()
		for i, r := range h.set.hooks {
			if r.id == h.id {
				h.set.hooks = append(h.set.hooks[:i], h.set.hooks[i+1:]...)
				return
			}
		}
	})
}
