// Package cache holds the layer records of the current run under several alias keys.
package cache

import (
	"strings"
	"sync"

	"github.com/strataviz/strata/pkg/identity"
	"github.com/strataviz/strata/pkg/record"
)

// Store maps keys to records. Several keys may share a record; a later Put of the same key wins.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record.LayerRecord
	// keys is the insertion order of keys, used for deterministic fuzzy lookups.
	keys []string
	// folded maps a lower-cased sanitized key to the first stored key with that form.
	folded map[string]string
	// order is the distinct records in the order they were first stored.
	order []*record.LayerRecord
}

func New() *Store {
	return &Store{
		records: make(map[string]*record.LayerRecord),
		folded:  make(map[string]string),
	}
}

// Put stores rec under every non-empty key.
func (s *Store) Put(rec *record.LayerRecord, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := false
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.records[k]; !ok {
			s.keys = append(s.keys, k)
			if f := foldKey(k); f != "" {
				if _, ok := s.folded[f]; !ok {
					s.folded[f] = k
				}
			}
		}
		s.records[k] = rec
		added = true
	}
	if added {
		s.order = append(s.order, rec)
	}
}

func (s *Store) Get(key string) (*record.LayerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// GetAny looks key up exactly, then by its sanitized form ignoring case, then returns the record of the
// first stored key whose normalized form contains the normalized query.
func (s *Store) GetAny(key string) (*record.LayerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.records[key]; ok {
		return rec, true
	}
	if rec, ok := s.records[identity.Sanitize(key)]; ok {
		return rec, true
	}
	if k, ok := s.folded[foldKey(key)]; ok {
		return s.records[k], true
	}
	query := identity.Normalize(key)
	if query == "" {
		return nil, false
	}
	for _, k := range s.keys {
		if strings.Contains(identity.Normalize(k), query) {
			return s.records[k], true
		}
	}
	return nil, false
}

// Clear removes every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record.LayerRecord)
	s.folded = make(map[string]string)
	s.keys = nil
	s.order = nil
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Records returns each stored record once, in the order it was first put.
func (s *Store) Records() []*record.LayerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*record.LayerRecord(nil), s.order...)
}

// foldKey is the sanitized, lower-cased form the identity resolver matches on.
func foldKey(k string) string {
	return strings.ToLower(identity.Sanitize(k))
}
