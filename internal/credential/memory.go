package credential

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps credentials in process memory. For tests, and as an
// explicitly selected backend only, never a fallback from a failing
// real backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Ref]record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Ref]record)}
}

// Get returns the stored value, or ("", nil) when absent.
func (s *MemoryStore) Get(_ context.Context, service, key string) (string, error) {
	if err := checkNames(service, key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[Ref{Service: service, Key: key}]
	if !ok {
		return "", nil
	}
	return rec.Value, nil
}

// Set creates or overwrites a record.
func (s *MemoryStore) Set(_ context.Context, service, key, value string, meta *Metadata) error {
	if err := checkNames(service, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[Ref{Service: service, Key: key}] = record{Value: value, Meta: meta}
	return nil
}

// Delete removes a record, reporting whether one existed.
func (s *MemoryStore) Delete(_ context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := Ref{Service: service, Key: key}
	_, ok := s.records[ref]
	delete(s.records, ref)
	return ok, nil
}

// List returns the stored refs, optionally filtered by service.
func (s *MemoryStore) List(_ context.Context, service string) ([]Ref, error) {
	if err := checkServiceFilter(service); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]Ref, 0, len(s.records))
	for ref := range s.records {
		if service != "" && ref.Service != service {
			continue
		}
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs, nil
}

// Exists reports whether a record exists.
func (s *MemoryStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[Ref{Service: service, Key: key}]
	return ok, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Service != refs[j].Service {
			return refs[i].Service < refs[j].Service
		}
		return refs[i].Key < refs[j].Key
	})
}
