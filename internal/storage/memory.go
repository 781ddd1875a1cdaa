package storage

import (
	"context"
	"sort"
	"sync"
)

// memoryStore keeps encoded documents so callers never share maps with it.
type memoryStore struct {
	mu     sync.Mutex
	docs   map[string][]byte
	audit  []AuditEntry
	closed bool
}

func NewMemory() Store {
	return &memoryStore{docs: map[string][]byte{}}
}

func (s *memoryStore) Get(ctx context.Context, collection string) (any, error) {
	_ = ctx
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return decodeDoc(s.docs[collection])
}

func (s *memoryStore) Put(ctx context.Context, collection string, doc any) error {
	_ = ctx
	if err := checkCollection(collection); err != nil {
		return err
	}
	b, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.docs[collection] = b
	return nil
}

func (s *memoryStore) List(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for k := range s.docs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
