package storage

import (
	"context"
	"sync"
)

// memColl keeps documents plus their insertion order.
type memColl struct {
	order []string
	docs  map[string][]byte
}

func newMemColl() *memColl { return &memColl{docs: map[string][]byte{}} }

func (c *memColl) put(id string, doc []byte) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = append([]byte(nil), doc...)
}

func (c *memColl) del(id string) bool {
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *memColl) list() []Record {
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, Record{ID: id, Doc: append([]byte(nil), c.docs[id]...)})
	}
	return out
}

type memoryStore struct {
	mu    sync.RWMutex
	colls map[string]*memColl
}

// NewMemory returns a process-local store. It is safe for concurrent use.
func NewMemory() Store {
	return &memoryStore{colls: map[string]*memColl{}}
}

func (s *memoryStore) Get(ctx context.Context, collection, id string) ([]byte, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.colls[collection]
	if c == nil {
		return nil, false, nil
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (s *memoryStore) Put(ctx context.Context, collection, id string, doc []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[collection]
	if c == nil {
		c = newMemColl()
		s.colls[collection] = c
	}
	c.put(id, doc)
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[collection]
	if c == nil {
		return false, nil
	}
	return c.del(id), nil
}

func (s *memoryStore) List(ctx context.Context, collection string) ([]Record, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.colls[collection]
	if c == nil {
		return nil, nil
	}
	return c.list(), nil
}

func (s *memoryStore) Close() error { return nil }
