package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"clipflow/internal/model"
)

// Collection is a typed view over one store collection.
//
// Every method holds the collection mutex, so a read-modify-write through
// Update or Claim is never interleaved with another writer in this process.
type Collection[T any] struct {
	store  Store
	name   string
	entity string

	mu sync.Mutex
}

// NewCollection binds name in store. entity names the document kind in
// NotFound messages ("queue item", "upload", ...).
func NewCollection[T any](store Store, name, entity string) *Collection[T] {
	if entity == "" {
		entity = name
	}
	return &Collection[T]{store: store, name: name, entity: entity}
}

func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx, id)
}

// Put stores v under id, replacing any previous document.
func (c *Collection[T]) Put(ctx context.Context, id string, v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(ctx, id, v)
}

// Update loads id, applies fn and writes the result back. If fn returns an
// error nothing is written and the error is returned as is.
func (c *Collection[T]) Update(ctx context.Context, id string, fn func(*T) error) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.getLocked(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := fn(&v); err != nil {
		var zero T
		return zero, err
	}
	if err := c.putLocked(ctx, id, v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Delete removes id. NotFound if it does not exist.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, err := c.store.Delete(ctx, c.name, id)
	if err != nil {
		return fmt.Errorf("%s delete: %w", c.name, err)
	}
	if !ok {
		return model.NotFound(c.entity, id)
	}
	return nil
}

// List returns every document in insertion order.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	return c.Filter(ctx, nil)
}

// Filter returns documents for which keep reports true, in insertion order.
// A nil keep returns everything.
func (c *Collection[T]) Filter(ctx context.Context, keep func(*T) bool) ([]T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, vals, err := c.listLocked(ctx)
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return vals, nil
	}
	out := vals[:0]
	for i := range vals {
		if keep(&vals[i]) {
			out = append(out, vals[i])
		}
	}
	return out, nil
}

// Claim selects one document and mutates it in a single critical section.
//
// pick receives all documents in insertion order and returns the index of
// the chosen one (ok=false when none qualifies). mutate is then applied and
// the result persisted. found=false means pick chose nothing.
func (c *Collection[T]) Claim(ctx context.Context, pick func([]T) (int, bool), mutate func(*T) error) (v T, found bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, vals, err := c.listLocked(ctx)
	if err != nil {
		return v, false, err
	}
	i, ok := pick(vals)
	if !ok || i < 0 || i >= len(vals) {
		return v, false, nil
	}
	chosen := vals[i]
	if mutate != nil {
		if err := mutate(&chosen); err != nil {
			return v, true, err
		}
		if err := c.putLocked(ctx, ids[i], chosen); err != nil {
			return v, true, err
		}
	}
	return chosen, true, nil
}

// DeleteWhere removes every document matching drop and returns how many
// were removed.
func (c *Collection[T]) DeleteWhere(ctx context.Context, drop func(*T) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, vals, err := c.listLocked(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range vals {
		if !drop(&vals[i]) {
			continue
		}
		ok, err := c.store.Delete(ctx, c.name, ids[i])
		if err != nil {
			return n, fmt.Errorf("%s delete: %w", c.name, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (c *Collection[T]) getLocked(ctx context.Context, id string) (T, error) {
	var v T
	doc, ok, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return v, fmt.Errorf("%s get: %w", c.name, err)
	}
	if !ok {
		return v, model.NotFound(c.entity, id)
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("%s decode %q: %w", c.name, id, err)
	}
	return v, nil
}

func (c *Collection[T]) putLocked(ctx context.Context, id string, v T) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s encode %q: %w", c.name, id, err)
	}
	if err := c.store.Put(ctx, c.name, id, doc); err != nil {
		return fmt.Errorf("%s put: %w", c.name, err)
	}
	return nil
}

func (c *Collection[T]) listLocked(ctx context.Context) ([]string, []T, error) {
	recs, err := c.store.List(ctx, c.name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s list: %w", c.name, err)
	}
	ids := make([]string, 0, len(recs))
	vals := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Doc, &v); err != nil {
			return nil, nil, fmt.Errorf("%s decode %q: %w", c.name, r.ID, err)
		}
		ids = append(ids, r.ID)
		vals = append(vals, v)
	}
	return ids, vals, nil
}
