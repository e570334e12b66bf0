package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Store is the minimal persistence API used by components (via Collection).
//
// List returns records in insertion order; Put on an existing id replaces the
// document without changing its position.
type Store interface {
	Get(ctx context.Context, collection, id string) (doc []byte, ok bool, err error)
	Put(ctx context.Context, collection, id string, doc []byte) error
	Delete(ctx context.Context, collection, id string) (bool, error)
	List(ctx context.Context, collection string) ([]Record, error)
	Close() error
}

// Record is one stored document.
type Record struct {
	ID  string
	Doc []byte
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "redis", "postgres".
// Path is used by file and sqlite; URL by redis and postgres.
type Config struct {
	Driver      string
	Path        string
	URL         string
	Prefix      string        // redis key prefix; default "clipflow"
	BusyTimeout time.Duration // sqlite only; 0 means default
}
