package engine

import "errors"

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
)

// Drop reasons passed to Task.OnDrop.
const (
	DropStale    = "stale_queue_delay"
	DropStopping = "stopping"
)
