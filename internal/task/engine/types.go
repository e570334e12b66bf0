package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the job execution engine.
//
// The scheduler only fires triggers; workers, queueing and timeouts live here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// RunState tracks whether a task is already in-flight. Tasks sharing a key
// are skipped while one is running OR already queued, which keeps a fast
// schedule from piling up behind a slow run.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

// TryAcquire claims the state for one run. Callers running work outside the
// engine use it to respect the same key.
func (s *RunState) TryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a run is queued or in flight.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Task is a unit of work executed by the engine.
//
// Key groups tasks for overlap skipping (default: Name). OnDrop, when set,
// is told why an accepted task never ran.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	OnDrop  func(reason string)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queueLen"`
	QueueCap int `json:"queueCap"`
	InFlight int `json:"inFlight"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Panics           uint64 `json:"panics"`
	SkippedOverlap   uint64 `json:"skippedOverlap"`
	DroppedQueueFull uint64 `json:"droppedQueueFull"`
	DroppedStale     uint64 `json:"droppedStale"`

	DefaultTimeout time.Duration `json:"defaultTimeout"`
	MaxQueueDelay  time.Duration `json:"maxQueueDelay"`
}
