package scheduler

import (
	"errors"
	"time"

	"clipflow/internal/task/engine"
	logx "clipflow/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(id, name string, err error) {
	if err == nil {
		return
	}
	// A slow run still holding the key is normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job trigger skipped", logx.String("job", name), logx.Err(err))
		s.publishSkipped(id, name, "overlap")
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("job trigger failed to enqueue", logx.String("job", name), logx.Err(err))
}
