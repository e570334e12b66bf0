package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"clipflow/internal/model"
	"clipflow/internal/task/engine"
	logx "clipflow/pkg/logx"
)

// Create validates def, stores it and arms its trigger when enabled. A job
// with the same name is updated in place, keeping its id and statistics.
// A nil handler keeps the one already registered for that job, if any.
func (s *Service) Create(ctx context.Context, def Definition, h Handler) (Job, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return Job{}, model.Validation("job name is required")
	}
	if !def.Type.Valid() {
		return Job{}, model.Validation(fmt.Sprintf("invalid job type %q", def.Type))
	}
	if _, _, err := s.parseSchedule(def.Schedule); err != nil {
		return Job{}, err
	}
	var platform model.Platform
	if def.Platform != "" {
		p, err := model.ParsePlatform(string(def.Platform))
		if err != nil {
			return Job{}, err
		}
		platform = p
	}
	enabled := def.Enabled == nil || *def.Enabled

	s.defMu.Lock()
	defer s.defMu.Unlock()

	now := s.clock.Now()
	existing, err := s.jobs.Filter(ctx, func(j *Job) bool { return j.Name == name })
	if err != nil {
		return Job{}, err
	}
	var j Job
	if len(existing) > 0 {
		j = existing[0]
	} else {
		j = Job{ID: uuid.NewString(), CreatedAt: now}
	}
	j.Name = name
	j.Schedule = strings.TrimSpace(def.Schedule)
	j.Type = def.Type
	j.Platform = platform
	j.ContentType = def.ContentType
	j.Config = def.Config
	j.Timeout = Duration(def.Timeout)
	j.Enabled = enabled
	j.UpdatedAt = now
	j.NextRun = nil
	if enabled {
		if next, err := s.NextRun(j.Schedule, now); err == nil {
			j.NextRun = &next
		}
	}

	s.mu.Lock()
	if h != nil {
		s.handlers[j.ID] = h
	}
	if enabled && s.handlers[j.ID] != nil {
		err = s.armLocked(j)
	} else {
		s.disarmLocked(j.ID)
	}
	s.mu.Unlock()
	if err != nil {
		return Job{}, err
	}

	if err := s.jobs.Put(ctx, j.ID, j); err != nil {
		s.mu.Lock()
		s.disarmLocked(j.ID)
		s.mu.Unlock()
		return Job{}, err
	}
	s.log.Info("job saved",
		logx.String("job", j.Name),
		logx.String("schedule", j.Schedule),
		logx.Bool("enabled", j.Enabled),
		logx.Bool("armed", s.Armed(j.ID)),
	)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.jobs.List(ctx)
}

// Enable marks the job enabled and re-arms its trigger, cancelling any prior
// one first. h replaces the registered handler when non-nil.
func (s *Service) Enable(ctx context.Context, id string, h Handler) (Job, error) {
	s.mu.Lock()
	if h == nil {
		h = s.handlers[id]
	}
	s.mu.Unlock()
	if h == nil {
		return Job{}, model.Validation("job has no handler")
	}

	s.defMu.Lock()
	defer s.defMu.Unlock()

	now := s.clock.Now()
	j, err := s.jobs.Update(ctx, id, func(j *Job) error {
		j.Enabled = true
		j.UpdatedAt = now
		j.NextRun = nil
		if next, err := s.NextRun(j.Schedule, now); err == nil {
			j.NextRun = &next
		}
		return nil
	})
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	s.handlers[id] = h
	err = s.armLocked(j)
	s.mu.Unlock()
	return j, err
}

// Disable cancels the job's trigger. A run already in flight finishes.
func (s *Service) Disable(ctx context.Context, id string) (Job, error) {
	s.defMu.Lock()
	defer s.defMu.Unlock()

	now := s.clock.Now()
	j, err := s.jobs.Update(ctx, id, func(j *Job) error {
		j.Enabled = false
		j.NextRun = nil
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	s.disarmLocked(id)
	s.mu.Unlock()
	return j, nil
}

// Delete removes the job and its trigger. Its history is kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.defMu.Lock()
	defer s.defMu.Unlock()

	s.mu.Lock()
	s.disarmLocked(id)
	delete(s.handlers, id)
	s.mu.Unlock()
	return s.jobs.Delete(ctx, id)
}

// RunNow hands one run to the engine immediately, outside the schedule.
func (s *Service) RunNow(ctx context.Context, id string) error {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	h := s.handlers[id]
	s.mu.Unlock()
	if h == nil {
		return model.Validation("job has no handler")
	}
	err = s.enqueue(j.ID, j.Name, j.Timeout.D())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		return model.Capacity(fmt.Sprintf("job %q is already running", j.Name))
	default:
		return fmt.Errorf("run job %q: %w", j.Name, err)
	}
}

// History returns executions in completion order, oldest first. An empty
// jobID means all jobs; limit > 0 keeps only the most recent entries.
func (s *Service) History(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	out, err := s.history.Filter(ctx, func(e *Execution) bool {
		return jobID == "" || e.JobID == jobID
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
