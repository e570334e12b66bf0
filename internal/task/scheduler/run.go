package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clipflow/internal/eventbus"
	"clipflow/internal/model"
	logx "clipflow/pkg/logx"
)

// Execute runs the job synchronously and records the outcome. h overrides the
// registered handler for this run only. A failed run is reported in the
// returned Execution, not as an error. The run holds the same overlap key as
// triggered runs, so it is refused with CapacityExceeded while one is queued
// or running.
func (s *Service) Execute(ctx context.Context, id string, h Handler) (Execution, error) {
	if src, ok := s.runner.(overlapStates); ok {
		st := src.StateFor(jobKey(id), "")
		if !st.TryAcquire() {
			return Execution{}, model.Capacity(fmt.Sprintf("job %s is already running", id))
		}
		defer st.Release()
	}
	return s.execute(ctx, id, h)
}

func (s *Service) execute(ctx context.Context, id string, h Handler) (Execution, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	if h == nil {
		s.mu.Lock()
		h = s.handlers[id]
		s.mu.Unlock()
	}
	if h == nil {
		return Execution{}, model.Validation("job has no handler")
	}

	start := s.clock.Now()
	res := runHandler(ctx, h, j)
	end := s.clock.Now()
	// A run cut short by its timeout or by shutdown is still recorded.
	return s.record(context.WithoutCancel(ctx), j, start, end, res), nil
}

func runHandler(ctx context.Context, h Handler, j Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	res = h.Run(ctx, j)
	if res.Err != nil {
		res.Success = false
	} else if !res.Success {
		res.Err = errors.New("job reported failure")
	}
	return res
}

// record updates the job statistics and appends one history entry. Both
// happen under histMu so history order is completion order.
func (s *Service) record(ctx context.Context, j Job, start, end time.Time, res Result) Execution {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	exec := Execution{
		ID:         uuid.NewString(),
		JobID:      j.ID,
		JobName:    j.Name,
		StartedAt:  start,
		FinishedAt: end,
		Duration:   Duration(d),
		Success:    res.Success,
		Output:     res.Output,
	}
	if res.Err != nil {
		exec.Error = res.Err.Error()
	}

	s.histMu.Lock()
	defer s.histMu.Unlock()

	_, err := s.jobs.Update(ctx, j.ID, func(cur *Job) error {
		started := start
		cur.LastRun = &started
		cur.TotalRuns++
		if exec.Success {
			cur.SuccessfulRuns++
			cur.LastError = ""
		} else {
			cur.FailedRuns++
			cur.LastError = exec.Error
		}
		avg := int64(cur.AverageDuration)
		cur.AverageDuration = Duration(avg + (int64(d)-avg)/int64(cur.TotalRuns))
		cur.NextRun = nil
		if cur.Enabled {
			if next, err := s.NextRun(cur.Schedule, end); err == nil {
				cur.NextRun = &next
			}
		}
		cur.UpdatedAt = end
		return nil
	})
	if err != nil {
		s.log.Warn("job stats not updated", logx.String("job", j.Name), logx.Err(err))
	}

	if err := s.history.Put(ctx, exec.ID, exec); err != nil {
		s.log.Warn("job history not written", logx.String("job", j.Name), logx.Err(err))
	} else {
		s.pruneHistory(ctx)
	}

	if exec.Success {
		s.log.Debug("job executed", logx.String("job", j.Name), logx.Duration("took", d))
	} else {
		s.log.Warn("job failed", logx.String("job", j.Name), logx.Duration("took", d), logx.String("error", exec.Error))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobExecuted, Time: end, Data: exec})
	return exec
}

func (s *Service) pruneHistory(ctx context.Context) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	all, err := s.history.List(ctx)
	if err != nil || len(all) <= limit {
		return
	}
	drop := make(map[string]struct{}, len(all)-limit)
	for _, e := range all[:len(all)-limit] {
		drop[e.ID] = struct{}{}
	}
	if _, err := s.history.DeleteWhere(ctx, func(e *Execution) bool {
		_, ok := drop[e.ID]
		return ok
	}); err != nil {
		s.log.Warn("job history prune failed", logx.Err(err))
	}
}
