package api

import (
	"context"
	"time"

	"clipflow/internal/model"
	"clipflow/internal/task/scheduler"
)

// CreateJob stores a job and arms it with the pipeline handler for its type.
// An invalid schedule yields {"success":false,"error":"Invalid cron expression"}.
func (s *Service) CreateJob(ctx context.Context, def scheduler.Definition) Envelope {
	j, err := s.jobs.Create(ctx, def, s.handlerFor(def.Type))
	return s.respond("job.create", map[string]any{"job": j}, err)
}

func (s *Service) Job(ctx context.Context, id string) Envelope {
	j, err := s.jobs.Get(ctx, id)
	return s.respond("job.get", map[string]any{"job": j}, err)
}

func (s *Service) ListJobs(ctx context.Context) Envelope {
	js, err := s.jobs.List(ctx)
	return s.respond("job.list", map[string]any{"jobs": js, "count": len(js)}, err)
}

func (s *Service) EnableJob(ctx context.Context, id string) Envelope {
	cur, err := s.jobs.Get(ctx, id)
	if err != nil {
		return s.respond("job.enable", nil, err)
	}
	j, err := s.jobs.Enable(ctx, id, s.handlerFor(cur.Type))
	return s.respond("job.enable", map[string]any{"job": j}, err)
}

func (s *Service) DisableJob(ctx context.Context, id string) Envelope {
	j, err := s.jobs.Disable(ctx, id)
	return s.respond("job.disable", map[string]any{"job": j}, err)
}

func (s *Service) DeleteJob(ctx context.Context, id string) Envelope {
	err := s.jobs.Delete(ctx, id)
	return s.respond("job.delete", map[string]any{"jobId": id}, err)
}

// RunJob triggers one run outside the schedule. With wait the run happens
// inline and its execution record is returned; otherwise it is handed to the
// task engine and an overlapping run is refused.
func (s *Service) RunJob(ctx context.Context, id string, wait bool) Envelope {
	if !wait {
		err := s.jobs.RunNow(ctx, id)
		return s.respond("job.run", map[string]any{"jobId": id, "queued": true}, err)
	}
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return s.respond("job.run", nil, err)
	}
	h := s.handlerFor(j.Type)
	if h == nil {
		return Fail(model.Validation("job has no handler"))
	}
	ex, err := s.jobs.Execute(ctx, id, h)
	return s.respond("job.run", map[string]any{"execution": ex}, err)
}

func (s *Service) JobHistory(ctx context.Context, id string, limit int) Envelope {
	hs, err := s.jobs.History(ctx, id, limit)
	return s.respond("job.history", map[string]any{"executions": hs, "count": len(hs)}, err)
}

// NextRun evaluates a schedule in the scheduler's timezone.
func (s *Service) NextRun(schedule string, from time.Time) Envelope {
	next, err := s.jobs.NextRun(schedule, from)
	return s.respond("job.next_run", map[string]any{"nextRun": next}, err)
}

func (s *Service) handlerFor(t scheduler.JobType) scheduler.Handler {
	if s.pipeline == nil {
		return nil
	}
	return s.pipeline.Handler(t)
}
