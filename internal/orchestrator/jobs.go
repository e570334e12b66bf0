package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"clipflow/internal/task/scheduler"
	logx "clipflow/pkg/logx"
)

const (
	JobGenerate = "generate-videos"
	JobUpload   = "upload-videos"
	JobCleanup  = "cleanup"
)

// JobSpec configures one recurring job. BatchSize <= 0 uses the tuning value.
type JobSpec struct {
	Schedule  string
	BatchSize int
	Enabled   *bool
}

type Jobs struct {
	Generate JobSpec
	Upload   JobSpec
	Cleanup  JobSpec
}

func (j Jobs) withDefaults() Jobs {
	if j.Generate.Schedule == "" {
		j.Generate.Schedule = "*/5 * * * *"
	}
	if j.Upload.Schedule == "" {
		j.Upload.Schedule = "*/10 * * * *"
	}
	if j.Cleanup.Schedule == "" {
		j.Cleanup.Schedule = "0 3 * * *"
	}
	return j
}

// Scheduler is the part of the job scheduler the orchestrator registers on.
type Scheduler interface {
	Create(ctx context.Context, def scheduler.Definition, h scheduler.Handler) (scheduler.Job, error)
}

type jobConfig struct {
	BatchSize int `json:"batchSize,omitempty"`
}

// RegisterJobs creates (or updates) the generate, upload and cleanup jobs.
func (o *Orchestrator) RegisterJobs(ctx context.Context, s Scheduler, jobs Jobs) ([]scheduler.Job, error) {
	jobs = jobs.withDefaults()
	defs := []struct {
		name string
		typ  scheduler.JobType
		spec JobSpec
		h    scheduler.Handler
	}{
		{JobGenerate, scheduler.JobGenerate, jobs.Generate, o.Handler(scheduler.JobGenerate)},
		{JobUpload, scheduler.JobUpload, jobs.Upload, o.Handler(scheduler.JobUpload)},
		{JobCleanup, scheduler.JobCleanup, jobs.Cleanup, o.Handler(scheduler.JobCleanup)},
	}

	out := make([]scheduler.Job, 0, len(defs))
	for _, d := range defs {
		var cfg json.RawMessage
		if d.spec.BatchSize > 0 {
			cfg, _ = json.Marshal(jobConfig{BatchSize: d.spec.BatchSize})
		}
		j, err := s.Create(ctx, scheduler.Definition{
			Name:     d.name,
			Schedule: d.spec.Schedule,
			Type:     d.typ,
			Enabled:  d.spec.Enabled,
			Config:   cfg,
		}, d.h)
		if err != nil {
			return out, fmt.Errorf("register job %s: %w", d.name, err)
		}
		out = append(out, j)
	}
	o.log.Info("pipeline jobs registered", logx.Int("jobs", len(out)))
	return out, nil
}

// Handler returns the pipeline handler for a job type, or nil when the
// pipeline has none (analyze jobs are stored but never armed).
func (o *Orchestrator) Handler(t scheduler.JobType) scheduler.Handler {
	switch t {
	case scheduler.JobGenerate:
		return scheduler.HandlerFunc(o.runGenerateJob)
	case scheduler.JobUpload:
		return scheduler.HandlerFunc(o.runUploadJob)
	case scheduler.JobCleanup:
		return scheduler.HandlerFunc(o.runCleanupJob)
	}
	return nil
}

func batchSize(j scheduler.Job) int {
	if len(j.Config) == 0 {
		return 0
	}
	var c jobConfig
	if err := json.Unmarshal(j.Config, &c); err != nil {
		return 0
	}
	return c.BatchSize
}

func (o *Orchestrator) runGenerateJob(ctx context.Context, j scheduler.Job) scheduler.Result {
	br, err := o.ProcessBatch(ctx, batchSize(j))
	if err != nil {
		return scheduler.Fail(err)
	}
	return scheduler.OK("generated %d/%d", br.Succeeded, br.Attempted)
}

func (o *Orchestrator) runUploadJob(ctx context.Context, j scheduler.Job) scheduler.Result {
	br, err := o.UploadBatch(ctx, batchSize(j))
	if err != nil {
		return scheduler.Fail(err)
	}
	return scheduler.OK("uploaded %d/%d", br.Succeeded, br.Attempted)
}

func (o *Orchestrator) runCleanupJob(ctx context.Context, _ scheduler.Job) scheduler.Result {
	res, err := o.Cleanup(ctx)
	if err != nil {
		return scheduler.Fail(err)
	}
	return scheduler.OK("removed %d queue items, %d uploads", res.Queue, res.Uploads)
}

type CleanupResult struct {
	Queue   int `json:"queue"`
	Uploads int `json:"uploads"`
}

// Cleanup applies the retention windows to the queue and upload records.
func (o *Orchestrator) Cleanup(ctx context.Context) (CleanupResult, error) {
	t := o.Tuning()
	var res CleanupResult
	n, err := o.queue.Cleanup(ctx, t.QueueRetention)
	if err != nil {
		return res, err
	}
	res.Queue = n
	n, err = o.uploads.Cleanup(ctx, t.UploadRetention)
	if err != nil {
		return res, err
	}
	res.Uploads = n
	return res, nil
}
