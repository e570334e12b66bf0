package api

import (
	"context"
	"errors"

	"clipflow/internal/model"
	"clipflow/internal/queue"
	"clipflow/internal/runtime/supervisor"
	"clipflow/internal/task/engine"
	"clipflow/internal/upload"
)

// ProcessNext generates the next pending item. A generator failure returns
// the error while the item is already back in pending (or failed).
func (s *Service) ProcessNext(ctx context.Context) Envelope {
	it, err := s.pipeline.ProcessNext(ctx)
	return s.respond("pipeline.process_next", map[string]any{"item": it}, err)
}

func (s *Service) ProcessBatch(ctx context.Context, n int) Envelope {
	br, err := s.pipeline.ProcessBatch(ctx, n)
	return s.respond("pipeline.process_batch", br, err)
}

func (s *Service) DispatchReady(ctx context.Context) Envelope {
	n, err := s.pipeline.DispatchReady(ctx)
	return s.respond("pipeline.dispatch_ready", map[string]any{"dispatched": n}, err)
}

func (s *Service) UploadNext(ctx context.Context) Envelope {
	rec, err := s.pipeline.UploadNext(ctx)
	return s.respond("pipeline.upload_next", map[string]any{"upload": rec}, err)
}

func (s *Service) UploadBatch(ctx context.Context, n int) Envelope {
	br, err := s.pipeline.UploadBatch(ctx, n)
	return s.respond("pipeline.upload_batch", br, err)
}

func (s *Service) Cleanup(ctx context.Context) Envelope {
	res, err := s.pipeline.Cleanup(ctx)
	return s.respond("pipeline.cleanup", res, err)
}

// Stats is the operator overview: queue counts, upload counts per platform
// and the remaining hourly capacity. Engine and Runtime are present when
// the service is wired to a worker pool and a running app.
type Stats struct {
	Queue    queue.Stats                             `json:"queue"`
	Uploads  map[model.Platform]upload.PlatformStats `json:"uploads"`
	Capacity []upload.Capacity                       `json:"capacity"`
	Engine   *engine.Snapshot                        `json:"engine,omitempty"`
	Runtime  *supervisor.Snapshot                    `json:"runtime,omitempty"`
}

func (s *Service) Stats(ctx context.Context) Envelope {
	var st Stats
	qs, qErr := s.queue.Stats(ctx)
	us, uErr := s.uploads.StatsByPlatform(ctx)
	cs, cErr := s.uploads.CapacityAll(ctx)
	st.Queue, st.Uploads, st.Capacity = qs, us, cs
	if s.engine != nil {
		es := s.engine.Snapshot()
		st.Engine = &es
	}
	if sup := s.runtime.Load(); sup != nil {
		rs := sup.Snapshot()
		st.Runtime = &rs
	}
	return s.respond("stats", st, errors.Join(qErr, uErr, cErr))
}
