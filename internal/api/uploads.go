package api

import (
	"context"
	"errors"

	"clipflow/internal/upload"
)

type UploadQuery struct {
	Status    string `json:"status,omitempty"`
	Platform  string `json:"platform,omitempty"`
	QueueID   string `json:"queueId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Service) RegisterUpload(ctx context.Context, in upload.NewRecord) Envelope {
	rec, err := s.uploads.Register(ctx, in)
	return s.respond("upload.register", map[string]any{"upload": rec}, err)
}

func (s *Service) Upload(ctx context.Context, id string) Envelope {
	rec, err := s.uploads.Get(ctx, id)
	return s.respond("upload.get", map[string]any{"upload": rec}, err)
}

func (s *Service) ListUploads(ctx context.Context, q UploadQuery) Envelope {
	filter, err := platformFilter(q.Platform)
	if err != nil {
		return Fail(err)
	}
	recs, err := s.uploads.List(ctx, upload.Query{
		Status:    upload.Status(q.Status),
		Platform:  filter,
		QueueID:   q.QueueID,
		AccountID: q.AccountID,
		Limit:     q.Limit,
	})
	return s.respond("upload.list", map[string]any{"uploads": recs, "count": len(recs)}, err)
}

// CanDispatch spreads the platform's capacity into the envelope:
// {"success":true,"platform":"tiktok","canUpload":true,"remainingSlots":2,...}.
func (s *Service) CanDispatch(ctx context.Context, platform string) Envelope {
	p, err := singlePlatform(platform)
	if err != nil {
		return Fail(err)
	}
	c, err := s.uploads.CanDispatch(ctx, p)
	return s.respond("upload.can_dispatch", c, err)
}

func (s *Service) Capacity(ctx context.Context) Envelope {
	caps, err := s.uploads.CapacityAll(ctx)
	return s.respond("upload.capacity", map[string]any{"capacity": caps}, err)
}

func (s *Service) UploadStats(ctx context.Context) Envelope {
	st, err := s.uploads.StatsByPlatform(ctx)
	return s.respond("upload.stats", map[string]any{"platforms": st}, err)
}

func (s *Service) RetryUpload(ctx context.Context, id string) Envelope {
	rec, err := s.uploads.RetryFailed(ctx, id)
	return s.respond("upload.retry", map[string]any{"upload": rec}, err)
}

// NextUpload peeks at the earliest pending or retry upload.
func (s *Service) NextUpload(ctx context.Context, platform string) Envelope {
	filter, err := platformFilter(platform)
	if err != nil {
		return Fail(err)
	}
	rec, err := s.uploads.Next(ctx, filter)
	return s.respond("upload.next", map[string]any{"upload": rec}, err)
}

// ExecuteUpload runs one attempt directly, without the orchestrator's
// account bookkeeping. A failed attempt is a failure envelope; the record
// already holds the retry decision.
func (s *Service) ExecuteUpload(ctx context.Context, id, accountID string) Envelope {
	rec, err := s.uploads.Execute(ctx, id, accountID)
	return s.respond("upload.execute", map[string]any{"upload": rec}, err)
}

func (s *Service) RecordUploadError(ctx context.Context, id, message string) Envelope {
	retry, err := s.uploads.RecordError(ctx, id, errors.New(message))
	if err != nil {
		return s.respond("upload.record_error", nil, err)
	}
	rec, err := s.uploads.Get(ctx, id)
	return s.respond("upload.record_error", map[string]any{"retry": retry, "upload": rec}, err)
}
