package api

import (
	"context"
	"errors"

	"clipflow/internal/queue"
)

type QueueQuery struct {
	Status   string `json:"status,omitempty"`
	Platform string `json:"platform,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Service) Enqueue(ctx context.Context, in queue.NewItem) Envelope {
	it, err := s.queue.Enqueue(ctx, in)
	return s.respond("queue.enqueue", map[string]any{"item": it}, err)
}

func (s *Service) QueueItem(ctx context.Context, id string) Envelope {
	it, err := s.queue.Get(ctx, id)
	return s.respond("queue.get", map[string]any{"item": it}, err)
}

func (s *Service) ListQueue(ctx context.Context, q QueueQuery) Envelope {
	filter, err := platformFilter(q.Platform)
	if err != nil {
		return Fail(err)
	}
	items, err := s.queue.List(ctx, queue.Query{Status: queue.Status(q.Status), Platform: filter, Limit: q.Limit})
	return s.respond("queue.list", map[string]any{"items": items, "count": len(items)}, err)
}

// NextPending peeks at the item the orchestrator would claim next.
func (s *Service) NextPending(ctx context.Context, platform string) Envelope {
	filter, err := platformFilter(platform)
	if err != nil {
		return Fail(err)
	}
	it, err := s.queue.NextPending(ctx, filter)
	return s.respond("queue.next", map[string]any{"item": it}, err)
}

// TransitionItem moves an item along pending -> processing -> ready ->
// uploaded, merging patch. failed is only reachable through RecordItemError.
func (s *Service) TransitionItem(ctx context.Context, id, status string, patch queue.Patch) Envelope {
	it, err := s.queue.Transition(ctx, id, queue.Status(status), patch)
	return s.respond("queue.transition", map[string]any{"item": it}, err)
}

// RecordItemError logs a failure against an item; "retry" tells whether it
// went back to pending.
func (s *Service) RecordItemError(ctx context.Context, id, message, stage string) Envelope {
	retry, err := s.queue.RecordError(ctx, id, errors.New(message), stage)
	if err != nil {
		return s.respond("queue.record_error", nil, err)
	}
	it, err := s.queue.Get(ctx, id)
	return s.respond("queue.record_error", map[string]any{"retry": retry, "item": it}, err)
}

// NextReady peeks at the next ready item due for fan-out.
func (s *Service) NextReady(ctx context.Context, platform string) Envelope {
	filter, err := platformFilter(platform)
	if err != nil {
		return Fail(err)
	}
	it, err := s.queue.NextReady(ctx, filter)
	return s.respond("queue.next_ready", map[string]any{"item": it}, err)
}

func (s *Service) QueueStats(ctx context.Context) Envelope {
	st, err := s.queue.Stats(ctx)
	return s.respond("queue.stats", map[string]any{"stats": st}, err)
}

func (s *Service) RetryItem(ctx context.Context, id string) Envelope {
	it, err := s.queue.Retry(ctx, id)
	return s.respond("queue.retry", map[string]any{"item": it}, err)
}

func (s *Service) DeleteItem(ctx context.Context, id string) Envelope {
	err := s.queue.Delete(ctx, id)
	return s.respond("queue.delete", map[string]any{"queueId": id}, err)
}
