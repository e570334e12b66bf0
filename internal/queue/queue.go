// Package queue is the persistent work queue with an explicit state machine:
//
//	pending -> processing -> ready -> uploaded
//
// Any item reaches failed only through RecordError once its error count
// exceeds maxRetries; below that threshold the item returns to pending.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clipflow/internal/eventbus"
	"clipflow/internal/model"
	"clipflow/internal/storage"
	logx "clipflow/pkg/logx"
)

const Collection = "queue"

const DefaultMaxRetries = 3

type Options struct {
	MaxRetries int
	Clock      model.Clock
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Queue struct {
	items      *storage.Collection[Item]
	clock      model.Clock
	bus        eventbus.Bus
	log        logx.Logger
	maxRetries int
}

func New(store storage.Store, opt Options) *Queue {
	if opt.Clock == nil {
		opt.Clock = model.SystemClock()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		items:      storage.NewCollection[Item](store, Collection, "queue item"),
		clock:      opt.Clock,
		bus:        opt.Bus,
		log:        opt.Log.With(logx.String("comp", "queue")),
		maxRetries: opt.MaxRetries,
	}
}

// Enqueue stores a new pending item. Only required-field presence is checked.
func (q *Queue) Enqueue(ctx context.Context, in NewItem) (Item, error) {
	cfg := bytes.TrimSpace(in.VideoConfig)
	if len(cfg) == 0 || bytes.Equal(cfg, []byte("null")) {
		return Item{}, model.Validation("videoConfig is required")
	}
	platform, err := model.ParsePlatform(in.Platform)
	if err != nil {
		return Item{}, err
	}
	prio, err := model.ParsePriority(in.Priority)
	if err != nil {
		return Item{}, err
	}

	now := q.clock.Now()
	it := Item{
		ID:           uuid.NewString(),
		VideoConfig:  append([]byte(nil), cfg...),
		Platform:     platform,
		ContentType:  in.ContentType,
		Priority:     prio,
		ScheduleTime: now,
		AccountIDs:   in.AccountIDs,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		MaxRetries:   q.maxRetries,
	}
	if in.ScheduleTime != nil {
		it.ScheduleTime = *in.ScheduleTime
	}
	if in.MaxRetries != nil && *in.MaxRetries >= 0 {
		it.MaxRetries = *in.MaxRetries
	}

	if err := q.items.Put(ctx, it.ID, it); err != nil {
		return Item{}, err
	}
	q.log.Debug("enqueued", logx.String("queue_id", it.ID), logx.String("platform", string(it.Platform)), logx.String("priority", string(it.Priority)))
	q.publish(eventbus.TypeQueueEnqueued, it)
	return it, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	return q.items.Get(ctx, id)
}

// Transition moves id to status and merges patch. Timestamps are written
// only once, so repeating a transition is harmless.
func (q *Queue) Transition(ctx context.Context, id string, status Status, patch Patch) (Item, error) {
	if status == StatusFailed {
		return Item{}, model.Validation("failed is reached through RecordError, not Transition")
	}
	if !status.Valid() {
		return Item{}, model.Validation(fmt.Sprintf("unknown status %q", status))
	}
	now := q.clock.Now()
	it, err := q.items.Update(ctx, id, func(it *Item) error {
		if err := checkEdge(it.Status, status); err != nil {
			return err
		}
		it.Status = status
		applyStatusTimes(it, status, now)
		applyPatch(it, patch)
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	q.publish(eventbus.TypeQueueTransition, it)
	return it, nil
}

// RecordError logs err against id. It reports whether the item goes back
// to pending for another attempt.
func (q *Queue) RecordError(ctx context.Context, id string, cause error, stage string) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := q.clock.Now()
	var retry bool
	it, err := q.items.Update(ctx, id, func(it *Item) error {
		it.ErrorLog = append(it.ErrorLog, model.ErrorEntry{Stage: stage, Error: msg, Timestamp: now})
		it.ErrorCount++
		if it.ErrorCount <= it.MaxRetries {
			it.Status = StatusPending
			it.Retry = it.ErrorCount
			it.DispatchedAt = nil
			retry = true
		} else {
			it.Status = StatusFailed
			retry = false
		}
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return false, err
	}
	q.log.Warn("item error recorded",
		logx.String("queue_id", id),
		logx.String("stage", stage),
		logx.Int("error_count", it.ErrorCount),
		logx.Bool("retry", retry),
		logx.String("error", msg),
	)
	q.publish(eventbus.TypeQueueError, it)
	return retry, nil
}

// ErrInterrupted is the cause recorded on items found processing at startup.
var ErrInterrupted = errors.New("processing interrupted before its outcome was recorded")

// ReclaimProcessing records an error at stage on every item left
// processing, which only happens when the process stopped mid-generation.
// Each item returns to pending or, past its retry budget, fails.
func (q *Queue) ReclaimProcessing(ctx context.Context, stage string) ([]Item, error) {
	stale, err := q.List(ctx, Query{Status: StatusProcessing})
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(stale))
	for _, it := range stale {
		if _, err := q.RecordError(ctx, it.ID, ErrInterrupted, stage); err != nil {
			return out, err
		}
		cur, err := q.items.Get(ctx, it.ID)
		if err != nil {
			return out, err
		}
		out = append(out, cur)
	}
	return out, nil
}

// NextPending returns the eligible pending item: strict priority, then FIFO.
func (q *Queue) NextPending(ctx context.Context, filter model.PlatformFilter) (Item, error) {
	items, err := q.items.List(ctx)
	if err != nil {
		return Item{}, err
	}
	i, ok := pickPending(items, filter)
	if !ok {
		return Item{}, model.Empty("no pending items")
	}
	return items[i], nil
}

// ClaimNextPending selects like NextPending and moves the item to processing
// in the same critical section, so concurrent workers never share an item.
func (q *Queue) ClaimNextPending(ctx context.Context, filter model.PlatformFilter) (Item, error) {
	now := q.clock.Now()
	it, found, err := q.items.Claim(ctx,
		func(items []Item) (int, bool) { return pickPending(items, filter) },
		func(it *Item) error {
			it.Status = StatusProcessing
			applyStatusTimes(it, StatusProcessing, now)
			it.UpdatedAt = now
			return nil
		},
	)
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, model.Empty("no pending items")
	}
	q.publish(eventbus.TypeQueueTransition, it)
	return it, nil
}

// NextReady returns the eligible ready item whose schedule time has come and
// whose uploads have not been fanned out yet.
func (q *Queue) NextReady(ctx context.Context, filter model.PlatformFilter) (Item, error) {
	items, err := q.items.List(ctx)
	if err != nil {
		return Item{}, err
	}
	now := q.clock.Now()
	best := -1
	for i := range items {
		it := &items[i]
		if it.Status != StatusReady || it.DispatchedAt != nil || it.ScheduleTime.After(now) || !filter.Match(it.Platform) {
			continue
		}
		if best < 0 || before(it, &items[best]) {
			best = i
		}
	}
	if best < 0 {
		return Item{}, model.Empty("no ready items")
	}
	return items[best], nil
}

// MarkDispatched claims a ready item for fan-out. It fails when the item
// is not ready or was already dispatched in this round.
func (q *Queue) MarkDispatched(ctx context.Context, id string) (Item, error) {
	now := q.clock.Now()
	return q.items.Update(ctx, id, func(it *Item) error {
		if it.Status != StatusReady {
			return model.Validation(fmt.Sprintf("queue item %q is %s, not ready", id, it.Status))
		}
		if it.DispatchedAt != nil {
			return model.Validation(fmt.Sprintf("queue item %q is already dispatched", id))
		}
		setOnce(&it.DispatchedAt, now)
		it.UpdatedAt = now
		return nil
	})
}

func (q *Queue) List(ctx context.Context, query Query) ([]Item, error) {
	items, err := q.items.Filter(ctx, func(it *Item) bool {
		if query.Status != "" && it.Status != query.Status {
			return false
		}
		return query.Platform.Match(it.Platform)
	})
	if err != nil {
		return nil, err
	}
	if query.Limit > 0 && len(items) > query.Limit {
		items = items[:query.Limit]
	}
	return items, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.items.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, it := range items {
		s.Total++
		switch it.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusReady:
			s.Ready++
		case StatusUploaded:
			s.Uploaded++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Retry puts a failed item back to pending with fresh counters. The error
// log is kept.
func (q *Queue) Retry(ctx context.Context, id string) (Item, error) {
	now := q.clock.Now()
	it, err := q.items.Update(ctx, id, func(it *Item) error {
		if it.Status != StatusFailed {
			return model.Validation(fmt.Sprintf("queue item %q is %s, only failed items can be retried", id, it.Status))
		}
		it.Status = StatusPending
		it.ErrorCount = 0
		it.Retry = 0
		it.DispatchedAt = nil
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	q.publish(eventbus.TypeQueueTransition, it)
	return it, nil
}

func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.items.Delete(ctx, id)
}

// Cleanup deletes uploaded and failed items not touched within retention.
// Pending items are never removed.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := q.clock.Now().Add(-retention)
	n, err := q.items.DeleteWhere(ctx, func(it *Item) bool {
		return it.Status.Terminal() && it.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return n, err
	}
	if n > 0 {
		q.log.Info("queue cleanup", logx.Int("deleted", n), logx.Duration("retention", retention))
	}
	return n, nil
}

func (q *Queue) publish(typ string, it Item) {
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.clock.Now(), Data: it})
}

func pickPending(items []Item, filter model.PlatformFilter) (int, bool) {
	best := -1
	for i := range items {
		it := &items[i]
		if it.Status != StatusPending || !filter.Match(it.Platform) {
			continue
		}
		if best < 0 || before(it, &items[best]) {
			best = i
		}
	}
	return best, best >= 0
}

func checkEdge(from, to Status) error {
	if from == to {
		return nil
	}
	switch {
	case from == StatusPending && to == StatusProcessing,
		from == StatusProcessing && to == StatusReady,
		from == StatusReady && to == StatusUploaded:
		return nil
	}
	return model.Validation(fmt.Sprintf("invalid transition %s -> %s", from, to))
}

func applyStatusTimes(it *Item, status Status, now time.Time) {
	switch status {
	case StatusProcessing:
		setOnce(&it.StartedAt, now)
	case StatusReady:
		setOnce(&it.CompletedAt, now)
	case StatusUploaded:
		setOnce(&it.UploadedAt, now)
	}
}

func applyPatch(it *Item, p Patch) {
	if p.OutputPath != nil {
		it.OutputPath = *p.OutputPath
	}
	if p.ScheduleTime != nil {
		it.ScheduleTime = *p.ScheduleTime
	}
	if p.AccountIDs != nil {
		it.AccountIDs = append([]string(nil), p.AccountIDs...)
	}
	if p.ContentType != nil {
		it.ContentType = *p.ContentType
	}
}
