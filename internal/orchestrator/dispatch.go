package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"clipflow/internal/model"
	"clipflow/internal/queue"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

// Dispatch registers one upload record per target platform of a ready item
// and marks the item dispatched. The item is marked first, so the records
// of this round are the ones created at or after its DispatchedAt. Once
// the item is marked, the round completes regardless of ctx cancellation.
func (o *Orchestrator) Dispatch(ctx context.Context, it queue.Item) ([]upload.Record, error) {
	it, err := o.queue.MarkDispatched(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	var (
		out  []upload.Record
		errs []error
	)
	for _, p := range o.targets(it.Platform) {
		accountID, err := o.pickAccount(ctx, p, it.AccountIDs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rec, err := o.uploads.Register(ctx, upload.NewRecord{
			QueueID:   it.ID,
			VideoPath: it.OutputPath,
			Platform:  p,
			AccountID: accountID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("register %s upload: %w", p, err))
			continue
		}
		out = append(out, rec)
	}

	if len(out) == 0 {
		cause := errors.Join(errs...)
		if cause == nil {
			cause = errors.New("no target platforms")
		}
		if _, err := o.queue.RecordError(ctx, it.ID, cause, StageDispatch); err != nil {
			return nil, err
		}
		return nil, model.Execution(fmt.Sprintf("dispatch %s: %v", it.ID, cause), cause)
	}
	o.log.Info("item dispatched",
		logx.String("queue_id", it.ID),
		logx.Int("uploads", len(out)),
	)
	return out, errors.Join(errs...)
}

// DispatchReady fans out every ready item whose schedule time has come.
func (o *Orchestrator) DispatchReady(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		it, err := o.queue.NextReady(ctx, model.AnyPlatform())
		if errors.Is(err, model.ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if _, err := o.Dispatch(ctx, it); err != nil && !errors.Is(err, model.ErrExecution) {
			o.log.Warn("dispatch failed", logx.String("queue_id", it.ID), logx.Err(err))
		}
		n++
	}
}

// pickAccount prefers a random pinned account for p that can upload now,
// then the best scoring one that can. An empty id means no account is free yet; the
// upload step chooses again at execution time.
func (o *Orchestrator) pickAccount(ctx context.Context, p model.Platform, pinned []string) (string, error) {
	var usable []string
	for _, id := range pinned {
		a, err := o.accounts.Get(ctx, id)
		if err != nil || a.Platform != p {
			continue
		}
		if _, err := o.accounts.CanUploadNow(ctx, id); err == nil {
			usable = append(usable, id)
		}
	}
	if len(usable) > 0 {
		return usable[o.intn(len(usable))], nil
	}
	return o.bestUsable(ctx, p)
}

// bestUsable walks the score ranking (BestAccountFor order) and returns the
// first account whose gates are open now, or "" when none is.
func (o *Orchestrator) bestUsable(ctx context.Context, p model.Platform) (string, error) {
	ranked, err := o.accounts.Scores(ctx, p)
	if err != nil {
		return "", err
	}
	for _, sc := range ranked {
		if _, err := o.accounts.CanUploadNow(ctx, sc.Account.ID); err == nil {
			return sc.Account.ID, nil
		}
	}
	return "", nil
}
