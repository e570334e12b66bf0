package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"clipflow/internal/account"
	"clipflow/internal/model"
	"clipflow/internal/queue"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

// UploadNext executes the oldest upload that can go now: its platform has
// capacity and an account can post (or the platform has no executor, which
// fails the attempt right away). It credits or blames the account and
// settles the queue item once all of its uploads for this round are done.
// Bookkeeping after the executor returns ignores ctx cancellation.
func (o *Orchestrator) UploadNext(ctx context.Context) (upload.Record, error) {
	var (
		chosen    = map[string]string{}
		noAccount = map[model.Platform]bool{}
		lookupErr error
	)
	eligible := func(r upload.Record) bool {
		if !o.uploads.HasExecutor(r.Platform) {
			chosen[r.ID] = r.AccountID
			return true
		}
		if r.AccountID != "" {
			if _, err := o.accounts.CanUploadNow(ctx, r.AccountID); err == nil {
				chosen[r.ID] = r.AccountID
				return true
			}
		}
		if noAccount[r.Platform] {
			return false
		}
		id, err := o.bestUsable(ctx, r.Platform)
		if err != nil && lookupErr == nil {
			lookupErr = err
		}
		if id == "" {
			noAccount[r.Platform] = true
			return false
		}
		chosen[r.ID] = id
		return true
	}

	rec, err := o.uploads.NextDispatchable(ctx, model.AnyPlatform(), eligible)
	if err != nil {
		if lookupErr != nil && errors.Is(err, model.ErrCapacityExceeded) {
			return upload.Record{}, lookupErr
		}
		return upload.Record{}, err
	}
	accountID := chosen[rec.ID]
	if o.uploads.HasExecutor(rec.Platform) {
		if err := o.pace.Wait(ctx); err != nil {
			return rec, err
		}
	}

	rec, execErr := o.uploads.Execute(ctx, rec.ID, accountID)
	wctx := context.WithoutCancel(ctx)
	switch {
	case execErr == nil:
		if _, err := o.accounts.RecordPost(wctx, accountID, account.PostStats{}); err != nil {
			o.log.Warn("account post not recorded", logx.String("account_id", accountID), logx.Err(err))
		}
	case errors.Is(execErr, upload.ErrNoExecutor):
		o.log.Warn("no uploader for platform; attempt failed", logx.String("upload_id", rec.ID), logx.String("platform", rec.Platform.String()))
	case errors.Is(execErr, model.ErrExecution):
		if accountID == "" {
			break
		}
		deactivated, err := o.accounts.RecordError(wctx, accountID, execErr)
		if err != nil {
			o.log.Warn("account error not recorded", logx.String("account_id", accountID), logx.Err(err))
		}
		if deactivated {
			o.log.Warn("account deactivated after repeated failures", logx.String("account_id", accountID))
		}
	default:
		return rec, execErr
	}

	if err := o.settle(wctx, rec.QueueID); err != nil {
		o.log.Warn("queue item not settled", logx.String("queue_id", rec.QueueID), logx.Err(err))
	}
	return rec, execErr
}

// settle closes the loop on a queue item: uploaded once every upload of the
// current round is terminal with at least one success, an upload-stage
// error when all of them failed.
func (o *Orchestrator) settle(ctx context.Context, queueID string) error {
	if queueID == "" {
		return nil
	}
	it, err := o.queue.Get(ctx, queueID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if it.Status != queue.StatusReady || it.DispatchedAt == nil {
		return nil
	}
	recs, err := o.uploads.UploadsForQueueItem(ctx, queueID)
	if err != nil {
		return err
	}

	var round, succeeded int
	for _, r := range recs {
		if r.CreatedAt.Before(*it.DispatchedAt) {
			continue
		}
		if !r.Status.Terminal() {
			return nil
		}
		round++
		if r.Status == upload.StatusSuccess {
			succeeded++
		}
	}
	switch {
	case round == 0:
		return nil
	case succeeded > 0:
		_, err := o.queue.Transition(ctx, queueID, queue.StatusUploaded, queue.Patch{})
		if err == nil {
			o.log.Info("item uploaded", logx.String("queue_id", queueID), logx.Int("succeeded", succeeded), logx.Int("uploads", round))
		}
		return err
	default:
		_, err := o.queue.RecordError(ctx, queueID, fmt.Errorf("all %d uploads failed", round), StageUpload)
		return err
	}
}

// UploadBatch fans out ready items and then runs UploadNext up to n times,
// stopping when nothing is eligible or every platform is capped. n <= 0
// uses the configured batch size.
func (o *Orchestrator) UploadBatch(ctx context.Context, n int) (BatchResult, error) {
	if n <= 0 {
		n = o.Tuning().UploadBatch
	}
	if _, err := o.DispatchReady(ctx); err != nil {
		return BatchResult{}, err
	}
	var br BatchResult
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return br, err
		}
		_, err := o.UploadNext(ctx)
		switch {
		case err == nil:
			br.Attempted++
			br.Succeeded++
		case errors.Is(err, model.ErrEmpty), errors.Is(err, model.ErrCapacityExceeded):
			return br, nil
		case errors.Is(err, model.ErrExecution):
			br.Attempted++
			br.Failed++
		default:
			return br, err
		}
	}
	return br, nil
}
