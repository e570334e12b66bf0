package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"clipflow/internal/collab"
	"clipflow/internal/model"
	"clipflow/internal/queue"
	logx "clipflow/pkg/logx"
)

const (
	StageGenerate = "generate"
	StageDispatch = "dispatch"
	StageUpload   = "upload"
)

// BatchResult counts what one batch did.
type BatchResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ProcessNext claims the next pending item and generates its video. On
// success the item becomes ready and, once its schedule time has come, is
// fanned out to uploads. A generator failure is recorded on the item and
// returned as an Execution error with the updated item. Once the item is
// claimed, its outcome is written even if ctx is cancelled meanwhile.
func (o *Orchestrator) ProcessNext(ctx context.Context) (queue.Item, error) {
	it, err := o.queue.ClaimNextPending(ctx, model.AnyPlatform())
	if err != nil {
		return queue.Item{}, err
	}
	log := o.log.With(logx.String("queue_id", it.ID), logx.String("platform", it.Platform.String()))

	res, genErr := o.generate(ctx, it)
	wctx := context.WithoutCancel(ctx)
	if genErr != nil {
		retry, err := o.queue.RecordError(wctx, it.ID, genErr, StageGenerate)
		if err != nil {
			return queue.Item{}, err
		}
		log.Warn("generation failed", logx.Bool("retry", retry), logx.Err(genErr))
		cur, err := o.queue.Get(wctx, it.ID)
		if err != nil {
			return queue.Item{}, err
		}
		return cur, model.Execution(fmt.Sprintf("generate %s: %v", it.ID, genErr), genErr)
	}

	out := res.OutputPath
	it, err = o.queue.Transition(wctx, it.ID, queue.StatusReady, queue.Patch{OutputPath: &out})
	if err != nil {
		return queue.Item{}, err
	}
	log.Info("video generated", logx.String("output", out))

	if it.ScheduleTime.After(o.clock.Now()) {
		return it, nil
	}
	if _, err := o.Dispatch(wctx, it); err != nil {
		log.Warn("dispatch failed", logx.Err(err))
	}
	return o.queue.Get(wctx, it.ID)
}

// Recovered reports what RecoverInterrupted reclaimed.
type Recovered struct {
	Items   int `json:"items"`
	Uploads int `json:"uploads"`
}

// RecoverInterrupted reclaims work a previous process left mid-flight:
// processing items get a generate-stage error and uploading records a
// failed attempt, both subject to their retry budgets. Call it before any
// worker runs.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (Recovered, error) {
	var rc Recovered
	items, err := o.queue.ReclaimProcessing(ctx, StageGenerate)
	rc.Items = len(items)
	if err != nil {
		return rc, err
	}
	recs, err := o.uploads.ReclaimUploading(ctx)
	rc.Uploads = len(recs)
	if err != nil {
		return rc, err
	}
	settled := map[string]bool{}
	for _, r := range recs {
		if settled[r.QueueID] {
			continue
		}
		settled[r.QueueID] = true
		if err := o.settle(ctx, r.QueueID); err != nil {
			o.log.Warn("queue item not settled", logx.String("queue_id", r.QueueID), logx.Err(err))
		}
	}
	if rc.Items > 0 || rc.Uploads > 0 {
		o.log.Warn("recovered interrupted work", logx.Int("items", rc.Items), logx.Int("uploads", rc.Uploads))
	}
	return rc, nil
}

func (o *Orchestrator) generate(ctx context.Context, it queue.Item) (res collab.GenerateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("generator panic",
				logx.String("queue_id", it.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	if o.gen == nil {
		return collab.GenerateResult{}, errors.New("no generator configured")
	}
	res, err = o.gen.Generate(ctx, collab.GenerateRequest{
		QueueID:     it.ID,
		VideoConfig: it.VideoConfig,
		Platform:    it.Platform,
		ContentType: it.ContentType,
	})
	if err == nil && res.OutputPath == "" {
		err = errors.New("generator returned no output path")
	}
	return res, err
}

// ProcessBatch runs ProcessNext up to n times, stopping early when the queue
// has nothing pending. n <= 0 uses the configured batch size.
func (o *Orchestrator) ProcessBatch(ctx context.Context, n int) (BatchResult, error) {
	if n <= 0 {
		n = o.Tuning().GenerateBatch
	}
	var br BatchResult
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return br, err
		}
		_, err := o.ProcessNext(ctx)
		switch {
		case err == nil:
			br.Attempted++
			br.Succeeded++
		case errors.Is(err, model.ErrEmpty):
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
