package upload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/model"
	"clipflow/internal/storage"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	calls atomic.Int32
	fail  error
	panic bool
}

func (f *fakeExecutor) Upload(ctx context.Context, req Request) (Outcome, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	if f.fail != nil {
		return Outcome{}, f.fail
	}
	return Outcome{URL: "https://example.test/" + req.UploadID}, nil
}

func newTestDispatcher(t *testing.T, ex Executor) (*Dispatcher, *model.ManualClock) {
	t.Helper()
	clock := model.NewManualClock(t0)
	d := New(storage.NewMemory(), Options{
		Clock: clock,
		Executors: map[model.Platform]Executor{
			model.PlatformTikTok:  ex,
			model.PlatformYouTube: ex,
		},
	})
	return d, clock
}

func register(t *testing.T, d *Dispatcher, p model.Platform) Record {
	t.Helper()
	r, err := d.Register(context.Background(), NewRecord{QueueID: "q1", VideoPath: "/out/v.mp4", Platform: p, AccountID: "acc-1"})
	require.NoError(t, err)
	return r
}

func TestRegisterDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()

	r := register(t, d, model.PlatformTikTok)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, DefaultMaxRetries, r.MaxRetries)
	assert.Equal(t, t0, r.CreatedAt)

	_, err := d.Register(ctx, NewRecord{VideoPath: "/x", Platform: model.PlatformAll})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = d.Register(ctx, NewRecord{Platform: model.PlatformTikTok})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSlidingWindowLimit(t *testing.T) {
	t.Parallel()
	d, clock := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()

	// Five successes spread over the hour; the first one completes earliest.
	for i := range 5 {
		r := register(t, d, model.PlatformTikTok)
		_, err := d.Execute(ctx, r.ID, "")
		require.NoError(t, err)
		if i < 4 {
			clock.Advance(10 * time.Minute)
		}
	}

	c, err := d.CanDispatch(ctx, model.PlatformTikTok)
	require.NoError(t, err)
	assert.False(t, c.CanUpload)
	assert.Equal(t, 0, c.RemainingSlots)
	assert.Equal(t, 5, c.Limit)
	assert.Equal(t, 5, c.Used)
	require.NotNil(t, c.ResetAt)
	assert.Equal(t, t0.Add(time.Hour), *c.ResetAt)

	// Idempotent without an intervening execute.
	again, err := d.CanDispatch(ctx, model.PlatformTikTok)
	require.NoError(t, err)
	assert.Equal(t, c.RemainingSlots, again.RemainingSlots)

	// The first success ages out; capacity frees up with no new write.
	clock.Set(t0.Add(time.Hour + time.Second))
	c, err = d.CanDispatch(ctx, model.PlatformTikTok)
	require.NoError(t, err)
	assert.True(t, c.CanUpload)
	assert.Equal(t, 1, c.RemainingSlots)

	// Other platforms are unaffected.
	yt, err := d.CanDispatch(ctx, model.PlatformYouTube)
	require.NoError(t, err)
	assert.Equal(t, 3, yt.RemainingSlots)
}

func TestUnlimitedPlatformAndHotReload(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()

	c, err := d.CanDispatch(ctx, model.PlatformInstagram)
	require.NoError(t, err)
	assert.True(t, c.CanUpload)
	assert.Equal(t, 0, c.Limit)

	d.SetLimits(map[model.Platform]int{model.PlatformInstagram: 1})
	c, err = d.CanDispatch(ctx, model.PlatformInstagram)
	require.NoError(t, err)
	assert.Equal(t, 1, c.RemainingSlots)
}

func TestRetryMonotonicity(t *testing.T) {
	t.Parallel()
	ex := &fakeExecutor{fail: errors.New("403 from platform")}
	d, _ := newTestDispatcher(t, ex)
	ctx := context.Background()
	r := register(t, d, model.PlatformTikTok)

	for k := 1; k <= DefaultMaxRetries; k++ {
		got, err := d.Execute(ctx, r.ID, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrExecution)
		assert.Equal(t, StatusRetry, got.Status, "attempt %d", k)
		assert.Equal(t, k, got.Retries)
	}

	got, err := d.Execute(ctx, r.ID, "")
	assert.ErrorIs(t, err, model.ErrExecution)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, got.ErrorLog, DefaultMaxRetries+1)
	assert.Equal(t, "upload", got.ErrorLog[0].Stage)

	// Failed is sticky.
	retry, err := d.RecordError(ctx, r.ID, errors.New("late"))
	require.NoError(t, err)
	assert.False(t, retry)
	got, err = d.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = d.Execute(ctx, r.ID, "")
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, int32(DefaultMaxRetries+1), ex.calls.Load())

	// RetryFailed resets the budget and keeps the log.
	got, err = d.RetryFailed(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Retries)
	assert.Len(t, got.ErrorLog, DefaultMaxRetries+2)
}

func TestExecuteSuccessAndOverrides(t *testing.T) {
	t.Parallel()
	d, clock := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()
	r := register(t, d, model.PlatformYouTube)

	clock.Advance(time.Minute)
	got, err := d.Execute(ctx, r.ID, "acc-9")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "acc-9", got.AccountID)
	assert.Equal(t, "https://example.test/"+r.ID, got.UploadURL)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0.Add(time.Minute), *got.CompletedAt)

	_, err = d.Execute(ctx, r.ID, "")
	assert.ErrorIs(t, err, model.ErrValidation, "success is not dispatchable")

	_, err = d.Execute(ctx, "missing", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestExecuteWithoutExecutorIsAFailedAttempt(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()
	r := register(t, d, model.PlatformFacebook)

	got, err := d.Execute(ctx, r.ID, "")
	assert.ErrorIs(t, err, model.ErrExecution)
	assert.ErrorIs(t, err, ErrNoExecutor)
	assert.Equal(t, StatusRetry, got.Status)
	assert.Equal(t, 1, got.Retries)
	require.Len(t, got.ErrorLog, 1)
	assert.Contains(t, got.ErrorLog[0].Error, "facebook")
}

// ctxStore fails every call once ctx is done, like the SQL and Redis stores.
type ctxStore struct{ storage.Store }

func (s ctxStore) Get(ctx context.Context, c, id string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.Store.Get(ctx, c, id)
}

func (s ctxStore) Put(ctx context.Context, c, id string, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Put(ctx, c, id, doc)
}

func (s ctxStore) List(ctx context.Context, c string) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.List(ctx, c)
}

func TestExecuteRecordsOutcomeAfterCancellation(t *testing.T) {
	t.Parallel()
	block := ExecutorFunc(func(ctx context.Context, _ Request) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	d := New(ctxStore{storage.NewMemory()}, Options{
		Clock:     model.NewManualClock(t0),
		Executors: map[model.Platform]Executor{model.PlatformTikTok: block},
	})
	r := register(t, d, model.PlatformTikTok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := d.Execute(ctx, r.ID, "")
	assert.ErrorIs(t, err, model.ErrExecution)
	assert.Equal(t, StatusRetry, got.Status)

	got, err = d.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, got.Status)
	assert.Equal(t, 1, got.Retries)
}

func TestReclaimUploading(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()

	stuck := register(t, d, model.PlatformTikTok)
	spent := register(t, d, model.PlatformYouTube)
	waiting := register(t, d, model.PlatformTikTok)
	_, err := d.records.Update(ctx, stuck.ID, func(r *Record) error {
		r.Status = StatusUploading
		return nil
	})
	require.NoError(t, err)
	_, err = d.records.Update(ctx, spent.ID, func(r *Record) error {
		r.Status = StatusUploading
		r.Retries = r.MaxRetries
		return nil
	})
	require.NoError(t, err)

	got, err := d.ReclaimUploading(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]Record{got[0].ID: got[0], got[1].ID: got[1]}
	assert.Equal(t, StatusRetry, byID[stuck.ID].Status)
	assert.Equal(t, StatusFailed, byID[spent.ID].Status)
	assert.Equal(t, ErrInterrupted.Error(), byID[stuck.ID].ErrorLog[0].Error)

	w, err := d.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)
	assert.Empty(t, w.ErrorLog)
}

func TestExecutorPanicIsAFailedAttempt(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, &fakeExecutor{panic: true})
	r := register(t, d, model.PlatformTikTok)

	got, err := d.Execute(context.Background(), r.ID, "")
	assert.ErrorIs(t, err, model.ErrExecution)
	assert.Equal(t, StatusRetry, got.Status)
}

func TestNextOrderingAndCapacityFilter(t *testing.T) {
	t.Parallel()
	d, clock := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()
	d.SetLimits(map[model.Platform]int{model.PlatformTikTok: 1, model.PlatformYouTube: 3})

	first := register(t, d, model.PlatformTikTok)
	clock.Advance(time.Second)
	second := register(t, d, model.PlatformTikTok)
	clock.Advance(time.Second)
	yt := register(t, d, model.PlatformYouTube)

	got, err := d.Next(ctx, model.AnyPlatform())
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = d.Next(ctx, model.OnlyPlatform(model.PlatformYouTube))
	require.NoError(t, err)
	assert.Equal(t, yt.ID, got.ID)

	_, err = d.Execute(ctx, first.ID, "")
	require.NoError(t, err)

	// tiktok is capped now, so youtube is next even though created later.
	got, err = d.NextDispatchable(ctx, model.AnyPlatform(), nil)
	require.NoError(t, err)
	assert.Equal(t, yt.ID, got.ID)

	_, err = d.NextDispatchable(ctx, model.OnlyPlatform(model.PlatformTikTok), nil)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)

	got, err = d.Next(ctx, model.OnlyPlatform(model.PlatformTikTok))
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	_, err = d.Next(ctx, model.OnlyPlatform(model.PlatformFacebook))
	assert.ErrorIs(t, err, model.ErrEmpty)
}

func TestAggregatesAndCleanup(t *testing.T) {
	t.Parallel()
	d, clock := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()

	ok := register(t, d, model.PlatformTikTok)
	_, err := d.Execute(ctx, ok.ID, "")
	require.NoError(t, err)
	pending, err := d.Register(ctx, NewRecord{QueueID: "q2", VideoPath: "/v", Platform: model.PlatformYouTube, AccountID: "acc-2"})
	require.NoError(t, err)

	stats, err := d.StatsByPlatform(ctx)
	require.NoError(t, err)
	assert.Equal(t, PlatformStats{Total: 1, Success: 1}, stats[model.PlatformTikTok])
	assert.Equal(t, PlatformStats{Total: 1, Pending: 1}, stats[model.PlatformYouTube])

	byQueue, err := d.UploadsForQueueItem(ctx, "q2")
	require.NoError(t, err)
	require.Len(t, byQueue, 1)
	assert.Equal(t, pending.ID, byQueue[0].ID)

	byAccount, err := d.UploadsForAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
	assert.Equal(t, ok.ID, byAccount[0].ID)

	clock.Advance(48 * time.Hour)
	n, err := d.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = d.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestNextDispatchableSkipsIneligible(t *testing.T) {
	t.Parallel()
	d, clock := newTestDispatcher(t, &fakeExecutor{})
	ctx := context.Background()

	blocked := register(t, d, model.PlatformTikTok)
	clock.Advance(time.Second)
	yt := register(t, d, model.PlatformYouTube)

	skip := func(r Record) bool { return r.ID != blocked.ID }
	got, err := d.NextDispatchable(ctx, model.AnyPlatform(), skip)
	require.NoError(t, err)
	assert.Equal(t, yt.ID, got.ID)

	none := func(Record) bool { return false }
	_, err = d.NextDispatchable(ctx, model.AnyPlatform(), none)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
}
