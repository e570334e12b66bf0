// Package upload tracks upload attempts, enforces per-platform hourly caps
// with a sliding window and owns the retry policy for failed attempts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipflow/internal/eventbus"
	"clipflow/internal/model"
	"clipflow/internal/storage"
	logx "clipflow/pkg/logx"
)

const Collection = "uploads"

// ErrNoExecutor marks an attempt that failed because the platform has no
// executor registered.
var ErrNoExecutor = errors.New("no upload executor")

const (
	DefaultMaxRetries = 3
	DefaultWindow     = time.Hour
)

// DefaultLimits are the hourly caps per platform.
func DefaultLimits() map[model.Platform]int {
	return map[model.Platform]int{
		model.PlatformTikTok:   5,
		model.PlatformYouTube:  3,
		model.PlatformFacebook: 10,
	}
}

type Options struct {
	Limits     map[model.Platform]int
	Window     time.Duration
	MaxRetries int
	Executors  map[model.Platform]Executor
	Clock      model.Clock
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Dispatcher struct {
	records    *storage.Collection[Record]
	clock      model.Clock
	bus        eventbus.Bus
	log        logx.Logger
	window     time.Duration
	maxRetries int

	mu        sync.RWMutex
	limits    map[model.Platform]int
	executors map[model.Platform]Executor
}

func New(store storage.Store, opt Options) *Dispatcher {
	if opt.Clock == nil {
		opt.Clock = model.SystemClock()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Window <= 0 {
		opt.Window = DefaultWindow
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	if opt.Limits == nil {
		opt.Limits = DefaultLimits()
	}
	d := &Dispatcher{
		records:    storage.NewCollection[Record](store, Collection, "upload"),
		clock:      opt.Clock,
		bus:        opt.Bus,
		log:        opt.Log.With(logx.String("comp", "upload")),
		window:     opt.Window,
		maxRetries: opt.MaxRetries,
		limits:     maps.Clone(opt.Limits),
		executors:  map[model.Platform]Executor{},
	}
	maps.Copy(d.executors, opt.Executors)
	return d
}

// SetLimits replaces the hourly caps. Safe to call while dispatching.
func (d *Dispatcher) SetLimits(limits map[model.Platform]int) {
	d.mu.Lock()
	d.limits = maps.Clone(limits)
	d.mu.Unlock()
}

func (d *Dispatcher) Limits() map[model.Platform]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.limits)
}

// SetExecutor registers the executor for platform, replacing any previous one.
func (d *Dispatcher) SetExecutor(platform model.Platform, ex Executor) {
	d.mu.Lock()
	d.executors[platform] = ex
	d.mu.Unlock()
}

// HasExecutor reports whether platform has an executor registered.
func (d *Dispatcher) HasExecutor(platform model.Platform) bool {
	_, ok := d.executor(platform)
	return ok
}

func (d *Dispatcher) executor(platform model.Platform) (Executor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ex, ok := d.executors[platform]
	return ex, ok && ex != nil
}

func (d *Dispatcher) limit(platform model.Platform) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.limits[platform]
}

// Register creates a pending record.
func (d *Dispatcher) Register(ctx context.Context, in NewRecord) (Record, error) {
	if in.Platform == "" || in.Platform == model.PlatformAll {
		return Record{}, model.Validation("upload platform must be a single platform")
	}
	if in.VideoPath == "" {
		return Record{}, model.Validation("videoPath is required")
	}
	now := d.clock.Now()
	r := Record{
		ID:           uuid.NewString(),
		QueueID:      in.QueueID,
		VideoPath:    in.VideoPath,
		Platform:     in.Platform,
		AccountID:    in.AccountID,
		UploadConfig: in.UploadConfig,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		MaxRetries:   d.maxRetries,
	}
	if in.MaxRetries != nil && *in.MaxRetries >= 0 {
		r.MaxRetries = *in.MaxRetries
	}
	if err := d.records.Put(ctx, r.ID, r); err != nil {
		return Record{}, err
	}
	d.publish(eventbus.TypeUploadRegistered, r)
	return r, nil
}

func (d *Dispatcher) Get(ctx context.Context, id string) (Record, error) {
	return d.records.Get(ctx, id)
}

// CanDispatch recomputes the trailing-window usage for platform.
func (d *Dispatcher) CanDispatch(ctx context.Context, platform model.Platform) (Capacity, error) {
	recs, err := d.records.List(ctx)
	if err != nil {
		return Capacity{}, err
	}
	return d.capacity(recs, platform, d.clock.Now()), nil
}

func (d *Dispatcher) capacity(recs []Record, platform model.Platform, now time.Time) Capacity {
	since := now.Add(-d.window)
	var (
		used   int
		oldest *time.Time
	)
	for i := range recs {
		r := &recs[i]
		if r.Platform != platform || r.Status != StatusSuccess || r.CompletedAt == nil {
			continue
		}
		if !r.CompletedAt.After(since) || r.CompletedAt.After(now) {
			continue
		}
		used++
		if oldest == nil || r.CompletedAt.Before(*oldest) {
			oldest = r.CompletedAt
		}
	}

	c := Capacity{Platform: platform, Used: used, Limit: d.limit(platform)}
	if c.Limit <= 0 {
		c.Limit = 0
		c.CanUpload = true
		c.RemainingSlots = -1
		return c
	}
	c.RemainingSlots = max(0, c.Limit-used)
	c.CanUpload = c.RemainingSlots > 0
	if oldest != nil {
		reset := oldest.Add(d.window)
		c.ResetAt = &reset
	}
	return c
}

// Next returns the earliest-created pending or retry record.
func (d *Dispatcher) Next(ctx context.Context, filter model.PlatformFilter) (Record, error) {
	recs, err := d.records.List(ctx)
	if err != nil {
		return Record{}, err
	}
	i, ok := pickNext(recs, filter, nil)
	if !ok {
		return Record{}, model.Empty("no pending uploads")
	}
	return recs[i], nil
}

// NextDispatchable is Next restricted to platforms with spare capacity and,
// when eligible is set, to records eligible accepts. Rejected records are
// skipped, so a blocked record never holds back younger ones. It reports
// CapacityExceeded when records are waiting but none of them can go now.
func (d *Dispatcher) NextDispatchable(ctx context.Context, filter model.PlatformFilter, eligible func(Record) bool) (Record, error) {
	recs, err := d.records.List(ctx)
	if err != nil {
		return Record{}, err
	}
	now := d.clock.Now()
	caps := map[model.Platform]bool{}
	open := func(p model.Platform) bool {
		v, ok := caps[p]
		if !ok {
			v = d.capacity(recs, p, now).CanUpload
			caps[p] = v
		}
		return v
	}

	var cands []int
	for i := range recs {
		r := &recs[i]
		if r.Status.Dispatchable() && filter.MatchExact(r.Platform) && open(r.Platform) {
			cands = append(cands, i)
		}
	}
	sort.SliceStable(cands, func(a, b int) bool { return recs[cands[a]].CreatedAt.Before(recs[cands[b]].CreatedAt) })
	for _, i := range cands {
		if eligible == nil || eligible(recs[i]) {
			return recs[i], nil
		}
	}
	if len(cands) > 0 {
		return Record{}, model.Capacity("no waiting upload can run now")
	}
	if _, waiting := pickNext(recs, filter, nil); waiting {
		return Record{}, model.Capacity("every platform with pending uploads is at its hourly cap")
	}
	return Record{}, model.Empty("no pending uploads")
}

// Execute claims id (pending or retry -> uploading), runs the platform's
// executor and records the outcome. accountID, when set, overrides the
// record's account.
//
// An executor failure is returned as an ExecutionFailure error alongside
// the updated record; the record already reflects the retry decision. A
// platform without an executor is a failed attempt wrapping ErrNoExecutor.
// Outcome writes ignore ctx cancellation so a claimed record never stays
// uploading.
func (d *Dispatcher) Execute(ctx context.Context, id, accountID string) (Record, error) {
	now := d.clock.Now()
	rec, err := d.records.Update(ctx, id, func(r *Record) error {
		if !r.Status.Dispatchable() {
			return model.Validation(fmt.Sprintf("upload %q is %s", id, r.Status))
		}
		r.Status = StatusUploading
		setOnce(&r.StartedAt, now)
		if accountID != "" {
			r.AccountID = accountID
		}
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	var (
		out    Outcome
		runErr error
	)
	start := time.Now()
	if ex, ok := d.executor(rec.Platform); ok {
		out, runErr = d.run(ctx, ex, Request{
			UploadID:  rec.ID,
			QueueID:   rec.QueueID,
			VideoPath: rec.VideoPath,
			Platform:  rec.Platform,
			AccountID: rec.AccountID,
			Config:    rec.UploadConfig,
			Attempt:   rec.Retries + 1,
		})
	} else {
		runErr = fmt.Errorf("%w for platform %q", ErrNoExecutor, rec.Platform)
	}
	took := time.Since(start)

	wctx := context.WithoutCancel(ctx)
	if runErr != nil {
		if _, err := d.RecordError(wctx, id, runErr); err != nil {
			return Record{}, err
		}
		rec, err = d.records.Get(wctx, id)
		if err != nil {
			return Record{}, err
		}
		return rec, model.Execution(fmt.Sprintf("upload to %s failed: %v", rec.Platform, runErr), runErr)
	}

	done := d.clock.Now()
	rec, err = d.records.Update(wctx, id, func(r *Record) error {
		r.Status = StatusSuccess
		setOnce(&r.CompletedAt, done)
		r.UploadURL = out.URL
		r.UpdatedAt = done
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	d.log.Info("upload succeeded",
		logx.String("upload_id", rec.ID),
		logx.String("platform", string(rec.Platform)),
		logx.String("account_id", rec.AccountID),
		logx.Duration("took", took),
	)
	d.publish(eventbus.TypeUploadSucceeded, rec)
	return rec, nil
}

func (d *Dispatcher) run(ctx context.Context, ex Executor, req Request) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("upload executor panic",
				logx.String("upload_id", req.UploadID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.Upload(ctx, req)
}

// RecordError logs a failed attempt. The record moves to retry while
// retries <= maxRetries and to failed after that. failed is sticky.
func (d *Dispatcher) RecordError(ctx context.Context, id string, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := d.clock.Now()
	var retry bool
	rec, err := d.records.Update(ctx, id, func(r *Record) error {
		r.ErrorLog = append(r.ErrorLog, model.ErrorEntry{Stage: "upload", Error: msg, Timestamp: now})
		r.Retries++
		if r.Status != StatusFailed && r.Retries <= r.MaxRetries {
			r.Status = StatusRetry
			retry = true
		} else {
			r.Status = StatusFailed
			setOnce(&r.CompletedAt, now)
		}
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return false, err
	}
	d.log.Warn("upload failed",
		logx.String("upload_id", rec.ID),
		logx.String("platform", string(rec.Platform)),
		logx.Int("retries", rec.Retries),
		logx.Bool("retry", retry),
		logx.String("error", msg),
	)
	d.publish(eventbus.TypeUploadFailed, rec)
	return retry, nil
}

// ErrInterrupted is the cause recorded on attempts found uploading at startup.
var ErrInterrupted = errors.New("upload interrupted before its outcome was recorded")

// ReclaimUploading records a failed attempt on every record left uploading,
// which only happens when the process stopped mid-attempt. Each goes to
// retry or, with its budget spent, to failed.
func (d *Dispatcher) ReclaimUploading(ctx context.Context) ([]Record, error) {
	stale, err := d.List(ctx, Query{Status: StatusUploading})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(stale))
	for _, r := range stale {
		if _, err := d.RecordError(ctx, r.ID, ErrInterrupted); err != nil {
			return out, err
		}
		cur, err := d.records.Get(ctx, r.ID)
		if err != nil {
			return out, err
		}
		out = append(out, cur)
	}
	return out, nil
}

// RetryFailed gives a failed record a fresh retry budget. The error log is
// kept so earlier failures stay visible.
func (d *Dispatcher) RetryFailed(ctx context.Context, id string) (Record, error) {
	now := d.clock.Now()
	return d.records.Update(ctx, id, func(r *Record) error {
		if r.Status != StatusFailed {
			return model.Validation(fmt.Sprintf("upload %q is %s, only failed uploads can be retried", id, r.Status))
		}
		r.Status = StatusPending
		r.Retries = 0
		r.CompletedAt = nil
		r.UpdatedAt = now
		return nil
	})
}

func (d *Dispatcher) List(ctx context.Context, q Query) ([]Record, error) {
	recs, err := d.records.Filter(ctx, func(r *Record) bool {
		switch {
		case q.Status != "" && r.Status != q.Status:
			return false
		case q.QueueID != "" && r.QueueID != q.QueueID:
			return false
		case q.AccountID != "" && r.AccountID != q.AccountID:
			return false
		}
		return q.Platform.MatchExact(r.Platform)
	})
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(recs) > q.Limit {
		recs = recs[:q.Limit]
	}
	return recs, nil
}

func (d *Dispatcher) UploadsForQueueItem(ctx context.Context, queueID string) ([]Record, error) {
	return d.List(ctx, Query{QueueID: queueID})
}

func (d *Dispatcher) UploadsForAccount(ctx context.Context, accountID string) ([]Record, error) {
	return d.List(ctx, Query{AccountID: accountID})
}

func (d *Dispatcher) StatsByPlatform(ctx context.Context) (map[model.Platform]PlatformStats, error) {
	recs, err := d.records.List(ctx)
	if err != nil {
		return nil, err
	}
	out := map[model.Platform]PlatformStats{}
	for _, r := range recs {
		s := out[r.Platform]
		s.Total++
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusUploading:
			s.Uploading++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		case StatusRetry:
			s.Retry++
		}
		out[r.Platform] = s
	}
	return out, nil
}

// CapacityAll reports CanDispatch for every platform with a cap, sorted by name.
func (d *Dispatcher) CapacityAll(ctx context.Context) ([]Capacity, error) {
	recs, err := d.records.List(ctx)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	limits := d.Limits()
	platforms := make([]model.Platform, 0, len(limits))
	for p := range limits {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	out := make([]Capacity, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, d.capacity(recs, p, now))
	}
	return out, nil
}

// Cleanup deletes success and failed records not touched within retention.
func (d *Dispatcher) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := d.clock.Now().Add(-retention)
	n, err := d.records.DeleteWhere(ctx, func(r *Record) bool {
		return r.Status.Terminal() && r.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return n, err
	}
	if n > 0 {
		d.log.Info("upload cleanup", logx.Int("deleted", n), logx.Duration("retention", retention))
	}
	return n, nil
}

func (d *Dispatcher) publish(typ string, r Record) {
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clock.Now(), Data: r})
}

// pickNext returns the earliest-created dispatchable record. open, when set,
// further restricts candidates by platform.
func pickNext(recs []Record, filter model.PlatformFilter, open func(model.Platform) bool) (int, bool) {
	best := -1
	for i := range recs {
		r := &recs[i]
		if !r.Status.Dispatchable() || !filter.MatchExact(r.Platform) {
			continue
		}
		if open != nil && !open(r.Platform) {
			continue
		}
		if best < 0 || r.CreatedAt.Before(recs[best].CreatedAt) {
			best = i
		}
	}
	return best, best >= 0
}
