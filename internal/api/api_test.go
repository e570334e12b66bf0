package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/account"
	"clipflow/internal/collab"
	"clipflow/internal/model"
	"clipflow/internal/orchestrator"
	"clipflow/internal/queue"
	"clipflow/internal/runtime/supervisor"
	"clipflow/internal/storage"
	"clipflow/internal/task/engine"
	"clipflow/internal/task/scheduler"
	"clipflow/internal/upload"
	logx "clipflow/pkg/logx"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type inlineRunner struct{}

func (inlineRunner) Enqueue(t engine.Task) error { return t.Run(context.Background()) }

func newService(t *testing.T) (*Service, *model.ManualClock) {
	t.Helper()
	clock := model.NewManualClock(t0)
	store := storage.NewMemory()
	ex := upload.ExecutorFunc(func(_ context.Context, req upload.Request) (upload.Outcome, error) {
		return upload.Outcome{URL: "https://" + string(req.Platform) + ".test/" + req.UploadID}, nil
	})
	gen := collab.GeneratorFunc(func(_ context.Context, req collab.GenerateRequest) (collab.GenerateResult, error) {
		return collab.GenerateResult{OutputPath: "/out/" + req.QueueID + ".mp4"}, nil
	})

	q := queue.New(store, queue.Options{Clock: clock})
	u := upload.New(store, upload.Options{Clock: clock, Executors: map[model.Platform]upload.Executor{
		model.PlatformTikTok: ex,
	}})
	a := account.New(store, account.Options{Clock: clock, Location: time.UTC})
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, inlineRunner{}, store, scheduler.Options{Clock: clock})
	orch := orchestrator.New(q, u, a, gen, orchestrator.Options{Clock: clock})
	return New(Deps{Queue: q, Uploads: u, Accounts: a, Scheduler: sched, Orchestrator: orch}), clock
}

func marshal(t *testing.T, e Envelope) string {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return string(b)
}

func TestEnvelopeJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Envelope
		want string
	}{
		{"ok with map", OK(map[string]any{"count": 2}), `{"success":true,"count":2}`},
		{"ok spreads struct", OK(struct {
			CanUpload bool `json:"canUpload"`
			Remaining int  `json:"remainingSlots"`
		}{true, 3}), `{"success":true,"canUpload":true,"remainingSlots":3}`},
		{"ok without payload", OK(nil), `{"success":true}`},
		{"failure", Fail(errors.New("boom")), `{"success":false,"error":"boom"}`},
		{"failure drops payload", Envelope{Error: "x", Payload: map[string]any{"a": 1}}, `{"success":false,"error":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.JSONEq(t, tt.want, marshal(t, tt.in))
		})
	}
}

func TestEnvelopeRejectsNonObjectPayload(t *testing.T) {
	t.Parallel()
	_, err := json.Marshal(OK([]int{1, 2}))
	require.Error(t, err)
}

func TestEnvelopeUnmarshal(t *testing.T) {
	t.Parallel()
	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"success":false,"error":"nope"}`), &e))
	assert.False(t, e.Success)
	assert.EqualError(t, e.Err(), "nope")
	assert.Nil(t, e.Payload)

	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"count":1}`), &e))
	assert.True(t, e.Success)
	assert.NoError(t, e.Err())
	assert.JSONEq(t, `{"success":true,"count":1}`, marshal(t, e))
}

func TestCreateJobInvalidCron(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	env := s.CreateJob(ctx, scheduler.Definition{Name: "bad", Schedule: "61 * * * *", Type: scheduler.JobGenerate})
	assert.JSONEq(t, `{"success":false,"error":"Invalid cron expression"}`, marshal(t, env))

	list := s.ListJobs(ctx)
	require.True(t, list.Success)
	assert.Equal(t, 0, list.Payload.(map[string]any)["count"])
}

func TestEnqueueValidationIsAValue(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)

	env := s.Enqueue(context.Background(), queue.NewItem{Platform: "tiktok"})
	assert.JSONEq(t, `{"success":false,"error":"videoConfig is required"}`, marshal(t, env))

	env = s.ListQueue(context.Background(), QueueQuery{Platform: "myspace"})
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "unknown platform")
}

func TestCanDispatchSpreadsCapacity(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)

	env := s.CanDispatch(context.Background(), "tiktok")
	require.True(t, env.Success)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(marshal(t, env)), &got))
	assert.Equal(t, true, got["success"])
	assert.Equal(t, true, got["canUpload"])
	assert.Equal(t, float64(5), got["remainingSlots"])
	assert.Equal(t, "tiktok", got["platform"])

	env = s.CanDispatch(context.Background(), "all")
	assert.False(t, env.Success)
}

func TestPipelineThroughEnvelopes(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	acc := s.AddAccount(ctx, account.NewAccount{ID: "tt-1", Platform: model.PlatformTikTok, Verified: true, DailyUploadLimit: 5})
	require.True(t, acc.Success, acc.Error)

	env := s.Enqueue(ctx, queue.NewItem{VideoConfig: json.RawMessage(`{"prompt":"cat"}`), Platform: "tiktok"})
	require.True(t, env.Success, env.Error)
	id := env.Payload.(map[string]any)["item"].(queue.Item).ID

	env = s.ProcessNext(ctx)
	require.True(t, env.Success, env.Error)
	assert.Equal(t, queue.StatusReady, env.Payload.(map[string]any)["item"].(queue.Item).Status)

	env = s.UploadNext(ctx)
	require.True(t, env.Success, env.Error)
	rec := env.Payload.(map[string]any)["upload"].(upload.Record)
	assert.Equal(t, upload.StatusSuccess, rec.Status)
	assert.Equal(t, "tt-1", rec.AccountID)

	env = s.QueueItem(ctx, id)
	require.True(t, env.Success)
	assert.Equal(t, queue.StatusUploaded, env.Payload.(map[string]any)["item"].(queue.Item).Status)

	env = s.UploadNext(ctx)
	assert.False(t, env.Success)

	env = s.Stats(ctx)
	require.True(t, env.Success, env.Error)
	st := env.Payload.(Stats)
	assert.Equal(t, 1, st.Queue.Uploaded)
	assert.Equal(t, 1, st.Uploads[model.PlatformTikTok].Success)
}

func TestRunJobInline(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	env := s.Enqueue(ctx, queue.NewItem{VideoConfig: json.RawMessage(`{"prompt":"dog"}`), Platform: "tiktok"})
	require.True(t, env.Success, env.Error)

	env = s.CreateJob(ctx, scheduler.Definition{Name: orchestrator.JobGenerate, Schedule: "*/5 * * * *", Type: scheduler.JobGenerate})
	require.True(t, env.Success, env.Error)
	job := env.Payload.(map[string]any)["job"].(scheduler.Job)

	env = s.RunJob(ctx, job.ID, true)
	require.True(t, env.Success, env.Error)
	ex := env.Payload.(map[string]any)["execution"].(scheduler.Execution)
	assert.True(t, ex.Success)
	assert.Equal(t, "generated 1/1", ex.Output)

	env = s.JobHistory(ctx, job.ID, 0)
	require.True(t, env.Success)
	assert.Equal(t, 1, env.Payload.(map[string]any)["count"])

	env = s.CreateJob(ctx, scheduler.Definition{Name: "insights", Schedule: "@daily", Type: scheduler.JobAnalyze})
	require.True(t, env.Success, env.Error)
	analyze := env.Payload.(map[string]any)["job"].(scheduler.Job)
	env = s.RunJob(ctx, analyze.ID, true)
	assert.JSONEq(t, `{"success":false,"error":"job has no handler"}`, marshal(t, env))
}

func TestNotFoundIsAValue(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	env := s.Job(context.Background(), "missing")
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "not found")
}

func TestQueueLifecycleThroughEnvelopes(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	env := s.Enqueue(ctx, queue.NewItem{VideoConfig: json.RawMessage(`{"prompt":"owl"}`), Platform: "youtube"})
	require.True(t, env.Success, env.Error)
	id := env.Payload.(map[string]any)["item"].(queue.Item).ID

	env = s.NextReady(ctx, "")
	assert.False(t, env.Success)
	env = s.NextReady(ctx, "myspace")
	assert.Contains(t, env.Error, "unknown platform")

	env = s.TransitionItem(ctx, id, "processing", queue.Patch{})
	require.True(t, env.Success, env.Error)
	assert.Equal(t, queue.StatusProcessing, env.Payload.(map[string]any)["item"].(queue.Item).Status)

	env = s.RecordItemError(ctx, id, "renderer crashed", "generate")
	require.True(t, env.Success, env.Error)
	p := env.Payload.(map[string]any)
	assert.Equal(t, true, p["retry"])
	it := p["item"].(queue.Item)
	assert.Equal(t, queue.StatusPending, it.Status)
	assert.Equal(t, 1, it.ErrorCount)
	assert.Equal(t, "renderer crashed", it.ErrorLog[0].Error)

	out := "/out/owl.mp4"
	require.True(t, s.TransitionItem(ctx, id, "processing", queue.Patch{}).Success)
	env = s.TransitionItem(ctx, id, "ready", queue.Patch{OutputPath: &out})
	require.True(t, env.Success, env.Error)
	assert.Equal(t, out, env.Payload.(map[string]any)["item"].(queue.Item).OutputPath)

	env = s.NextReady(ctx, "youtube")
	require.True(t, env.Success, env.Error)
	assert.Equal(t, id, env.Payload.(map[string]any)["item"].(queue.Item).ID)

	env = s.TransitionItem(ctx, id, "failed", queue.Patch{})
	assert.False(t, env.Success)
	env = s.TransitionItem(ctx, id, "sideways", queue.Patch{})
	assert.Contains(t, env.Error, "unknown status")

	env = s.RecordItemError(ctx, "missing", "x", "generate")
	assert.Contains(t, env.Error, "not found")
}

func TestUploadAttemptsThroughEnvelopes(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	reg := func(p model.Platform) upload.Record {
		env := s.RegisterUpload(ctx, upload.NewRecord{QueueID: "q1", VideoPath: "/out/v.mp4", Platform: p})
		require.True(t, env.Success, env.Error)
		return env.Payload.(map[string]any)["upload"].(upload.Record)
	}
	tt := reg(model.PlatformTikTok)
	fb := reg(model.PlatformFacebook)

	env := s.NextUpload(ctx, "tiktok")
	require.True(t, env.Success, env.Error)
	assert.Equal(t, tt.ID, env.Payload.(map[string]any)["upload"].(upload.Record).ID)
	env = s.NextUpload(ctx, "instagram")
	assert.False(t, env.Success)

	env = s.ExecuteUpload(ctx, tt.ID, "tt-9")
	require.True(t, env.Success, env.Error)
	rec := env.Payload.(map[string]any)["upload"].(upload.Record)
	assert.Equal(t, upload.StatusSuccess, rec.Status)
	assert.Equal(t, "tt-9", rec.AccountID)

	// No uploader is wired for facebook, so the attempt fails.
	env = s.ExecuteUpload(ctx, fb.ID, "")
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "no upload executor")

	env = s.RecordUploadError(ctx, fb.ID, "quota exceeded")
	require.True(t, env.Success, env.Error)
	p := env.Payload.(map[string]any)
	assert.Equal(t, true, p["retry"])
	rec = p["upload"].(upload.Record)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, upload.StatusRetry, rec.Status)
}

func TestRecordAccountError(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	require.True(t, s.AddAccount(ctx, account.NewAccount{ID: "tt-1", Platform: model.PlatformTikTok, Verified: true}).Success)

	env := s.RecordAccountError(ctx, "tt-1", "login expired")
	require.True(t, env.Success, env.Error)
	p := env.Payload.(map[string]any)
	assert.Equal(t, false, p["deactivated"])
	a := p["account"].(account.Account)
	assert.Equal(t, "login expired", a.LastError)
	assert.Len(t, a.RecentErrors, 1)

	env = s.RecordAccountError(ctx, "nobody", "x")
	assert.Contains(t, env.Error, "not found")
}

func TestStatsIncludesWorkersAndRuntime(t *testing.T) {
	t.Parallel()
	s, _ := newService(t)
	ctx := context.Background()

	env := s.Stats(ctx)
	require.True(t, env.Success, env.Error)
	st := env.Payload.(Stats)
	assert.Nil(t, st.Engine)
	assert.Nil(t, st.Runtime)

	s.engine = engine.New(engine.Config{Workers: 3, QueueSize: 8}, logx.Nop())
	sup := supervisor.NewSupervisor(ctx)
	sup.Go("ticker", func(c context.Context) error {
		<-c.Done()
		return nil
	})
	defer func() { _ = sup.Stop(ctx) }()
	s.SetRuntime(sup)

	require.Eventually(t, func() bool {
		st := s.Stats(ctx).Payload.(Stats)
		return st.Runtime != nil && len(st.Runtime.Goroutines) == 1 && st.Runtime.Goroutines[0].Name == "ticker"
	}, 2*time.Second, 10*time.Millisecond)
	st = s.Stats(ctx).Payload.(Stats)
	require.NotNil(t, st.Engine)
	assert.Equal(t, 3, st.Engine.Workers)
}
