package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clipflow/internal/model"
)

// Config controls the scheduler.
type Config struct {
	Timezone    string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	HistorySize int    // executions kept across all jobs; default 500

	// DefaultTimeout bounds a triggered run when the job has no timeout.
	DefaultTimeout time.Duration
}

const DefaultHistorySize = 500

// ErrInvalidCron is the exact message callers see for a bad schedule.
const ErrInvalidCron = "Invalid cron expression"

type JobType string

const (
	JobGenerate JobType = "generate"
	JobUpload   JobType = "upload"
	JobCleanup  JobType = "cleanup"
	JobAnalyze  JobType = "analyze"
)

func (t JobType) Valid() bool {
	switch t {
	case JobGenerate, JobUpload, JobCleanup, JobAnalyze:
		return true
	}
	return false
}

// Job is a named recurring automation bound to a cron schedule.
type Job struct {
	ID          string          `json:"jobId"`
	Name        string          `json:"name"`
	Schedule    string          `json:"schedule"`
	Type        JobType         `json:"jobType"`
	Platform    model.Platform  `json:"platform,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Enabled     bool            `json:"enabled"`
	Config      json.RawMessage `json:"config,omitempty"`
	Timeout     Duration        `json:"timeout,omitempty"`

	LastRun         *time.Time `json:"lastRun,omitempty"`
	NextRun         *time.Time `json:"nextRun,omitempty"`
	TotalRuns       int        `json:"totalRuns"`
	SuccessfulRuns  int        `json:"successfulRuns"`
	FailedRuns      int        `json:"failedRuns"`
	AverageDuration Duration   `json:"averageDuration"`
	LastError       string     `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Definition is the caller's description of a job. A nil Enabled means true.
type Definition struct {
	Name        string          `json:"name"`
	Schedule    string          `json:"schedule"`
	Type        JobType         `json:"jobType"`
	Platform    model.Platform  `json:"platform,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Timeout     time.Duration   `json:"-"`
}

// Result is what a handler reports for one run.
type Result struct {
	Success bool
	Output  string
	Err     error
}

// OK is a successful Result.
func OK(format string, args ...any) Result {
	return Result{Success: true, Output: fmt.Sprintf(format, args...)}
}

// Fail is a failed Result.
func Fail(err error) Result { return Result{Err: err} }

// Handler runs one execution of a job.
type Handler interface {
	Run(ctx context.Context, job Job) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) Result

func (f HandlerFunc) Run(ctx context.Context, job Job) Result { return f(ctx, job) }

// Execution is one history entry, appended when a run completes.
type Execution struct {
	ID         string    `json:"executionId"`
	JobID      string    `json:"jobId"`
	JobName    string    `json:"jobName"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Duration   Duration  `json:"duration"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Duration marshals as a Go duration string ("1.5s").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
