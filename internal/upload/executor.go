package upload

import (
	"context"
	"encoding/json"

	"clipflow/internal/model"
)

// Request is what an Executor receives for one attempt.
type Request struct {
	UploadID  string          `json:"uploadId"`
	QueueID   string          `json:"queueId"`
	VideoPath string          `json:"videoPath"`
	Platform  model.Platform  `json:"platform"`
	AccountID string          `json:"accountId"`
	Config    json.RawMessage `json:"uploadConfig,omitempty"`
	Attempt   int             `json:"attempt"`
}

// Outcome is a successful attempt.
type Outcome struct {
	URL string `json:"uploadUrl"`
}

// Executor performs the actual publish for one platform. A non-nil error is
// a failed attempt; retry policy stays with the Dispatcher.
type Executor interface {
	Upload(ctx context.Context, req Request) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Outcome, error)

func (f ExecutorFunc) Upload(ctx context.Context, req Request) (Outcome, error) { return f(ctx, req) }
