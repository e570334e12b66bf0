package upload

import (
	"encoding/json"
	"time"

	"clipflow/internal/model"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusRetry     Status = "retry"
)

// Dispatchable reports whether Next may hand the record out.
func (s Status) Dispatchable() bool { return s == StatusPending || s == StatusRetry }

// Terminal reports whether no further attempt will be made.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Record is one attempt to publish a queue item's output to one platform
// through one account. QueueID is a weak reference.
type Record struct {
	ID           string          `json:"uploadId"`
	QueueID      string          `json:"queueId"`
	VideoPath    string          `json:"videoPath"`
	Platform     model.Platform  `json:"platform"`
	AccountID    string          `json:"accountId,omitempty"`
	UploadConfig json.RawMessage `json:"uploadConfig,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Retries    int                `json:"retries"`
	MaxRetries int                `json:"maxRetries"`
	ErrorLog   []model.ErrorEntry `json:"errorLog,omitempty"`
	UploadURL  string             `json:"uploadUrl,omitempty"`
}

type NewRecord struct {
	QueueID      string          `json:"queueId"`
	VideoPath    string          `json:"videoPath"`
	Platform     model.Platform  `json:"platform"`
	AccountID    string          `json:"accountId,omitempty"`
	UploadConfig json.RawMessage `json:"uploadConfig,omitempty"`
	MaxRetries   *int            `json:"maxRetries,omitempty"`
}

// Capacity is the sliding-window view of one platform's hourly cap.
// Limit 0 means the platform has no cap.
type Capacity struct {
	Platform       model.Platform `json:"platform"`
	CanUpload      bool           `json:"canUpload"`
	Used           int            `json:"used"`
	Limit          int            `json:"limit"`
	RemainingSlots int            `json:"remainingSlots"`
	ResetAt        *time.Time     `json:"resetAt,omitempty"`
}

type PlatformStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Retry     int `json:"retry"`
}

type Query struct {
	Status    Status
	Platform  model.PlatformFilter
	QueueID   string
	AccountID string
	Limit     int
}

func setOnce(dst **time.Time, t time.Time) {
	if *dst == nil {
		v := t
		*dst = &v
	}
}
