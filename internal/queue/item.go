package queue

import (
	"encoding/json"
	"time"

	"clipflow/internal/model"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusUploaded   Status = "uploaded"
	StatusFailed     Status = "failed"
)

// Item is a unit of production work.
type Item struct {
	ID           string          `json:"queueId"`
	VideoConfig  json.RawMessage `json:"videoConfig"`
	Platform     model.Platform  `json:"platform"`
	ContentType  string          `json:"contentType,omitempty"`
	Priority     model.Priority  `json:"priority"`
	ScheduleTime time.Time       `json:"scheduleTime"`
	AccountIDs   []string        `json:"accountIds,omitempty"`
	OutputPath   string          `json:"outputPath,omitempty"`

	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	UploadedAt   *time.Time `json:"uploadedAt,omitempty"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`

	ErrorCount int                `json:"errorCount"`
	ErrorLog   []model.ErrorEntry `json:"errorLog,omitempty"`
	Retry      int                `json:"retry"`
	MaxRetries int                `json:"maxRetries"`
}

// NewItem is the submitter's view of an Item. Zero values take defaults.
type NewItem struct {
	VideoConfig  json.RawMessage `json:"videoConfig"`
	Platform     string          `json:"platform"`
	ContentType  string          `json:"contentType,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	ScheduleTime *time.Time      `json:"scheduleTime,omitempty"`
	AccountIDs   []string        `json:"accountIds,omitempty"`
	MaxRetries   *int            `json:"maxRetries,omitempty"`
}

// Patch carries optional fields merged by Transition. Nil means unchanged.
type Patch struct {
	OutputPath   *string
	ScheduleTime *time.Time
	AccountIDs   []string
	ContentType  *string
}

// Query filters List. Empty fields match everything.
type Query struct {
	Status   Status
	Platform model.PlatformFilter
	Limit    int
}

// Stats counts items by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Ready      int `json:"ready"`
	Uploaded   int `json:"uploaded"`
	Failed     int `json:"failed"`
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether cleanup may consider the status.
func (s Status) Terminal() bool { return s == StatusUploaded || s == StatusFailed }

func setOnce(dst **time.Time, t time.Time) {
	if *dst == nil {
		v := t
		*dst = &v
	}
}

// before orders items by priority weight, then creation time.
func before(a, b *Item) bool {
	wa, wb := a.Priority.Weight(), b.Priority.Weight()
	if wa != wb {
		return wa < wb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
