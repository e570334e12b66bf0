package account

import (
	"time"

	"clipflow/internal/model"
)

// Account is a postable identity on one platform.
//
// UploadedToday is only meaningful while LastUploadTime falls on today's
// calendar day; readers go through normalize.
type Account struct {
	ID                    string             `json:"accountId"`
	Platform              model.Platform     `json:"platform"`
	Username              string             `json:"username,omitempty"`
	Active                bool               `json:"active"`
	Verified              bool               `json:"verified"`
	DailyUploadLimit      int                `json:"dailyUploadLimit"`
	UploadCooldownMinutes int                `json:"uploadCooldownMinutes"`
	UploadedToday         int                `json:"uploadedToday"`
	LastUploadTime        *time.Time         `json:"lastUploadTime,omitempty"`
	PostsCount            int                `json:"postsCount"`
	EngagementRate        float64            `json:"engagementRate"`
	LastError             string             `json:"lastError,omitempty"`
	RecentErrors          []model.ErrorEntry `json:"recentErrors,omitempty"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

type NewAccount struct {
	ID                    string         `json:"accountId,omitempty"`
	Platform              model.Platform `json:"platform"`
	Username              string         `json:"username,omitempty"`
	Active                *bool          `json:"active,omitempty"`
	Verified              bool           `json:"verified"`
	DailyUploadLimit      int            `json:"dailyUploadLimit"`
	UploadCooldownMinutes int            `json:"uploadCooldownMinutes"`
	EngagementRate        float64        `json:"engagementRate,omitempty"`
}

// Scored is an eligible account with its selection score.
type Scored struct {
	Account Account `json:"account"`
	Score   float64 `json:"score"`
}

// Quota is the successful result of CanUploadNow. Remaining is -1 when the
// account has no daily limit.
type Quota struct {
	AccountID     string `json:"accountId"`
	UploadedToday int    `json:"uploadedToday"`
	Limit         int    `json:"dailyUploadLimit"`
	Remaining     int    `json:"remaining"`
}

// PostStats feeds RecordPost. A nil EngagementRate leaves the mean alone.
type PostStats struct {
	EngagementRate *float64 `json:"engagementRate,omitempty"`
}

type Query struct {
	Platform   model.PlatformFilter
	ActiveOnly bool
}
