// Package account scores, rotates and gates posting accounts.
package account

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"clipflow/internal/eventbus"
	"clipflow/internal/model"
	"clipflow/internal/storage"
	logx "clipflow/pkg/logx"
)

const Collection = "accounts"

const (
	DefaultErrorWindow    = time.Hour
	DefaultErrorThreshold = 5
)

type Options struct {
	// Location decides calendar-day boundaries for the daily counter.
	Location       *time.Location
	ErrorWindow    time.Duration
	ErrorThreshold int
	Clock          model.Clock
	Bus            eventbus.Bus
	Log            logx.Logger
}

type Selector struct {
	accounts  *storage.Collection[Account]
	loc       *time.Location
	window    time.Duration
	threshold int
	clock     model.Clock
	bus       eventbus.Bus
	log       logx.Logger
}

func New(store storage.Store, opt Options) *Selector {
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.ErrorWindow <= 0 {
		opt.ErrorWindow = DefaultErrorWindow
	}
	if opt.ErrorThreshold <= 0 {
		opt.ErrorThreshold = DefaultErrorThreshold
	}
	if opt.Clock == nil {
		opt.Clock = model.SystemClock()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Selector{
		accounts:  storage.NewCollection[Account](store, Collection, "account"),
		loc:       opt.Location,
		window:    opt.ErrorWindow,
		threshold: opt.ErrorThreshold,
		clock:     opt.Clock,
		bus:       opt.Bus,
		log:       opt.Log.With(logx.String("comp", "account")),
	}
}

func (s *Selector) Add(ctx context.Context, in NewAccount) (Account, error) {
	if in.Platform == "" || in.Platform == model.PlatformAll {
		return Account{}, model.Validation("account platform must be a single platform")
	}
	if in.DailyUploadLimit < 0 || in.UploadCooldownMinutes < 0 {
		return Account{}, model.Validation("limits must not be negative")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.accounts.Get(ctx, id); err == nil {
		return Account{}, model.Validation(fmt.Sprintf("account %q already exists", id))
	}

	now := s.clock.Now()
	a := Account{
		ID:                    id,
		Platform:              in.Platform,
		Username:              in.Username,
		Active:                in.Active == nil || *in.Active,
		Verified:              in.Verified,
		DailyUploadLimit:      in.DailyUploadLimit,
		UploadCooldownMinutes: in.UploadCooldownMinutes,
		EngagementRate:        in.EngagementRate,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.accounts.Put(ctx, id, a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// Get returns the account with its daily counter normalized.
func (s *Selector) Get(ctx context.Context, id string) (Account, error) {
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return Account{}, err
	}
	s.normalize(&a, s.clock.Now())
	return a, nil
}

func (s *Selector) List(ctx context.Context, q Query) ([]Account, error) {
	now := s.clock.Now()
	out, err := s.accounts.Filter(ctx, func(a *Account) bool {
		if q.ActiveOnly && !a.Active {
			return false
		}
		return q.Platform.MatchExact(a.Platform)
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		s.normalize(&out[i], now)
	}
	return out, nil
}

// Scores ranks active, verified accounts for platform, best first.
func (s *Selector) Scores(ctx context.Context, platform model.Platform) ([]Scored, error) {
	now := s.clock.Now()
	accs, err := s.accounts.Filter(ctx, func(a *Account) bool {
		return a.Platform == platform && a.Active && a.Verified
	})
	if err != nil {
		return nil, err
	}
	out := make([]Scored, 0, len(accs))
	for _, a := range accs {
		s.normalize(&a, now)
		out = append(out, Scored{Account: a, Score: score(a, now)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// BestAccountFor picks the highest-scoring eligible account. Ties go to the
// account registered first.
func (s *Selector) BestAccountFor(ctx context.Context, platform model.Platform) (Account, error) {
	ranked, err := s.Scores(ctx, platform)
	if err != nil {
		return Account{}, err
	}
	if len(ranked) == 0 {
		return Account{}, model.Empty(fmt.Sprintf("no eligible %s account", platform))
	}
	return ranked[0].Account, nil
}

// Rotation returns up to count active accounts for platform, least recently
// used first. Accounts that never posted come before all others. count <= 0
// returns all of them.
func (s *Selector) Rotation(ctx context.Context, platform model.Platform, count int) ([]Account, error) {
	accs, err := s.List(ctx, Query{Platform: model.OnlyPlatform(platform), ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(accs, func(i, j int) bool {
		a, b := accs[i].LastUploadTime, accs[j].LastUploadTime
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	if count > 0 && len(accs) > count {
		accs = accs[:count]
	}
	return accs, nil
}

// CanUploadNow applies the gates in order: inactive, unverified, daily
// limit, cooldown. A closed gate is a CapacityExceeded error naming it.
func (s *Selector) CanUploadNow(ctx context.Context, id string) (Quota, error) {
	a, err := s.accounts.Get(ctx, id)
	if err != nil {
		return Quota{}, err
	}
	now := s.clock.Now()
	s.normalize(&a, now)

	switch {
	case !a.Active:
		return Quota{}, model.Capacity(fmt.Sprintf("account %q is inactive", id))
	case !a.Verified:
		return Quota{}, model.Capacity(fmt.Sprintf("account %q is not verified", id))
	case a.DailyUploadLimit > 0 && a.UploadedToday >= a.DailyUploadLimit:
		return Quota{}, model.Capacity(fmt.Sprintf("account %q reached its daily upload limit (%d/%d)", id, a.UploadedToday, a.DailyUploadLimit))
	}
	if a.LastUploadTime != nil && a.UploadCooldownMinutes > 0 {
		since := now.Sub(*a.LastUploadTime)
		cooldown := time.Duration(a.UploadCooldownMinutes) * time.Minute
		if since < cooldown {
			left := (cooldown - since).Round(time.Second)
			return Quota{}, model.Capacity(fmt.Sprintf("account %q is cooling down (%s left)", id, left))
		}
	}

	q := Quota{AccountID: a.ID, UploadedToday: a.UploadedToday, Limit: a.DailyUploadLimit, Remaining: -1}
	if a.DailyUploadLimit > 0 {
		q.Remaining = a.DailyUploadLimit - a.UploadedToday
	}
	return q, nil
}

// RecordPost counts a successful upload and folds in engagement.
func (s *Selector) RecordPost(ctx context.Context, id string, stats PostStats) (Account, error) {
	now := s.clock.Now()
	return s.accounts.Update(ctx, id, func(a *Account) error {
		s.normalize(a, now)
		a.PostsCount++
		a.UploadedToday++
		t := now
		a.LastUploadTime = &t
		if stats.EngagementRate != nil {
			n := float64(a.PostsCount)
			a.EngagementRate = (a.EngagementRate*(n-1) + *stats.EngagementRate) / n
		}
		a.UpdatedAt = now
		return nil
	})
}

// RecordError notes a failure against id. More than the threshold of errors
// inside the trailing window deactivates the account; the return value
// reports whether this call did so.
func (s *Selector) RecordError(ctx context.Context, id string, cause error) (bool, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := s.clock.Now()
	since := now.Add(-s.window)
	var deactivated bool
	a, err := s.accounts.Update(ctx, id, func(a *Account) error {
		a.LastError = msg
		kept := a.RecentErrors[:0]
		for _, e := range a.RecentErrors {
			if e.Timestamp.After(since) {
				kept = append(kept, e)
			}
		}
		a.RecentErrors = append(kept, model.ErrorEntry{Stage: "upload", Error: msg, Timestamp: now})
		if a.Active && len(a.RecentErrors) > s.threshold {
			a.Active = false
			deactivated = true
		}
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return false, err
	}
	if deactivated {
		s.log.Warn("account deactivated after repeated errors",
			logx.String("account_id", id),
			logx.String("platform", string(a.Platform)),
			logx.Int("errors", len(a.RecentErrors)),
			logx.Duration("window", s.window),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAccountDeactivated, Time: now, Data: a})
	}
	return deactivated, nil
}

// SetActive toggles an account. Reactivating clears the recent error log so
// the account is not immediately deactivated again.
func (s *Selector) SetActive(ctx context.Context, id string, active bool) (Account, error) {
	now := s.clock.Now()
	return s.accounts.Update(ctx, id, func(a *Account) error {
		if active && !a.Active {
			a.RecentErrors = nil
		}
		a.Active = active
		a.UpdatedAt = now
		return nil
	})
}

func (s *Selector) SetVerified(ctx context.Context, id string, verified bool) (Account, error) {
	now := s.clock.Now()
	return s.accounts.Update(ctx, id, func(a *Account) error {
		a.Verified = verified
		a.UpdatedAt = now
		return nil
	})
}

func (s *Selector) Delete(ctx context.Context, id string) error {
	return s.accounts.Delete(ctx, id)
}

// normalize zeroes UploadedToday when the last upload was on another day.
func (s *Selector) normalize(a *Account, now time.Time) {
	if a.LastUploadTime == nil || !sameDay(a.LastUploadTime.In(s.loc), now.In(s.loc)) {
		a.UploadedToday = 0
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// score = 100 - usage*50 - recency penalty + engagement/10.
func score(a Account, now time.Time) float64 {
	var usage float64
	if a.DailyUploadLimit > 0 {
		usage = float64(a.UploadedToday) / float64(a.DailyUploadLimit)
	}
	var recency float64
	if a.LastUploadTime != nil {
		mins := now.Sub(*a.LastUploadTime).Minutes()
		recency = max(0, 50-mins)
	}
	return 100 - usage*50 - recency + a.EngagementRate/10
}
