package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipflow/internal/model"
	"clipflow/internal/storage"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestSelector(t *testing.T) (*Selector, *model.ManualClock) {
	t.Helper()
	clock := model.NewManualClock(t0)
	return New(storage.NewMemory(), Options{Clock: clock, Location: time.UTC}), clock
}

func add(t *testing.T, s *Selector, id string, p model.Platform, limit, cooldown int) Account {
	t.Helper()
	a, err := s.Add(context.Background(), NewAccount{
		ID: id, Platform: p, Verified: true,
		DailyUploadLimit: limit, UploadCooldownMinutes: cooldown,
	})
	require.NoError(t, err)
	return a
}

// seed writes a with bookkeeping already filled in.
func seed(t *testing.T, s *Selector, a Account) {
	t.Helper()
	require.NoError(t, s.accounts.Put(context.Background(), a.ID, a))
}

func ptr[T any](v T) *T { return &v }

func TestCanUploadNowCitesDailyLimitBeforeCooldown(t *testing.T) {
	t.Parallel()
	s, _ := newTestSelector(t)
	a := add(t, s, "acc-1", model.PlatformTikTok, 1, 60)
	a.UploadedToday = 1
	a.LastUploadTime = ptr(t0)
	seed(t, s, a)

	_, err := s.CanUploadNow(context.Background(), "acc-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)
	assert.Contains(t, err.Error(), "daily upload limit")
	assert.NotContains(t, err.Error(), "cooling down")
}

func TestCanUploadNowGates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(a *Account)
		wantErr string
		remain  int
	}{
		{name: "inactive", mutate: func(a *Account) { a.Active = false; a.Verified = false }, wantErr: "inactive"},
		{name: "unverified", mutate: func(a *Account) { a.Verified = false }, wantErr: "not verified"},
		{name: "cooldown", mutate: func(a *Account) { a.LastUploadTime = ptr(t0.Add(-10 * time.Minute)); a.UploadedToday = 1 }, wantErr: "cooling down"},
		{name: "open", mutate: func(a *Account) { a.LastUploadTime = ptr(t0.Add(-2 * time.Hour)); a.UploadedToday = 1 }, remain: 2},
		{name: "unlimited", mutate: func(a *Account) { a.DailyUploadLimit = 0 }, remain: -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSelector(t)
			a := add(t, s, "acc", model.PlatformTikTok, 3, 30)
			tc.mutate(&a)
			seed(t, s, a)

			q, err := s.CanUploadNow(ctx, "acc")
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrCapacityExceeded)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.remain, q.Remaining)
		})
	}

	s, _ := newTestSelector(t)
	_, err := s.CanUploadNow(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDayRolloverNormalizesBeforeAnyPost(t *testing.T) {
	t.Parallel()
	s, clock := newTestSelector(t)
	a := add(t, s, "acc", model.PlatformYouTube, 3, 0)
	a.UploadedToday = 3
	a.LastUploadTime = ptr(t0.Add(-2 * time.Hour))
	seed(t, s, a)

	_, err := s.CanUploadNow(context.Background(), "acc")
	assert.ErrorIs(t, err, model.ErrCapacityExceeded)

	clock.Set(time.Date(2026, 3, 11, 0, 5, 0, 0, time.UTC))
	q, err := s.CanUploadNow(context.Background(), "acc")
	require.NoError(t, err)
	assert.Equal(t, 0, q.UploadedToday)
	assert.Equal(t, 3, q.Remaining)

	got, err := s.RecordPost(context.Background(), "acc", PostStats{})
	require.NoError(t, err)
	assert.Equal(t, 1, got.UploadedToday, "reset then increment")
}

func TestBestAccountForScoring(t *testing.T) {
	t.Parallel()
	s, _ := newTestSelector(t)
	ctx := context.Background()

	// busy: half its quota used, posted 10 minutes ago.
	busy := add(t, s, "busy", model.PlatformTikTok, 4, 0)
	busy.UploadedToday = 2
	busy.LastUploadTime = ptr(t0.Add(-10 * time.Minute))
	seed(t, s, busy)

	// rested: posted yesterday, so its counter is stale.
	rested := add(t, s, "rested", model.PlatformTikTok, 4, 0)
	rested.UploadedToday = 4
	rested.LastUploadTime = ptr(t0.Add(-24 * time.Hour))
	seed(t, s, rested)

	// popular: never posted but high engagement.
	popular := add(t, s, "popular", model.PlatformTikTok, 4, 0)
	popular.EngagementRate = 30
	seed(t, s, popular)

	off := add(t, s, "off", model.PlatformTikTok, 4, 0)
	off.Active = false
	off.EngagementRate = 1000
	seed(t, s, off)

	add(t, s, "yt", model.PlatformYouTube, 4, 0)

	ranked, err := s.Scores(ctx, model.PlatformTikTok)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "popular", ranked[0].Account.ID)
	assert.InDelta(t, 103.0, ranked[0].Score, 1e-9)
	assert.Equal(t, "rested", ranked[1].Account.ID)
	assert.InDelta(t, 100.0, ranked[1].Score, 1e-9)
	assert.Equal(t, "busy", ranked[2].Account.ID)
	assert.InDelta(t, 100-25-40, ranked[2].Score, 1e-9)

	best, err := s.BestAccountFor(ctx, model.PlatformTikTok)
	require.NoError(t, err)
	assert.Equal(t, "popular", best.ID)

	_, err = s.BestAccountFor(ctx, model.PlatformFacebook)
	assert.ErrorIs(t, err, model.ErrEmpty)
}

func TestRotationLeastRecentlyUsedFirst(t *testing.T) {
	t.Parallel()
	s, _ := newTestSelector(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id  string
		ago time.Duration
	}{{"a", time.Minute}, {"b", time.Hour}, {"c", 0}, {"d", 3 * time.Hour}} {
		a := add(t, s, tc.id, model.PlatformFacebook, 10, 0)
		if tc.ago > 0 {
			a.LastUploadTime = ptr(t0.Add(-tc.ago))
		}
		seed(t, s, a)
	}

	got, err := s.Rotation(ctx, model.PlatformFacebook, 3)
	require.NoError(t, err)
	ids := []string{}
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"c", "d", "b"}, ids)
}

func TestRecordPostRunningMean(t *testing.T) {
	t.Parallel()
	s, clock := newTestSelector(t)
	ctx := context.Background()
	add(t, s, "acc", model.PlatformTikTok, 10, 0)

	_, err := s.RecordPost(ctx, "acc", PostStats{EngagementRate: ptr(4.0)})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	got, err := s.RecordPost(ctx, "acc", PostStats{EngagementRate: ptr(8.0)})
	require.NoError(t, err)

	assert.Equal(t, 2, got.PostsCount)
	assert.Equal(t, 2, got.UploadedToday)
	assert.InDelta(t, 6.0, got.EngagementRate, 1e-9)
	require.NotNil(t, got.LastUploadTime)
	assert.Equal(t, t0.Add(time.Minute), *got.LastUploadTime)
}

func TestRecordErrorDeactivatesAfterBurst(t *testing.T) {
	t.Parallel()
	s, clock := newTestSelector(t)
	ctx := context.Background()
	add(t, s, "acc", model.PlatformTikTok, 10, 0)

	// Errors spaced out beyond the window never accumulate.
	for range 10 {
		off, err := s.RecordError(ctx, "acc", errors.New("captcha"))
		require.NoError(t, err)
		assert.False(t, off)
		clock.Advance(61 * time.Minute)
	}

	for i := 1; i <= 5; i++ {
		off, err := s.RecordError(ctx, "acc", errors.New("captcha"))
		require.NoError(t, err)
		assert.False(t, off, "error %d", i)
		clock.Advance(time.Minute)
	}
	off, err := s.RecordError(ctx, "acc", errors.New("banned"))
	require.NoError(t, err)
	assert.True(t, off)

	a, err := s.Get(ctx, "acc")
	require.NoError(t, err)
	assert.False(t, a.Active)
	assert.Equal(t, "banned", a.LastError)

	_, err = s.BestAccountFor(ctx, model.PlatformTikTok)
	assert.ErrorIs(t, err, model.ErrEmpty)

	a, err = s.SetActive(ctx, "acc", true)
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.Empty(t, a.RecentErrors)
}

func TestAddRejectsDuplicatesAndBadPlatform(t *testing.T) {
	t.Parallel()
	s, _ := newTestSelector(t)
	ctx := context.Background()
	add(t, s, "acc", model.PlatformTikTok, 1, 0)

	_, err := s.Add(ctx, NewAccount{ID: "acc", Platform: model.PlatformTikTok})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = s.Add(ctx, NewAccount{Platform: model.PlatformAll})
	assert.ErrorIs(t, err, model.ErrValidation)

	require.NoError(t, s.Delete(ctx, "acc"))
	assert.ErrorIs(t, s.Delete(ctx, "acc"), model.ErrNotFound)
}
