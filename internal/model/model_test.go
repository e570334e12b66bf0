package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want error
		kind Kind
	}{
		{NotFound("queue item", "q1"), ErrNotFound, KindNotFound},
		{Empty("nothing pending"), ErrEmpty, KindEmpty},
		{Validation("bad"), ErrValidation, KindValidation},
		{Capacity("full"), ErrCapacityExceeded, KindCapacityExceeded},
		{Execution("upload failed", errors.New("503")), ErrExecution, KindExecution},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, tt.err, tt.want)
			assert.Equal(t, tt.kind, KindOf(tt.err))
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.want)
			assert.Equal(t, tt.kind, KindOf(wrapped))
			for _, other := range []error{ErrNotFound, ErrEmpty, ErrValidation, ErrCapacityExceeded, ErrExecution} {
				if other != tt.want {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
		})
	}
	assert.Equal(t, KindUnknown, KindOf(errors.New("disk full")))
}

func TestErrorMessageAndCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("exit status 3")
	err := Execution("generator failed", cause)
	assert.EqualError(t, err, "generator failed")
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, NotFound("account", "a1"), `account "a1" not found`)
	assert.EqualError(t, &Error{Kind: KindEmpty}, "empty")
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()
	p, err := ParsePlatform(" TikTok ")
	require.NoError(t, err)
	assert.Equal(t, PlatformTikTok, p)

	p, err = ParsePlatform("all")
	require.NoError(t, err)
	assert.Equal(t, PlatformAll, p)

	_, err = ParsePlatform("")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = ParsePlatform("myspace")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlatformFilter(t *testing.T) {
	t.Parallel()
	anyP := AnyPlatform()
	assert.True(t, anyP.IsAny())
	assert.True(t, anyP.Match(PlatformYouTube))
	assert.Equal(t, "any", anyP.String())
	assert.Equal(t, anyP, OnlyPlatform(PlatformAll))

	yt := OnlyPlatform(PlatformYouTube)
	p, specific := yt.Platform()
	assert.True(t, specific)
	assert.Equal(t, PlatformYouTube, p)
	assert.True(t, yt.Match(PlatformYouTube))
	assert.True(t, yt.Match(PlatformAll))
	assert.False(t, yt.Match(PlatformTikTok))
	assert.False(t, yt.MatchExact(PlatformAll))
	assert.True(t, yt.MatchExact(PlatformYouTube))
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Priority{"": PriorityNormal, "HIGH": PriorityHigh, "low": PriorityLow, "normal": PriorityNormal} {
		got, err := ParsePriority(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParsePriority("urgent")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Less(t, PriorityHigh.Weight(), PriorityNormal.Weight())
	assert.Less(t, PriorityNormal.Weight(), PriorityLow.Weight())
}

func TestManualClock(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Hour), c.Advance(time.Hour))
	c.Set(start)
	assert.Equal(t, start, c.Now())
}
