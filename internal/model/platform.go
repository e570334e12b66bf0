package model

import (
	"fmt"
	"strings"
)

// Platform names a publishing destination.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"

	// PlatformAll is only valid as a QueueItem target and fans out to every
	// configured platform.
	PlatformAll Platform = "all"
)

// KnownPlatforms lists the platforms the core knows rate limits for by default.
var KnownPlatforms = []Platform{PlatformTikTok, PlatformYouTube, PlatformFacebook, PlatformInstagram}

// ParsePlatform normalizes raw and checks it against the known set (plus "all").
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if p == "" {
		return "", Validation("platform is required")
	}
	if p == PlatformAll {
		return p, nil
	}
	for _, k := range KnownPlatforms {
		if p == k {
			return p, nil
		}
	}
	return "", Validation(fmt.Sprintf("unknown platform %q", raw))
}

func (p Platform) String() string { return string(p) }

// PlatformFilter selects records by platform. The zero value matches any platform.
//
// Build it with AnyPlatform or OnlyPlatform rather than comparing strings.
type PlatformFilter struct {
	platform Platform
	specific bool
}

// AnyPlatform matches every record.
func AnyPlatform() PlatformFilter { return PlatformFilter{} }

// OnlyPlatform matches records for p. For queue items, an item targeting
// PlatformAll also matches.
func OnlyPlatform(p Platform) PlatformFilter {
	if p == "" || p == PlatformAll {
		return PlatformFilter{}
	}
	return PlatformFilter{platform: p, specific: true}
}

func (f PlatformFilter) IsAny() bool { return !f.specific }

// Platform returns the selected platform and whether the filter is specific.
func (f PlatformFilter) Platform() (Platform, bool) { return f.platform, f.specific }

// Match reports whether a record for p passes the filter. A record targeting
// PlatformAll passes every specific filter.
func (f PlatformFilter) Match(p Platform) bool {
	if !f.specific {
		return true
	}
	return p == f.platform || p == PlatformAll
}

// MatchExact is Match without the PlatformAll wildcard on the record side.
func (f PlatformFilter) MatchExact(p Platform) bool {
	if !f.specific {
		return true
	}
	return p == f.platform
}

func (f PlatformFilter) String() string {
	if !f.specific {
		return "any"
	}
	return string(f.platform)
}
