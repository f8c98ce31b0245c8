package quota

import "strings"

// Tier is a subscription plan identifier.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierCreator Tier = "CREATOR"
	TierPro     Tier = "PRO"
)

// Resolution is an output quality tier for rendered clips.
type Resolution string

const (
	Resolution720p  Resolution = "720p"
	Resolution1080p Resolution = "1080p"
	Resolution4K    Resolution = "4K"
)

// Dimensions returns the vertical (9:16) pixel size for the resolution tier.
// Unknown values fall back to 720p.
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Resolution1080p:
		return 1080, 1920
	case Resolution4K:
		return 2160, 3840
	default:
		return 720, 1280
	}
}

// PlanPolicy is what a tier allows. It is derived, never stored.
type PlanPolicy struct {
	Tier           Tier       `json:"tier"`
	Name           string     `json:"name"`
	MinutesLimit   int        `json:"minutes_limit"`
	MaxClipSeconds float64    `json:"max_clip_seconds"`
	Watermark      bool       `json:"watermark"`
	Resolution     Resolution `json:"resolution"`
}

var plans = map[Tier]PlanPolicy{
	TierFree: {
		Tier:           TierFree,
		Name:           "Free",
		MinutesLimit:   5,
		MaxClipSeconds: MaxClipSeconds,
		Watermark:      true,
		Resolution:     Resolution720p,
	},
	TierCreator: {
		Tier:           TierCreator,
		Name:           "Creator",
		MinutesLimit:   120,
		MaxClipSeconds: MaxClipSeconds,
		Watermark:      false,
		Resolution:     Resolution1080p,
	},
	TierPro: {
		Tier:           TierPro,
		Name:           "Pro",
		MinutesLimit:   300,
		MaxClipSeconds: MaxClipSeconds,
		Watermark:      false,
		Resolution:     Resolution4K,
	},
}

// PolicyFor returns the policy of a tier. Unknown tiers get the free policy.
func PolicyFor(t Tier) PlanPolicy {
	if p, ok := plans[t]; ok {
		return p
	}
	return plans[TierFree]
}

// ParseTier maps a stored plan name to a Tier, defaulting to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierCreator:
		return TierCreator
	case TierPro:
		return TierPro
	default:
		return TierFree
	}
}

// RemainingMinutes returns how many minutes are left this period, never negative.
func RemainingMinutes(t Tier, minutesUsed int) int {
	remaining := PolicyFor(t).MinutesLimit - minutesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PercentUsed returns used/limit as a percentage capped at 100.
func PercentUsed(t Tier, minutesUsed int) float64 {
	limit := PolicyFor(t).MinutesLimit
	if limit <= 0 {
		return 100
	}
	pct := float64(minutesUsed) / float64(limit) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
