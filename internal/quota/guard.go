// Package quota decides whether a clip request fits the user's plan.
// Everything here is pure: no I/O and no clock.
package quota

import (
	"errors"
	"math"
)

const (
	// MinClipSeconds is the shortest clip the platform renders.
	MinClipSeconds = 3.0
	// MaxClipSeconds is the platform ceiling, applied regardless of plan.
	MaxClipSeconds = 60.0
)

var (
	ErrDurationTooLong  = errors.New("clip duration exceeds the maximum allowed")
	ErrDurationTooShort = errors.New("clip duration is below the minimum allowed")
	ErrQuotaExceeded    = errors.New("not enough minutes remaining in plan")
)

// Decision is the outcome of an approved request.
type Decision struct {
	Policy     PlanPolicy
	Duration   float64
	Minutes    int
	Resolution Resolution
	Watermark  bool
}

// MinutesFor returns the whole minutes charged for a clip of d seconds.
func MinutesFor(d float64) int {
	return int(math.Ceil(d / 60))
}

// Authorize checks a requested duration against the platform bounds and the
// tier's monthly budget. Resolution and watermark always come from the plan.
func Authorize(tier Tier, minutesUsed int, duration float64) (Decision, error) {
	policy := PolicyFor(tier)

	ceiling := MaxClipSeconds
	if policy.MaxClipSeconds > 0 && policy.MaxClipSeconds < ceiling {
		ceiling = policy.MaxClipSeconds
	}
	if duration > ceiling {
		return Decision{}, ErrDurationTooLong
	}
	// NaN fails this comparison too.
	if !(duration >= MinClipSeconds) {
		return Decision{}, ErrDurationTooShort
	}

	minutes := MinutesFor(duration)
	if minutesUsed+minutes > policy.MinutesLimit {
		return Decision{}, ErrQuotaExceeded
	}

	return Decision{
		Policy:     policy,
		Duration:   duration,
		Minutes:    minutes,
		Resolution: policy.Resolution,
		Watermark:  policy.Watermark,
	}, nil
}
