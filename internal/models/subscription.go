package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/clippie/backend/internal/quota"
)

// subscriptionGrace keeps a lapsed paid plan active for a day after the period ends.
const subscriptionGrace = 24 * time.Hour

// Subscription is a user's plan and monthly usage counter.
type Subscription struct {
	UserID           uuid.UUID  `json:"user_id"`
	Plan             quota.Tier `json:"plan"`
	MinutesUsed      int        `json:"minutes_used"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FreeSubscription is the snapshot used for users without a subscription row.
func FreeSubscription(userID uuid.UUID) *Subscription {
	return &Subscription{UserID: userID, Plan: quota.TierFree}
}

// EffectiveTier returns the tier in force at now. Paid plans whose period ended
// more than a day ago fall back to free.
func (s *Subscription) EffectiveTier(now time.Time) quota.Tier {
	if s == nil || s.Plan == quota.TierFree || s.Plan == "" {
		return quota.TierFree
	}
	if s.CurrentPeriodEnd == nil || !s.CurrentPeriodEnd.Add(subscriptionGrace).After(now) {
		return quota.TierFree
	}
	return quota.ParseTier(string(s.Plan))
}

// Usage is the usage summary returned to clients.
type Usage struct {
	Plan             quota.Tier `json:"plan"`
	PlanName         string     `json:"plan_name"`
	MinutesUsed      int        `json:"minutes_used"`
	MinutesLimit     int        `json:"minutes_limit"`
	MinutesRemaining int        `json:"minutes_remaining"`
	PercentUsed      float64    `json:"percent_used"`
	Watermark        bool       `json:"watermark"`
	Resolution       string     `json:"resolution"`
}
