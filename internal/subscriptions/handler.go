package subscriptions

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/middleware"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/pkg/response"
)

// Store is what the handler needs from persistence.
type Store interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	SetPlan(ctx context.Context, userID uuid.UUID, plan quota.Tier, periodEnd *time.Time) (*models.Subscription, error)
}

// Handler serves usage and plan endpoints.
type Handler struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a subscriptions handler.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, now: time.Now, logger: logger}
}

// UsageFor summarises a subscription snapshot at now.
func UsageFor(s *models.Subscription, now time.Time) models.Usage {
	tier := s.EffectiveTier(now)
	p := quota.PolicyFor(tier)
	return models.Usage{
		Plan:             tier,
		PlanName:         p.Name,
		MinutesUsed:      s.MinutesUsed,
		MinutesLimit:     p.MinutesLimit,
		MinutesRemaining: quota.RemainingMinutes(tier, s.MinutesUsed),
		PercentUsed:      quota.PercentUsed(tier, s.MinutesUsed),
		Watermark:        p.Watermark,
		Resolution:       string(p.Resolution),
	}
}

// Usage handles GET /me/usage.
func (h *Handler) Usage(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	sub, err := h.store.Get(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("load subscription failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to load usage")
		return
	}
	response.OK(c, UsageFor(sub, h.now()))
}

// SetPlanRequest is the body for PUT /admin/users/:id/plan.
type SetPlanRequest struct {
	Plan             string     `json:"plan" binding:"required,oneof=FREE CREATOR PRO"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
}

// SetPlan handles PUT /admin/users/:id/plan (admin only).
func (h *Handler) SetPlan(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	var req SetPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	tier := quota.ParseTier(req.Plan)
	if tier != quota.TierFree && req.CurrentPeriodEnd == nil {
		response.BadRequest(c, "current_period_end required for paid plans")
		return
	}
	sub, err := h.store.SetPlan(c.Request.Context(), userID, tier, req.CurrentPeriodEnd)
	if err != nil {
		h.logger.Error("set plan failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to set plan")
		return
	}
	h.logger.Info("plan updated", zap.String("user_id", userID.String()), zap.String("plan", string(tier)))
	response.OK(c, UsageFor(sub, h.now()))
}
