package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
)

// Repository handles subscription persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a subscriptions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the user's subscription, or a free snapshot if none exists.
func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	const q = `SELECT user_id, plan, minutes_used, current_period_end, updated_at
		FROM subscriptions WHERE user_id = $1`
	var s models.Subscription
	var plan string
	err := r.pool.QueryRow(ctx, q, userID).Scan(&s.UserID, &plan, &s.MinutesUsed, &s.CurrentPeriodEnd, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FreeSubscription(userID), nil
	}
	if err != nil {
		return nil, err
	}
	s.Plan = quota.ParseTier(plan)
	return &s, nil
}

// SetPlan creates or updates the user's plan. Usage is left untouched.
func (r *Repository) SetPlan(ctx context.Context, userID uuid.UUID, plan quota.Tier, periodEnd *time.Time) (*models.Subscription, error) {
	const q = `INSERT INTO subscriptions (user_id, plan, current_period_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET plan = EXCLUDED.plan, current_period_end = EXCLUDED.current_period_end, updated_at = NOW()
		RETURNING user_id, plan, minutes_used, current_period_end, updated_at`
	var s models.Subscription
	var p string
	if err := r.pool.QueryRow(ctx, q, userID, string(plan), periodEnd).Scan(&s.UserID, &p, &s.MinutesUsed, &s.CurrentPeriodEnd, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("set plan: %w", err)
	}
	s.Plan = quota.ParseTier(p)
	return &s, nil
}

// IncrementMinutes atomically adds minutes to the user's counter inside tx.
// Users without a row get a free subscription created.
func IncrementMinutes(ctx context.Context, tx pgx.Tx, userID uuid.UUID, minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("negative minutes increment: %d", minutes)
	}
	const q = `INSERT INTO subscriptions (user_id, plan, minutes_used)
		VALUES ($1, 'FREE', $2)
		ON CONFLICT (user_id) DO UPDATE SET minutes_used = subscriptions.minutes_used + EXCLUDED.minutes_used, updated_at = NOW()`
	_, err := tx.Exec(ctx, q, userID, minutes)
	return err
}
