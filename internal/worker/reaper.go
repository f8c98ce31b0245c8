package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/clips"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/realtime"
)

// StaleReason is recorded on clips the reaper expires.
const StaleReason = "processing timed out"

// StaleStore expires clips stuck in processing.
type StaleStore interface {
	FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]models.Clip, error)
}

// StaleJobs drops queue entries whose worker disappeared.
type StaleJobs interface {
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Publisher pushes status events to the user.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, event string, payload interface{}) error
}

// Reaper moves clips that never finished to error, so a lost job cannot
// hold quota reservations forever. It also clears the lost jobs from the
// in-flight list.
type Reaper struct {
	store      StaleStore
	jobs       StaleJobs
	events     Publisher
	stuckAfter time.Duration
	interval   time.Duration
	logger     *zap.Logger
}

// NewReaper creates a reaper. jobs and events may be nil.
func NewReaper(store StaleStore, jobs StaleJobs, events Publisher, stuckAfter, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: store, jobs: jobs, events: events, stuckAfter: stuckAfter, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep expires stale clips once and returns how many were expired.
func (r *Reaper) Sweep(ctx context.Context) int {
	if r.jobs != nil {
		n, err := r.jobs.ReapStale(ctx, r.stuckAfter)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("reap lost jobs failed", zap.Error(err))
		}
		if n > 0 {
			r.logger.Warn("lost jobs dead-lettered", zap.Int("count", n))
		}
	}
	stale, err := r.store.FailStale(ctx, r.stuckAfter, StaleReason)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reap stale clips failed", zap.Error(err))
		}
		return 0
	}
	for _, c := range stale {
		r.logger.Warn("clip expired", zap.String("clip_id", c.ID.String()), zap.String("user_id", c.UserID.String()))
		if r.events == nil {
			continue
		}
		ev := clips.StatusEvent{ClipID: c.ID, Status: models.ClipStatusError, Error: StaleReason}
		if err := r.events.Publish(ctx, c.UserID, realtime.EventClipStatus, ev); err != nil {
			r.logger.Debug("publish clip status failed", zap.Error(err))
		}
	}
	return len(stale)
}
