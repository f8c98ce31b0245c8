// Package clips owns clip jobs: submission, the render pipeline and the HTTP API.
package clips

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/media"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/internal/videos"
	"github.com/clippie/backend/pkg/queue"
)

var (
	ErrValidation    = errors.New("invalid clip request")
	ErrVideoNotFound = errors.New("source video not found")
	ErrPersistence   = errors.New("persistence failure")
)

const maxTitleLength = 200

// SubmitRequest is a clip request from a user.
type SubmitRequest struct {
	VideoID   uuid.UUID
	Title     string
	StartTime float64
	EndTime   float64
	// Resolution is what the client asked for; the plan decides.
	Resolution string
	Watermark  bool
	Subtitles  bool
	Language   string
	Style      *media.Style
}

// VideoSource loads a user's source video.
type VideoSource interface {
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Video, error)
}

// SubscriptionSource loads the user's current plan snapshot.
type SubscriptionSource interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// ClipCreator is the persistence used at submission time.
type ClipCreator interface {
	Create(ctx context.Context, c *models.Clip) error
	ReservedMinutes(ctx context.Context, userID uuid.UUID) (int, error)
	MarkError(ctx context.Context, id uuid.UUID, reason string) error
}

// Enqueuer schedules a render job.
type Enqueuer interface {
	EnqueueClipRender(ctx context.Context, payload queue.ClipRenderPayload) error
}

// Service accepts clip requests.
type Service struct {
	videos VideoSource
	subs   SubscriptionSource
	clips  ClipCreator
	queue  Enqueuer
	events Publisher
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a clip service. events may be nil.
func NewService(videos VideoSource, subs SubscriptionSource, clips ClipCreator, q Enqueuer, events Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{videos: videos, subs: subs, clips: clips, queue: q, events: events, now: time.Now, logger: logger}
}

// Submit validates the request against the video and the user's plan, stores
// a processing clip and schedules it. It does not wait for rendering.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.Clip, error) {
	title := strings.TrimSpace(req.Title)
	switch {
	case title == "":
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	case len(title) > maxTitleLength:
		return nil, fmt.Errorf("%w: title is too long", ErrValidation)
	case !finite(req.StartTime) || !finite(req.EndTime):
		return nil, fmt.Errorf("%w: start and end must be numbers", ErrValidation)
	case req.StartTime < 0:
		return nil, fmt.Errorf("%w: start must not be negative", ErrValidation)
	case req.EndTime <= req.StartTime:
		return nil, fmt.Errorf("%w: end must be after start", ErrValidation)
	}

	video, err := s.videos.GetByIDForUser(ctx, req.VideoID, userID)
	if errors.Is(err, videos.ErrNotFound) {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load video: %w", ErrPersistence, err)
	}
	if req.EndTime > video.Duration {
		return nil, fmt.Errorf("%w: end %.3fs is past the video duration %.3fs", ErrValidation, req.EndTime, video.Duration)
	}

	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load subscription: %w", ErrPersistence, err)
	}
	reserved, err := s.clips.ReservedMinutes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: reserved minutes: %w", ErrPersistence, err)
	}
	tier := sub.EffectiveTier(s.now())
	duration := req.EndTime - req.StartTime
	decision, err := quota.Authorize(tier, sub.MinutesUsed+reserved, duration)
	if err != nil {
		s.logger.Info("clip rejected",
			zap.String("user_id", userID.String()),
			zap.String("tier", string(tier)),
			zap.Float64("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}
	if req.Resolution != "" && quota.Resolution(req.Resolution) != decision.Resolution {
		s.logger.Debug("requested resolution overridden by plan",
			zap.String("requested", req.Resolution), zap.String("resolution", string(decision.Resolution)))
	}

	clip := &models.Clip{
		UserID:     userID,
		VideoID:    video.ID,
		Title:      title,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Duration:   duration,
		Resolution: string(decision.Resolution),
		Watermark:  decision.Watermark || req.Watermark,
		Subtitles:  req.Subtitles,
		Status:     models.ClipStatusProcessing,
	}
	if err := s.clips.Create(ctx, clip); err != nil {
		return nil, fmt.Errorf("%w: create clip: %w", ErrPersistence, err)
	}

	payload := queue.ClipRenderPayload{
		ClipID:     clip.ID,
		UserID:     userID,
		VideoKey:   video.S3Key,
		StartTime:  clip.StartTime,
		EndTime:    clip.EndTime,
		Resolution: clip.Resolution,
		Watermark:  clip.Watermark,
		Subtitles:  clip.Subtitles,
		Language:   strings.TrimSpace(req.Language),
		Style:      captionStyle(req.Style),
	}
	if err := s.queue.EnqueueClipRender(ctx, payload); err != nil {
		s.logger.Error("enqueue clip failed", zap.String("clip_id", clip.ID.String()), zap.Error(err))
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeTimeout)
		defer cancel()
		if mErr := s.clips.MarkError(markCtx, clip.ID, "could not schedule clip"); mErr != nil {
			s.logger.Error("mark unscheduled clip failed", zap.String("clip_id", clip.ID.String()), zap.Error(mErr))
		}
		return nil, fmt.Errorf("%w: enqueue: %w", ErrPersistence, err)
	}

	s.logger.Info("clip submitted",
		zap.String("clip_id", clip.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("video_id", video.ID.String()),
		zap.Float64("duration", duration),
		zap.String("resolution", clip.Resolution),
		zap.Bool("watermark", clip.Watermark),
		zap.Bool("subtitles", clip.Subtitles),
	)
	if s.events != nil {
		ev := StatusEvent{ClipID: clip.ID, Status: models.ClipStatusProcessing}
		if err := s.events.Publish(ctx, userID, eventName, ev); err != nil {
			s.logger.Debug("publish clip status failed", zap.Error(err))
		}
	}
	return clip, nil
}

func captionStyle(s *media.Style) *queue.CaptionStyle {
	if s == nil {
		return nil
	}
	return &queue.CaptionStyle{
		FontFamily:      s.FontFamily,
		FontSize:        s.FontSize,
		TextColor:       s.TextColor,
		BackgroundColor: s.BackgroundColor,
		Position:        string(s.Position),
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
