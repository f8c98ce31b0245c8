package clips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/captions"
	"github.com/clippie/backend/internal/media"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/internal/realtime"
	"github.com/clippie/backend/internal/transcription"
	"github.com/clippie/backend/pkg/queue"
	"github.com/clippie/backend/pkg/storage"
)

const (
	eventName              = realtime.EventClipStatus
	defaultFinalizeTimeout = 10 * time.Second
	maxErrorMessage        = 500
)

// JobStore is the persistence the pipeline writes to.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error)
	UpdateOutput(ctx context.Context, id uuid.UUID, outputKey string) error
	MarkReady(ctx context.Context, u ReadyUpdate) error
	MarkError(ctx context.Context, id uuid.UUID, reason string) error
}

// Transformer cuts clips and burns captions.
type Transformer interface {
	ExtractRange(ctx context.Context, req media.ExtractRequest) (string, error)
	BurnSubtitles(ctx context.Context, clipKey, captionKey string, style media.Style) (string, error)
}

// Transcriber turns a source range into text.
type Transcriber interface {
	TranscribeRange(ctx context.Context, sourceKey string, start, end float64, language string) transcription.Result
}

// CaptionStore stores caption tracks and removes outputs nothing references.
type CaptionStore interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64, publicRead bool) (string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Publisher pushes status events to the user.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, event string, payload interface{}) error
}

// PipelineConfig bounds each stage.
type PipelineConfig struct {
	ClipsBucket     string
	SubtitlesBucket string
	// DefaultLanguage is used for jobs that name no language.
	DefaultLanguage string
	ExtractTimeout  time.Duration
	BurnTimeout     time.Duration
	FinalizeTimeout time.Duration
}

// StatusEvent is published on every status change.
type StatusEvent struct {
	ClipID    uuid.UUID         `json:"clip_id"`
	Status    models.ClipStatus `json:"status"`
	OutputKey string            `json:"output_key,omitempty"`
	Captioned bool              `json:"captioned,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Pipeline runs one clip job from extraction to a terminal status.
type Pipeline struct {
	store       JobStore
	media       Transformer
	transcriber Transcriber
	captions    CaptionStore
	events      Publisher
	cfg         PipelineConfig
	logger      *zap.Logger
}

// NewPipeline creates a clip pipeline. events may be nil.
func NewPipeline(store JobStore, media Transformer, transcriber Transcriber, captions CaptionStore, events Publisher, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	return &Pipeline{
		store:       store,
		media:       media,
		transcriber: transcriber,
		captions:    captions,
		events:      events,
		cfg:         cfg,
		logger:      logger,
	}
}

// captionOutcome is the result of the optional subtitle stage.
type captionOutcome struct {
	outputKey     string
	transcription *models.ClipTranscription
	stage         string
	err           error
}

// Process drives the job to ready or error. It returns nil once a terminal
// status is recorded, and an ErrPersistence error when even that failed.
func (p *Pipeline) Process(ctx context.Context, job queue.ClipRenderPayload) error {
	log := p.logger.With(zap.String("clip_id", job.ClipID.String()), zap.String("user_id", job.UserID.String()))
	duration := job.EndTime - job.StartTime

	running, err := p.stillProcessing(ctx, job.ClipID)
	if err != nil {
		return fmt.Errorf("%w: load clip: %w", ErrPersistence, err)
	}
	if !running {
		log.Info("clip no longer processing; skipping job")
		return nil
	}

	extractCtx, cancel := withTimeout(ctx, p.cfg.ExtractTimeout)
	clipKey, err := p.media.ExtractRange(extractCtx, media.ExtractRequest{
		SourceKey:  job.VideoKey,
		Start:      job.StartTime,
		End:        job.EndTime,
		Resolution: quota.Resolution(job.Resolution),
		Watermark:  job.Watermark,
	})
	cancel()
	if err != nil {
		return p.fail(ctx, log, job, "extract", err)
	}
	if err := p.store.UpdateOutput(ctx, job.ClipID, clipKey); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			log.Warn("clip left processing during extraction; discarding output", zap.String("output_key", clipKey))
			p.discard(ctx, p.cfg.ClipsBucket, clipKey)
			return nil
		}
		return p.fail(ctx, log, job, "persist output", err)
	}

	final := ReadyUpdate{
		ClipID:    job.ClipID,
		UserID:    job.UserID,
		OutputKey: clipKey,
		Minutes:   quota.MinutesFor(duration),
	}
	if job.Subtitles {
		outcome := p.addCaptions(ctx, job, clipKey, duration)
		switch {
		case outcome.err != nil:
			log.Warn("subtitles skipped", zap.String("stage", outcome.stage), zap.Error(outcome.err))
		default:
			final.OutputKey = outcome.outputKey
			final.Transcription = outcome.transcription
		}
	}

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	err = p.store.MarkReady(finCtx, final)
	cancel()
	if errors.Is(err, ErrNotProcessing) {
		log.Warn("clip left processing before finalize; result discarded")
		p.discard(ctx, p.cfg.ClipsBucket, clipKey)
		if final.Transcription != nil {
			p.discard(ctx, p.cfg.ClipsBucket, final.OutputKey)
			p.discard(ctx, p.cfg.SubtitlesBucket, final.Transcription.SubtitleKey)
		}
		return nil
	}
	if err != nil {
		return p.fail(ctx, log, job, "finalize", err)
	}
	if final.OutputKey != clipKey {
		p.discard(ctx, p.cfg.ClipsBucket, clipKey)
	}

	log.Info("clip ready",
		zap.String("output_key", final.OutputKey),
		zap.Int("minutes", final.Minutes),
		zap.Bool("captioned", final.Transcription != nil),
	)
	p.publish(ctx, job.UserID, StatusEvent{
		ClipID:    job.ClipID,
		Status:    models.ClipStatusReady,
		OutputKey: final.OutputKey,
		Captioned: final.Transcription != nil,
	})
	return nil
}

// addCaptions transcribes the source range, stores an SRT track and burns it
// into the clip. Any failure leaves the extracted clip as the result.
func (p *Pipeline) addCaptions(ctx context.Context, job queue.ClipRenderPayload, clipKey string, duration float64) captionOutcome {
	language := job.Language
	if language == "" {
		language = p.cfg.DefaultLanguage
	}
	res := p.transcriber.TranscribeRange(ctx, job.VideoKey, job.StartTime, job.EndTime, language)
	if !res.OK() {
		err := res.Err
		if err == nil {
			err = transcription.ErrTranscriptionFailed
		}
		return captionOutcome{stage: "transcribe", err: err}
	}

	track := captions.Format(res.Text, duration)
	captionKey := storage.SubtitleKey(job.ClipID.String())
	if _, err := p.captions.Upload(ctx, p.cfg.SubtitlesBucket, captionKey, captions.ContentType,
		strings.NewReader(track), int64(len(track)), false); err != nil {
		return captionOutcome{stage: "store captions", err: fmt.Errorf("%w: %w", media.ErrSubtitleBurnFailed, err)}
	}

	burnCtx, cancel := withTimeout(ctx, p.cfg.BurnTimeout)
	defer cancel()
	out, err := p.media.BurnSubtitles(burnCtx, clipKey, captionKey, styleFrom(job.Style))
	if err != nil {
		p.discard(ctx, p.cfg.SubtitlesBucket, captionKey)
		return captionOutcome{stage: "burn", err: err}
	}
	return captionOutcome{
		outputKey: out,
		transcription: &models.ClipTranscription{
			ClipID:      job.ClipID,
			Language:    res.Language,
			Text:        res.Text,
			SubtitleKey: captionKey,
		},
	}
}

// fail records the error status on a context that survives the caller's.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, job queue.ClipRenderPayload, stage string, cause error) error {
	log.Error("clip failed", zap.String("stage", stage), zap.Error(cause))
	reason := failureMessage(stage, cause)

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()
	if err := p.store.MarkError(markCtx, job.ClipID, reason); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			return nil
		}
		log.Error("mark clip error failed", zap.String("stage", stage), zap.Error(err))
		return fmt.Errorf("%w: mark clip error: %w (cause: %v)", ErrPersistence, err, cause)
	}
	p.publish(markCtx, job.UserID, StatusEvent{ClipID: job.ClipID, Status: models.ClipStatusError, Error: reason})
	return nil
}

// Abort records reason as the clip's error status when the job cannot run to
// completion at all.
func (p *Pipeline) Abort(ctx context.Context, job queue.ClipRenderPayload, reason string) error {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()
	if err := p.store.MarkError(markCtx, job.ClipID, reason); err != nil {
		if errors.Is(err, ErrNotProcessing) {
			return nil
		}
		return fmt.Errorf("%w: mark clip error: %w", ErrPersistence, err)
	}
	p.publish(markCtx, job.UserID, StatusEvent{ClipID: job.ClipID, Status: models.ClipStatusError, Error: reason})
	return nil
}

// stillProcessing reports whether the clip is still waiting for this job. A
// clip that was reaped or already finished needs no work.
func (p *Pipeline) stillProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	getCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
	defer cancel()
	c, err := p.store.GetByID(getCtx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == models.ClipStatusProcessing, nil
}

// discard removes an object no clip row points at.
func (p *Pipeline) discard(ctx context.Context, bucket, key string) {
	if key == "" {
		return
	}
	if err := p.captions.DeleteObject(context.WithoutCancel(ctx), bucket, key); err != nil {
		p.logger.Debug("remove orphan object failed", zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, userID uuid.UUID, ev StatusEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, userID, eventName, ev); err != nil {
		p.logger.Debug("publish clip status failed", zap.String("clip_id", ev.ClipID.String()), zap.Error(err))
	}
}

func failureMessage(stage string, cause error) string {
	var msg string
	switch {
	case errors.Is(cause, media.ErrInvalidRange):
		msg = "invalid time range"
	case errors.Is(cause, context.DeadlineExceeded):
		msg = stage + " timed out"
	case errors.Is(cause, media.ErrTranscodeFailed):
		msg = "video processing failed"
	default:
		msg = stage + " failed: " + cause.Error()
	}
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}

func styleFrom(s *queue.CaptionStyle) media.Style {
	if s == nil {
		return media.DefaultStyle()
	}
	return media.Style{
		FontFamily:      s.FontFamily,
		FontSize:        s.FontSize,
		TextColor:       s.TextColor,
		BackgroundColor: s.BackgroundColor,
		Position:        media.ParsePosition(s.Position),
	}.Normalize()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
