package clips

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/captions"
	"github.com/clippie/backend/internal/media"
	"github.com/clippie/backend/internal/middleware"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/quota"
	"github.com/clippie/backend/pkg/queue"
	"github.com/clippie/backend/pkg/response"
)

// maxCaptionTrack bounds how much of a stored SRT track is read back.
const maxCaptionTrack = 1 << 20

// Submitter accepts clip requests.
type Submitter interface {
	Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (*models.Clip, error)
}

// Reader loads clips for their owner.
type Reader interface {
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Clip, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Clip, error)
	GetTranscription(ctx context.Context, clipID uuid.UUID) (*models.ClipTranscription, error)
}

// ObjectReader reads rendered artifacts.
type ObjectReader interface {
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	GetObjectStream(ctx context.Context, bucket, key string) (io.ReadCloser, string, error)
}

// JobLister exposes the render queue for operators.
type JobLister interface {
	InFlight(ctx context.Context) ([]queue.Job, error)
	Pending(ctx context.Context) (int64, error)
}

// HandlerConfig names buckets and URL lifetime.
type HandlerConfig struct {
	ClipsBucket     string
	SubtitlesBucket string
	PresignExpire   time.Duration
}

// Handler handles clip HTTP endpoints.
type Handler struct {
	service Submitter
	clips   Reader
	blobs   ObjectReader
	jobs    JobLister
	cfg     HandlerConfig
	logger  *zap.Logger
}

// NewHandler creates a clips handler.
func NewHandler(service Submitter, clips Reader, blobs ObjectReader, jobs JobLister, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, clips: clips, blobs: blobs, jobs: jobs, cfg: cfg, logger: logger}
}

// StyleRequest is the optional caption style.
type StyleRequest struct {
	FontFamily      string `json:"font_family" binding:"max=64"`
	FontSize        int    `json:"font_size" binding:"omitempty,min=8,max=96"`
	TextColor       string `json:"text_color" binding:"max=32"`
	BackgroundColor string `json:"background_color" binding:"max=32"`
	Position        string `json:"position" binding:"omitempty,oneof=top middle bottom"`
}

// CreateClipRequest is the body for POST /clips.
type CreateClipRequest struct {
	VideoID       uuid.UUID     `json:"video_id" binding:"required"`
	Title         string        `json:"title" binding:"required,max=200"`
	StartTime     *float64      `json:"start_time" binding:"required"`
	EndTime       *float64      `json:"end_time" binding:"required"`
	Resolution    string        `json:"resolution"`
	Watermark     bool          `json:"watermark"`
	Subtitles     bool          `json:"subtitles"`
	Language      string        `json:"language" binding:"omitempty,max=16"`
	SubtitleStyle *StyleRequest `json:"subtitle_style"`
}

// Create handles POST /clips. The clip is returned in processing state.
func (h *Handler) Create(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req CreateClipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sr := SubmitRequest{
		VideoID:    req.VideoID,
		Title:      req.Title,
		StartTime:  *req.StartTime,
		EndTime:    *req.EndTime,
		Resolution: req.Resolution,
		Watermark:  req.Watermark,
		Subtitles:  req.Subtitles,
		Language:   req.Language,
	}
	if st := req.SubtitleStyle; st != nil {
		sr.Style = &media.Style{
			FontFamily:      st.FontFamily,
			FontSize:        st.FontSize,
			TextColor:       st.TextColor,
			BackgroundColor: st.BackgroundColor,
			Position:        media.ParsePosition(st.Position),
		}
	}

	clip, err := h.service.Submit(c.Request.Context(), userID, sr)
	if err != nil {
		h.writeSubmitError(c, userID, err)
		return
	}
	response.Created(c, clip)
}

func (h *Handler) writeSubmitError(c *gin.Context, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, quota.ErrDurationTooLong):
		response.Fail(c, http.StatusBadRequest, "duration_too_long", err.Error())
	case errors.Is(err, quota.ErrDurationTooShort):
		response.Fail(c, http.StatusBadRequest, "duration_too_short", err.Error())
	case errors.Is(err, ErrValidation):
		response.Fail(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, quota.ErrQuotaExceeded):
		response.Fail(c, http.StatusForbidden, "quota_exceeded", err.Error())
	case errors.Is(err, ErrVideoNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrPersistence):
		h.logger.Error("submit clip failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.ServiceUnavailable(c, "clip could not be scheduled, try again")
	default:
		h.logger.Error("submit clip failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to create clip")
	}
}

// List handles GET /clips.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	limit, offset := response.Page(c)
	list, err := h.clips.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list clips failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to list clips")
		return
	}
	response.OK(c, list)
}

// Get handles GET /clips/:id. Clients poll it for status.
func (h *Handler) Get(c *gin.Context) {
	clip, ok := h.loadClip(c)
	if !ok {
		return
	}
	response.OK(c, clip)
}

// DownloadURL handles GET /clips/:id/download-url for ready clips.
func (h *Handler) DownloadURL(c *gin.Context) {
	clip, ok := h.loadClip(c)
	if !ok {
		return
	}
	if clip.Status != models.ClipStatusReady || clip.OutputKey == "" {
		response.Conflict(c, "clip is not ready")
		return
	}
	url, err := h.blobs.GeneratePresignedDownloadURL(c.Request.Context(), h.cfg.ClipsBucket, clip.OutputKey, h.cfg.PresignExpire)
	if err != nil {
		h.logger.Error("presign clip download failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(h.cfg.PresignExpire.Seconds())})
}

// CaptionsResponse is the caption track of a clip.
type CaptionsResponse struct {
	Language string         `json:"language"`
	Text     string         `json:"text"`
	Cues     []captions.Cue `json:"cues"`
}

// Captions handles GET /clips/:id/captions.
func (h *Handler) Captions(c *gin.Context) {
	clip, ok := h.loadClip(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	t, err := h.clips.GetTranscription(ctx, clip.ID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "clip has no captions")
		return
	}
	if err != nil {
		h.logger.Error("load transcription failed", zap.Error(err), zap.String("clip_id", clip.ID.String()))
		response.Internal(c, "failed to load captions")
		return
	}
	body, _, err := h.blobs.GetObjectStream(ctx, h.cfg.SubtitlesBucket, t.SubtitleKey)
	if err != nil {
		h.logger.Error("fetch caption track failed", zap.Error(err), zap.String("key", t.SubtitleKey))
		response.Internal(c, "failed to load captions")
		return
	}
	defer body.Close()
	raw, err := io.ReadAll(io.LimitReader(body, maxCaptionTrack))
	if err != nil {
		response.Internal(c, "failed to load captions")
		return
	}
	cues, err := captions.Parse(string(raw))
	if err != nil {
		h.logger.Error("parse caption track failed", zap.Error(err), zap.String("key", t.SubtitleKey))
		response.Internal(c, "caption track is corrupt")
		return
	}
	response.OK(c, CaptionsResponse{Language: t.Language, Text: t.Text, Cues: cues})
}

// InFlightJob is one render job held by a worker.
type InFlightJob struct {
	JobID     string    `json:"job_id"`
	ClipID    uuid.UUID `json:"clip_id"`
	UserID    uuid.UUID `json:"user_id"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// InFlight handles GET /admin/clips/inflight (admin only).
func (h *Handler) InFlight(c *gin.Context) {
	ctx := c.Request.Context()
	jobs, err := h.jobs.InFlight(ctx)
	if err != nil {
		h.logger.Error("list in-flight jobs failed", zap.Error(err))
		response.Internal(c, "failed to list jobs")
		return
	}
	pending, err := h.jobs.Pending(ctx)
	if err != nil {
		h.logger.Error("count pending jobs failed", zap.Error(err))
		response.Internal(c, "failed to list jobs")
		return
	}
	out := make([]InFlightJob, 0, len(jobs))
	for i := range jobs {
		p, err := queue.DecodeClipRender(&jobs[i])
		if err != nil {
			continue
		}
		out = append(out, InFlightJob{
			JobID:     jobs[i].ID,
			ClipID:    p.ClipID,
			UserID:    p.UserID,
			Attempt:   jobs[i].Attempt,
			CreatedAt: jobs[i].CreatedAt,
		})
	}
	response.OK(c, gin.H{"in_flight": out, "pending": pending})
}

func (h *Handler) loadClip(c *gin.Context) (*models.Clip, bool) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid clip id")
		return nil, false
	}
	clip, err := h.clips.GetByIDForUser(c.Request.Context(), id, userID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "clip not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("load clip failed", zap.Error(err), zap.String("clip_id", id.String()))
		response.Internal(c, "failed to load clip")
		return nil, false
	}
	return clip, true
}
