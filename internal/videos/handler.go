package videos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clippie/backend/internal/middleware"
	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/pkg/response"
	"github.com/clippie/backend/pkg/storage"
)

// Store is the video persistence the handler needs.
type Store interface {
	Create(ctx context.Context, v *models.Video) error
	GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Video, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Video, error)
}

// ObjectStore is the object storage the handler needs.
type ObjectStore interface {
	GeneratePresignedUploadURL(ctx context.Context, bucket, key, contentType string, expires time.Duration) (string, error)
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	HeadObject(ctx context.Context, bucket, key string) (size int64, contentType string, err error)
}

// Prober reads a media duration from a URL.
type Prober interface {
	Probe(ctx context.Context, location string) (float64, error)
}

// Handler handles source video endpoints.
type Handler struct {
	store  Store
	blobs  ObjectStore
	prober Prober
	bucket string
	expire time.Duration
	logger *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(store Store, blobs ObjectStore, prober Prober, bucket string, expire time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, blobs: blobs, prober: prober, bucket: bucket, expire: expire, logger: logger}
}

// UploadURLRequest is the body for POST /videos/upload-url.
type UploadURLRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
}

// UploadURL handles POST /videos/upload-url. Returns a presigned PUT URL for direct upload.
func (h *Handler) UploadURL(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !storage.ValidateVideoFileType(req.ContentType, req.Filename) {
		response.BadRequest(c, "unsupported video type; allowed: mp4, mov, webm, mkv")
		return
	}
	contentType := req.ContentType
	if _, ok := storage.AllowedVideoTypes[strings.ToLower(contentType)]; !ok {
		contentType = storage.ContentTypeForFilename(req.Filename)
	}
	videoID := uuid.New()
	key := storage.VideoKey(userID.String(), videoID.String(), req.Filename)
	url, err := h.blobs.GeneratePresignedUploadURL(c.Request.Context(), h.bucket, key, contentType, h.expire)
	if err != nil {
		h.logger.Error("presign upload failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to generate upload URL")
		return
	}
	response.OK(c, gin.H{
		"video_id":     videoID,
		"upload_url":   url,
		"s3_key":       key,
		"content_type": contentType,
		"expires_in":   int(h.expire.Seconds()),
	})
}

// RegisterRequest is the body for POST /videos.
type RegisterRequest struct {
	VideoID  uuid.UUID `json:"video_id" binding:"required"`
	Filename string    `json:"filename" binding:"required"`
	Title    string    `json:"title" binding:"required,max=200"`
}

// Register handles POST /videos. It checks the uploaded object, probes its
// duration and stores the video.
func (h *Handler) Register(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	key := storage.VideoKey(userID.String(), req.VideoID.String(), req.Filename)

	size, contentType, err := h.blobs.HeadObject(ctx, h.bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		response.BadRequest(c, "video has not been uploaded")
		return
	}
	if err != nil {
		h.logger.Error("head video failed", zap.Error(err), zap.String("s3_key", key))
		response.Internal(c, "failed to check upload")
		return
	}
	if size <= 0 || size > storage.MaxVideoFileSize {
		response.BadRequest(c, "video size out of range")
		return
	}

	url, err := h.blobs.GeneratePresignedDownloadURL(ctx, h.bucket, key, h.expire)
	if err != nil {
		h.logger.Error("presign probe url failed", zap.Error(err), zap.String("s3_key", key))
		response.Internal(c, "failed to read video")
		return
	}
	duration, err := h.prober.Probe(ctx, url)
	if err != nil {
		h.logger.Warn("probe failed", zap.Error(err), zap.String("s3_key", key))
		response.BadRequest(c, "could not read video duration")
		return
	}

	if contentType == "" {
		contentType = storage.ContentTypeForFilename(req.Filename)
	}
	v := &models.Video{
		ID:          req.VideoID,
		UserID:      userID,
		Title:       strings.TrimSpace(req.Title),
		S3Key:       key,
		ContentType: contentType,
		FileSize:    size,
		Duration:    duration,
	}
	if err := h.store.Create(ctx, v); err != nil {
		h.logger.Error("create video failed", zap.Error(err), zap.String("video_id", v.ID.String()))
		response.Internal(c, "failed to save video")
		return
	}
	h.logger.Info("video registered", zap.String("video_id", v.ID.String()), zap.Float64("duration", duration))
	response.Created(c, v)
}

// List handles GET /videos.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	limit, offset := response.Page(c)
	list, err := h.store.ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to list videos")
		return
	}
	response.OK(c, list)
}

// Get handles GET /videos/:id.
func (h *Handler) Get(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	v, err := h.store.GetByIDForUser(c.Request.Context(), id, userID)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "video not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load video")
		return
	}
	response.OK(c, v)
}
