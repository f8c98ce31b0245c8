package models

import (
	"time"

	"github.com/google/uuid"
)

// Video is an uploaded source video. Duration is known once probed and never changes.
type Video struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	S3Key       string    `json:"s3_key"`
	ContentType string    `json:"content_type"`
	FileSize    int64     `json:"file_size"`
	Duration    float64   `json:"duration"`
	CreatedAt   time.Time `json:"created_at"`
}
