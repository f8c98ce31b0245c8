package models

import (
	"time"

	"github.com/google/uuid"
)

// ClipStatus is the lifecycle state of a clip job.
type ClipStatus string

const (
	ClipStatusProcessing ClipStatus = "processing"
	ClipStatusReady      ClipStatus = "ready"
	ClipStatusError      ClipStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s ClipStatus) Terminal() bool {
	return s == ClipStatusReady || s == ClipStatusError
}

// Clip is a persisted clip job.
type Clip struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	VideoID      uuid.UUID  `json:"video_id"`
	Title        string     `json:"title"`
	StartTime    float64    `json:"start_time"`
	EndTime      float64    `json:"end_time"`
	Duration     float64    `json:"duration"`
	Resolution   string     `json:"resolution"`
	Watermark    bool       `json:"watermark"`
	Subtitles    bool       `json:"subtitles"`
	Status       ClipStatus `json:"status"`
	OutputKey    string     `json:"output_key,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ClipTranscription is the caption track attached to a ready clip.
type ClipTranscription struct {
	ClipID      uuid.UUID `json:"clip_id"`
	Language    string    `json:"language"`
	Text        string    `json:"text"`
	SubtitleKey string    `json:"subtitle_key"`
	CreatedAt   time.Time `json:"created_at"`
}
