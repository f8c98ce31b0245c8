package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueClips is the Redis list key for pending clip render jobs.
	QueueClips = "worker:clips"
	// QueueClipsProcessing holds jobs a worker has taken but not yet acked.
	QueueClipsProcessing = "worker:clips:processing"
	// QueueClipsTaken maps each processing-list entry to the unix millisecond it was taken.
	QueueClipsTaken = "worker:clips:taken"
	// QueueDLQ is the dead-letter queue for jobs that could not be completed or recorded.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
	// dequeueWait bounds each blocking pop so cancellation is noticed.
	dequeueWait = 5 * time.Second
	// LostReason marks jobs whose worker disappeared before acking them.
	LostReason = "worker lost"
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeClipRender JobType = "clip_render"
)

// CaptionStyle is the burn-in style carried with a clip job.
type CaptionStyle struct {
	FontFamily      string `json:"font_family,omitempty"`
	FontSize        int    `json:"font_size,omitempty"`
	TextColor       string `json:"text_color,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	Position        string `json:"position,omitempty"`
}

// ClipRenderPayload is the payload for clip render jobs.
type ClipRenderPayload struct {
	ClipID     uuid.UUID     `json:"clip_id"`
	UserID     uuid.UUID     `json:"user_id"`
	VideoKey   string        `json:"video_key"`
	StartTime  float64       `json:"start_time"`
	EndTime    float64       `json:"end_time"`
	Resolution string        `json:"resolution"`
	Watermark  bool          `json:"watermark"`
	Subtitles  bool          `json:"subtitles"`
	Language   string        `json:"language,omitempty"`
	Style      *CaptionStyle `json:"style,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// raw is the exact list entry, needed to remove it from the processing list.
	raw string
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, now: time.Now}
}

// EnqueueClipRender enqueues a clip render job.
func (q *Queue) EnqueueClipRender(ctx context.Context, payload ClipRenderPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      JobTypeClipRender,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueClips, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued clip render job", zap.String("job_id", job.ID), zap.String("clip_id", payload.ClipID.String()))
	return nil
}

// Dequeue waits briefly for a job and moves it onto the processing list.
// It returns (nil, nil) when nothing arrived in time.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.client.BLMove(ctx, QueueClips, QueueClipsProcessing, "LEFT", "RIGHT", dequeueWait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", raw), zap.Error(err))
		_ = q.client.LRem(ctx, QueueClipsProcessing, 1, raw).Err()
		_ = q.client.RPush(ctx, QueueDLQ, raw).Err()
		return nil, nil
	}
	job.raw = raw
	if err := q.client.HSet(ctx, QueueClipsTaken, raw, q.now().UnixMilli()).Err(); err != nil {
		q.logger.Warn("record job take time failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return &job, nil
}

// Ack removes a finished job from the processing list.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if job.raw == "" {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, QueueClipsProcessing, 1, job.raw)
		pipe.HDel(ctx, QueueClipsTaken, job.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("lrem: %w", err)
	}
	return nil
}

// ReapStale dead-letters processing-list entries taken more than olderThan
// ago. Entries without a take time are stamped now and judged on a later call.
func (q *Queue) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := q.client.LRange(ctx, QueueClipsProcessing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange %s: %w", QueueClipsProcessing, err)
	}
	taken, err := q.client.HGetAll(ctx, QueueClipsTaken).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall %s: %w", QueueClipsTaken, err)
	}

	now := q.now()
	live := make(map[string]struct{}, len(entries))
	reaped := 0
	for _, raw := range entries {
		live[raw] = struct{}{}
		at, err := strconv.ParseInt(taken[raw], 10, 64)
		if err != nil {
			if err := q.client.HSetNX(ctx, QueueClipsTaken, raw, now.UnixMilli()).Err(); err != nil {
				return reaped, fmt.Errorf("hsetnx: %w", err)
			}
			continue
		}
		if now.Sub(time.UnixMilli(at)) < olderThan {
			continue
		}
		removed, err := q.client.LRem(ctx, QueueClipsProcessing, 1, raw).Result()
		if err != nil {
			return reaped, fmt.Errorf("lrem: %w", err)
		}
		_ = q.client.HDel(ctx, QueueClipsTaken, raw).Err()
		if removed == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
				return reaped, fmt.Errorf("dlq push: %w", err)
			}
		} else if err := q.DeadLetter(ctx, &job, LostReason); err != nil {
			return reaped, err
		}
		reaped++
	}
	for raw := range taken {
		if _, ok := live[raw]; !ok {
			_ = q.client.HDel(ctx, QueueClipsTaken, raw).Err()
		}
	}
	return reaped, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	if err := q.Ack(ctx, job); err != nil {
		return err
	}
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueClips, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}

// DeadLetter records a job whose outcome could not be persisted.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, reason string) error {
	job.Error = reason
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
		return fmt.Errorf("dlq push: %w", err)
	}
	q.logger.Warn("job dead-lettered", zap.String("job_id", job.ID), zap.String("reason", reason))
	return nil
}

// InFlight lists jobs currently taken by workers.
func (q *Queue) InFlight(ctx context.Context) ([]Job, error) {
	return q.list(ctx, QueueClipsProcessing)
}

// DeadLetters lists jobs in the dead-letter queue.
func (q *Queue) DeadLetters(ctx context.Context) ([]Job, error) {
	return q.list(ctx, QueueDLQ)
}

// Pending returns the number of jobs waiting for a worker.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueClips).Result()
}

func (q *Queue) list(ctx context.Context, key string) ([]Job, error) {
	entries, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	jobs := make([]Job, 0, len(entries))
	for _, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		job.raw = raw
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DecodeClipRender unmarshals a clip render payload from a job envelope.
func DecodeClipRender(job *Job) (ClipRenderPayload, error) {
	var payload ClipRenderPayload
	if job.Type != JobTypeClipRender {
		return payload, fmt.Errorf("unknown job type: %s", job.Type)
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}
