package clips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clippie/backend/internal/models"
	"github.com/clippie/backend/internal/subscriptions"
)

var (
	ErrNotFound = errors.New("clip not found")
	// ErrNotProcessing means the clip already reached a terminal status.
	ErrNotProcessing = errors.New("clip is not processing")
)

// ReadyUpdate is the final write of a successful job.
type ReadyUpdate struct {
	ClipID        uuid.UUID
	UserID        uuid.UUID
	OutputKey     string
	Minutes       int
	Transcription *models.ClipTranscription
}

// Repository handles clip persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a clips repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const clipColumns = `id, user_id, video_id, title, start_time, end_time, duration, resolution, watermark, subtitles,
	status, COALESCE(output_key, ''), COALESCE(error_message, ''), created_at, updated_at`

func scanClip(row pgx.Row) (*models.Clip, error) {
	var c models.Clip
	var status string
	err := row.Scan(&c.ID, &c.UserID, &c.VideoID, &c.Title, &c.StartTime, &c.EndTime, &c.Duration, &c.Resolution,
		&c.Watermark, &c.Subtitles, &status, &c.OutputKey, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.ClipStatus(status)
	return &c, nil
}

func collectClips(rows pgx.Rows) ([]models.Clip, error) {
	defer rows.Close()
	list := []models.Clip{}
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// Create inserts a clip in processing state. Duration is recomputed from the range.
func (r *Repository) Create(ctx context.Context, c *models.Clip) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Duration = c.EndTime - c.StartTime
	c.Status = models.ClipStatusProcessing
	const q = `INSERT INTO clips (id, user_id, video_id, title, start_time, end_time, duration, resolution, watermark, subtitles, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'processing')
		RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, q, c.ID, c.UserID, c.VideoID, c.Title, c.StartTime, c.EndTime, c.Duration,
		c.Resolution, c.Watermark, c.Subtitles).Scan(&c.CreatedAt, &c.UpdatedAt)
}

// GetByID returns a clip.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Clip, error) {
	q := `SELECT ` + clipColumns + ` FROM clips WHERE id = $1`
	return scanClip(r.pool.QueryRow(ctx, q, id))
}

// GetByIDForUser returns a clip owned by userID.
func (r *Repository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Clip, error) {
	q := `SELECT ` + clipColumns + ` FROM clips WHERE id = $1 AND user_id = $2`
	return scanClip(r.pool.QueryRow(ctx, q, id, userID))
}

// ListByUser returns the user's clips, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Clip, error) {
	q := `SELECT ` + clipColumns + ` FROM clips WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectClips(rows)
}

// ReservedMinutes sums the minutes of the user's clips still processing.
func (r *Repository) ReservedMinutes(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `SELECT COALESCE(SUM(CEIL(duration / 60.0)), 0)::int FROM clips WHERE user_id = $1 AND status = 'processing'`
	var n int
	err := r.pool.QueryRow(ctx, q, userID).Scan(&n)
	return n, err
}

// UpdateOutput records the extracted clip while the job is still processing.
func (r *Repository) UpdateOutput(ctx context.Context, id uuid.UUID, outputKey string) error {
	const q = `UPDATE clips SET output_key = $2, updated_at = NOW() WHERE id = $1 AND status = 'processing'`
	tag, err := r.pool.Exec(ctx, q, id, outputKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

// MarkReady moves the clip to ready, charges the user's minutes and stores the
// transcription in one transaction. Nothing is written unless the clip was processing.
func (r *Repository) MarkReady(ctx context.Context, u ReadyUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `UPDATE clips SET status = 'ready', output_key = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`
	tag, err := tx.Exec(ctx, q, u.ClipID, u.OutputKey)
	if err != nil {
		return fmt.Errorf("update clip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	if err := subscriptions.IncrementMinutes(ctx, tx, u.UserID, u.Minutes); err != nil {
		return fmt.Errorf("increment minutes: %w", err)
	}
	if t := u.Transcription; t != nil {
		const tq = `INSERT INTO clip_transcriptions (clip_id, language, text, subtitle_key) VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, tq, u.ClipID, t.Language, t.Text, t.SubtitleKey); err != nil {
			return fmt.Errorf("insert transcription: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// MarkError moves a processing clip to error and drops any output reference.
func (r *Repository) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	const q = `UPDATE clips SET status = 'error', output_key = NULL, error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`
	tag, err := r.pool.Exec(ctx, q, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

// FailStale marks clips processing for longer than olderThan as error and returns them.
func (r *Repository) FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]models.Clip, error) {
	q := `UPDATE clips SET status = 'error', output_key = NULL, error_message = $2, updated_at = NOW()
		WHERE status = 'processing' AND updated_at < NOW() - make_interval(secs => $1)
		RETURNING ` + clipColumns
	rows, err := r.pool.Query(ctx, q, olderThan.Seconds(), reason)
	if err != nil {
		return nil, err
	}
	return collectClips(rows)
}

// GetTranscription returns the caption track of a clip.
func (r *Repository) GetTranscription(ctx context.Context, clipID uuid.UUID) (*models.ClipTranscription, error) {
	const q = `SELECT clip_id, language, text, subtitle_key, created_at FROM clip_transcriptions WHERE clip_id = $1`
	var t models.ClipTranscription
	err := r.pool.QueryRow(ctx, q, clipID).Scan(&t.ClipID, &t.Language, &t.Text, &t.SubtitleKey, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
