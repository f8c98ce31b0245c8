package videos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clippie/backend/internal/models"
)

// ErrNotFound is returned when a video does not exist or belongs to another user.
var ErrNotFound = errors.New("video not found")

// Repository handles source video persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const videoColumns = `id, user_id, title, s3_key, content_type, file_size, duration, created_at`

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.UserID, &v.Title, &v.S3Key, &v.ContentType, &v.FileSize, &v.Duration, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Create inserts a probed video. ID is kept if set.
func (r *Repository) Create(ctx context.Context, v *models.Video) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	const q = `INSERT INTO videos (id, user_id, title, s3_key, content_type, file_size, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, v.ID, v.UserID, v.Title, v.S3Key, v.ContentType, v.FileSize, v.Duration).Scan(&v.CreatedAt)
}

// GetByIDForUser returns a video owned by userID.
func (r *Repository) GetByIDForUser(ctx context.Context, id, userID uuid.UUID) (*models.Video, error) {
	q := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1 AND user_id = $2`
	return scanVideo(r.pool.QueryRow(ctx, q, id, userID))
}

// ListByUser returns the user's videos, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Video, error) {
	q := `SELECT ` + videoColumns + ` FROM videos WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Video{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}
