package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodforge/internal/models"
)

// PostgresConfig tunes the pgx connection pool backing the repository.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// videos table exists.
func NewPostgresRepository(cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool}
	if err := repo.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS videos (
    id                  TEXT PRIMARY KEY,
    title               TEXT NOT NULL,
    description         TEXT NOT NULL DEFAULT '',
    original_file_name  TEXT NOT NULL DEFAULT '',
    original_path       TEXT NOT NULL DEFAULT '',
    master_playlist_url TEXT NOT NULL DEFAULT '',
    thumbnail_url       TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    last_error          TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
)
`)
	if err != nil {
		return fmt.Errorf("ensure videos schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const videoColumns = `id, title, description, original_file_name, original_path, master_playlist_url, thumbnail_url, status, last_error, created_at, updated_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var video models.Video
	var status string
	err := row.Scan(
		&video.ID,
		&video.Title,
		&video.Description,
		&video.OriginalFileName,
		&video.OriginalPath,
		&video.MasterPlaylistURL,
		&video.ThumbnailURL,
		&status,
		&video.Error,
		&video.CreatedAt,
		&video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	return video, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Video{}, fmt.Errorf("title is required")
	}
	now := time.Now().UTC()
	video := models.Video{
		ID:               uuid.NewString(),
		Title:            title,
		Description:      strings.TrimSpace(params.Description),
		OriginalFileName: strings.TrimSpace(params.OriginalFileName),
		Status:           models.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := r.pool.Exec(context.Background(), `
INSERT INTO videos (`+videoColumns+`)
VALUES ($1, $2, $3, $4, '', '', '', $5, '', $6, $7)
`, video.ID, video.Title, video.Description, video.OriginalFileName, string(video.Status), video.CreatedAt, video.UpdatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	row := r.pool.QueryRow(context.Background(), `
SELECT `+videoColumns+` FROM videos WHERE id = $1
`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.Video {
	rows, err := r.pool.Query(context.Background(), `
SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC, id DESC
`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectVideos(rows)
}

func (r *postgresRepository) ListUnfinished() []models.Video {
	rows, err := r.pool.Query(context.Background(), `
SELECT `+videoColumns+` FROM videos WHERE status IN ($1, $2) ORDER BY created_at DESC, id DESC
`, string(models.StatusPending), string(models.StatusProcessing))
	if err != nil {
		return nil
	}
	defer rows.Close()
	return collectVideos(rows)
}

func collectVideos(rows pgx.Rows) []models.Video {
	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return videos
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	ctx := context.Background()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `
SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE
`, id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("lock video: %w", err)
	}

	if update.Status != nil && *update.Status != video.Status {
		if !video.Status.CanTransitionTo(*update.Status) {
			return models.Video{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, video.Status, *update.Status)
		}
		video.Status = *update.Status
	}
	applyFieldUpdates(&video, update)
	video.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
UPDATE videos
SET title = $2, description = $3, original_path = $4, master_playlist_url = $5,
    thumbnail_url = $6, status = $7, last_error = $8, updated_at = $9
WHERE id = $1
`, video.ID, video.Title, video.Description, video.OriginalPath, video.MasterPlaylistURL,
		video.ThumbnailURL, string(video.Status), video.Error, video.UpdatedAt)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit update: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	tag, err := r.pool.Exec(context.Background(), `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) ClaimForProcessing(id string, staleAfter time.Duration) (models.Video, bool, error) {
	ctx := context.Background()
	now := time.Now().UTC()

	// A single conditional UPDATE keeps check and status write atomic so
	// only one of two racing claimants can win.
	var staleCutoff time.Time
	if staleAfter > 0 {
		staleCutoff = now.Add(-staleAfter)
	}
	row := r.pool.QueryRow(ctx, `
UPDATE videos
SET status = $2, last_error = '', updated_at = $3
WHERE id = $1
  AND (status IN ($4, $5) OR (status = $2 AND $6 AND updated_at < $7))
RETURNING `+videoColumns+`
`, id, string(models.StatusProcessing), now,
		string(models.StatusPending), string(models.StatusFailed),
		staleAfter > 0, staleCutoff)
	video, err := scanVideo(row)
	if err == nil {
		return video, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, false, fmt.Errorf("claim video: %w", err)
	}

	// Claim lost or video missing; report which.
	current, ok := r.GetVideo(id)
	if !ok {
		return models.Video{}, false, ErrNotFound
	}
	return current, false, nil
}
