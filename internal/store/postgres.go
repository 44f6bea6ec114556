package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
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

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migrations.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("store: postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres config: %w", err)
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres pool: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &postgresRepository{pool: pool}, nil
}

const videoColumns = `id, title, status, source_url, source_size, source_checksum, manifest_url,
duration_s, width, height, codec, bitrate, fps, thumbnails, upload_session_id,
processing_attempts, last_error, is_public, created_at, updated_at, processed_at,
cancelled_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var (
		video           models.Video
		status          string
		thumbnailsJSON  []byte
		uploadSessionID *string
	)
	err := row.Scan(
		&video.ID, &video.Title, &status, &video.SourceURL, &video.SourceSize,
		&video.SourceChecksum, &video.ManifestURL, &video.DurationS, &video.Width,
		&video.Height, &video.Codec, &video.Bitrate, &video.FPS, &thumbnailsJSON,
		&uploadSessionID, &video.ProcessingAttempts, &video.LastError,
		&video.IsPublic, &video.CreatedAt, &video.UpdatedAt, &video.ProcessedAt,
		&video.CancelledAt, &video.DeletedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Status = models.VideoStatus(status)
	if uploadSessionID != nil {
		video.UploadSessionID = *uploadSessionID
	}
	if len(thumbnailsJSON) > 0 {
		var thumbs models.ThumbnailDescriptor
		if err := json.Unmarshal(thumbnailsJSON, &thumbs); err == nil {
			video.Thumbnails = &thumbs
		}
	}
	return video, nil
}

func (r *postgresRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	now := time.Now().UTC()
	var sessionID *string
	if params.UploadSessionID != "" {
		sessionID = &params.UploadSessionID
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO videos (id, title, status, source_url, source_size, source_checksum, upload_session_id, is_public, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
`, params.ID, params.Title, string(models.StatusPendingUpload), params.SourceURL,
		params.SourceSize, params.SourceChecksum, sessionID, params.IsPublic, now)
	if err != nil {
		return models.Video{}, fmt.Errorf("store: insert video: %w", err)
	}
	return r.GetVideo(ctx, params.ID)
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("store: get video: %w", err)
	}
	return video, nil
}

func (r *postgresRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+videoColumns+`
FROM videos
WHERE status <> 'deleted' AND deleted_at IS NULL
ORDER BY created_at DESC, id
`)
	if err != nil {
		return nil, fmt.Errorf("store: list videos: %w", err)
	}
	defer rows.Close()
	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan video: %w", err)
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

// lockVideo reads the row under FOR UPDATE so the transition below is
// serialized per video across replicas.
func lockVideo(ctx context.Context, tx pgx.Tx, videoID string) (models.VideoStatus, string, error) {
	var status, sourceURL string
	err := tx.QueryRow(ctx, `SELECT status, source_url FROM videos WHERE id = $1 FOR UPDATE`, videoID).
		Scan(&status, &sourceURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("store: lock video: %w", err)
	}
	return models.VideoStatus(status), sourceURL, nil
}

func (r *postgresRepository) MarkProcessing(ctx context.Context, videoID string) (models.Video, error) {
	var video models.Video
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, sourceURL, err := lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if !status.CanTransition(models.StatusProcessing) {
			return &StateConflictError{VideoID: videoID, Current: status, Requested: models.StatusProcessing}
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
UPDATE videos SET status = 'processing', processing_attempts = 0, last_error = '', updated_at = $2
WHERE id = $1
`, videoID, now); err != nil {
			return fmt.Errorf("store: mark processing: %w", err)
		}
		// The enqueue rides the same transaction: a crash after commit
		// leaves an undispatched outbox row for the relay, never a
		// processing video with no job.
		if _, err := tx.Exec(ctx, `
INSERT INTO job_outbox (video_id, source_url, created_at) VALUES ($1, $2, $3)
`, videoID, sourceURL, now); err != nil {
			return fmt.Errorf("store: insert outbox: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *postgresRepository) MarkReady(ctx context.Context, videoID string, fields ReadyFields) (models.Video, error) {
	var video models.Video
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, _, err := lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if status != models.StatusProcessing {
			return &StateConflictError{VideoID: videoID, Current: status, Requested: models.StatusReady}
		}
		now := time.Now().UTC()
		var thumbnailsJSON []byte
		if fields.Thumbnails != nil {
			thumbnailsJSON, _ = json.Marshal(fields.Thumbnails)
		}
		var width, height, bitrate *int
		if fields.Width > 0 {
			width = &fields.Width
		}
		if fields.Height > 0 {
			height = &fields.Height
		}
		if fields.Bitrate > 0 {
			bitrate = &fields.Bitrate
		}
		var fps *float64
		if fields.FPS > 0 {
			fps = &fields.FPS
		}
		if _, err := tx.Exec(ctx, `
UPDATE videos SET status = 'ready', manifest_url = $2, duration_s = $3, width = $4,
height = $5, codec = $6, bitrate = $7, fps = $8, thumbnails = $9,
processing_attempts = GREATEST(processing_attempts, $10), last_error = '',
processed_at = $11, updated_at = $11
WHERE id = $1
`, videoID, fields.ManifestURL, fields.DurationS, width, height, fields.Codec,
			bitrate, fps, thumbnailsJSON, fields.Attempts, now); err != nil {
			return fmt.Errorf("store: mark ready: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *postgresRepository) MarkFailed(ctx context.Context, videoID, lastError string, attempts int) (models.Video, error) {
	var video models.Video
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, _, err := lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if !failableFrom(status) {
			return &StateConflictError{VideoID: videoID, Current: status, Requested: models.StatusFailed}
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
UPDATE videos SET status = 'failed', last_error = $2,
processing_attempts = GREATEST(processing_attempts, $3), updated_at = $4
WHERE id = $1
`, videoID, lastError, attempts, now); err != nil {
			return fmt.Errorf("store: mark failed: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *postgresRepository) FailIfAwaitingUpload(ctx context.Context, videoID, lastError string) (models.Video, error) {
	var video models.Video
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, _, err := lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if status != models.StatusPendingUpload && status != models.StatusUploading {
			return &StateConflictError{VideoID: videoID, Current: status, Requested: models.StatusFailed}
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
UPDATE videos SET status = 'failed', last_error = $2, updated_at = $3 WHERE id = $1
`, videoID, lastError, now); err != nil {
			return fmt.Errorf("store: fail awaiting upload: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *postgresRepository) MarkCancelled(ctx context.Context, videoID string) (models.Video, error) {
	var video models.Video
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, _, err := lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if !status.CanTransition(models.StatusCancelled) {
			return &StateConflictError{VideoID: videoID, Current: status, Requested: models.StatusCancelled}
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
UPDATE videos SET status = 'cancelled', cancelled_at = $2, updated_at = $2 WHERE id = $1
`, videoID, now); err != nil {
			return fmt.Errorf("store: mark cancelled: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

func (r *postgresRepository) SoftDelete(ctx context.Context, videoID string) (models.Video, error) {
	var video models.Video
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		status, _, err := lockVideo(ctx, tx, videoID)
		if err != nil {
			return err
		}
		if !status.CanTransition(models.StatusDeleted) {
			return &StateConflictError{VideoID: videoID, Current: status, Requested: models.StatusDeleted}
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
UPDATE videos SET status = 'deleted', deleted_at = $2, updated_at = $2 WHERE id = $1
`, videoID, now); err != nil {
			return fmt.Errorf("store: soft delete: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID)
		video, err = scanVideo(row)
		return err
	})
	if err != nil {
		return models.Video{}, err
	}
	return video, nil
}

const sessionColumns = `id, video_id, multipart_upload_id, object_key, content_type, total_parts,
part_size, uploaded_parts, status, expires_at, created_at, completed_at`

func scanSession(row rowScanner) (models.UploadSession, error) {
	var (
		session   models.UploadSession
		status    string
		partsJSON []byte
	)
	err := row.Scan(
		&session.ID, &session.VideoID, &session.MultipartUploadID, &session.Key,
		&session.ContentType, &session.TotalParts, &session.PartSize, &partsJSON,
		&status, &session.ExpiresAt, &session.CreatedAt, &session.CompletedAt,
	)
	if err != nil {
		return models.UploadSession{}, err
	}
	session.Status = models.SessionStatus(status)
	if len(partsJSON) > 0 {
		if err := json.Unmarshal(partsJSON, &session.UploadedParts); err != nil {
			return models.UploadSession{}, fmt.Errorf("store: decode uploaded parts: %w", err)
		}
	}
	return session, nil
}

func (r *postgresRepository) CreateSession(ctx context.Context, session models.UploadSession) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	partsJSON, err := json.Marshal(session.UploadedParts)
	if err != nil {
		return fmt.Errorf("store: encode uploaded parts: %w", err)
	}
	if session.UploadedParts == nil {
		partsJSON = []byte(`[]`)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO upload_sessions (id, video_id, multipart_upload_id, object_key, content_type, total_parts, part_size, uploaded_parts, status, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, session.ID, session.VideoID, session.MultipartUploadID, session.Key,
			session.ContentType, session.TotalParts, session.PartSize, partsJSON,
			string(session.Status), session.ExpiresAt.UTC(), session.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("store: insert session: %w", err)
		}
		if _, err := tx.Exec(ctx, `
UPDATE videos SET upload_session_id = $2, updated_at = $3 WHERE id = $1
`, session.VideoID, session.ID, time.Now().UTC()); err != nil {
			return fmt.Errorf("store: link session: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("store: get session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) GetSessionByVideo(ctx context.Context, videoID string) (models.UploadSession, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+sessionColumns+` FROM upload_sessions WHERE video_id = $1 ORDER BY created_at DESC LIMIT 1
`, videoID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("store: get session by video: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) RefreshSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE upload_sessions SET expires_at = $2 WHERE id = $1`, id, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store: refresh session expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) updateSessionParts(ctx context.Context, sessionID string, parts []models.UploadedPart, keepETag bool) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = $1 FOR UPDATE`, sessionID)
		session, err := scanSession(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("store: lock session: %w", err)
		}
		merged := mergeParts(session.UploadedParts, parts, keepETag)
		partsJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("store: encode uploaded parts: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE upload_sessions SET uploaded_parts = $2 WHERE id = $1`, sessionID, partsJSON); err != nil {
			return fmt.Errorf("store: update uploaded parts: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) RegisterPartChecksums(ctx context.Context, sessionID string, parts []models.UploadedPart) (int, error) {
	if err := r.updateSessionParts(ctx, sessionID, parts, true); err != nil {
		return 0, err
	}
	return len(parts), nil
}

func (r *postgresRepository) RecordUploadedParts(ctx context.Context, sessionID string, parts []models.UploadedPart) error {
	return r.updateSessionParts(ctx, sessionID, parts, false)
}

func (r *postgresRepository) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, completedAt *time.Time) error {
	var completed *time.Time
	if completedAt != nil {
		at := completedAt.UTC()
		completed = &at
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE upload_sessions SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1
`, sessionID, string(status), completed)
	if err != nil {
		return fmt.Errorf("store: set session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) FindSessionByUploadID(ctx context.Context, multipartUploadID string) (models.UploadSession, error) {
	if multipartUploadID == "" {
		return models.UploadSession{}, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `
SELECT `+sessionColumns+` FROM upload_sessions WHERE multipart_upload_id = $1 LIMIT 1
`, multipartUploadID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.UploadSession{}, ErrNotFound
		}
		return models.UploadSession{}, fmt.Errorf("store: find session by upload id: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ListExpiredActiveSessions(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+sessionColumns+` FROM upload_sessions WHERE status = 'active' AND expires_at < $1 ORDER BY expires_at
`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: list expired sessions: %w", err)
	}
	defer rows.Close()
	var sessions []models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *postgresRepository) CountSegments(ctx context.Context, videoID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM segments WHERE video_id = $1`, videoID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count segments: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, video_id, source_url, created_at FROM job_outbox
WHERE dispatched_at IS NULL ORDER BY id LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending outbox: %w", err)
	}
	defer rows.Close()
	var jobs []OutboxJob
	for rows.Next() {
		var job OutboxJob
		if err := rows.Scan(&job.ID, &job.VideoID, &job.SourceURL, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan outbox: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *postgresRepository) MarkOutboxDispatched(ctx context.Context, jobID int64) error {
	_, err := r.pool.Exec(ctx, `
UPDATE job_outbox SET dispatched_at = $2 WHERE id = $1 AND dispatched_at IS NULL
`, jobID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: mark outbox dispatched: %w", err)
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
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

var _ Repository = (*postgresRepository)(nil)
