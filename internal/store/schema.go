package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order on startup. Statements are idempotent so
// multiple replicas can race the migration safely.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		source_url TEXT NOT NULL,
		source_size BIGINT NOT NULL,
		source_checksum TEXT NOT NULL DEFAULT '',
		manifest_url TEXT NOT NULL DEFAULT '',
		duration_s DOUBLE PRECISION,
		width INTEGER,
		height INTEGER,
		codec TEXT NOT NULL DEFAULT '',
		bitrate INTEGER,
		fps DOUBLE PRECISION,
		thumbnails JSONB,
		upload_session_id TEXT,
		processing_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		id TEXT PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		multipart_upload_id TEXT NOT NULL DEFAULT '',
		object_key TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		total_parts INTEGER NOT NULL,
		part_size BIGINT NOT NULL,
		uploaded_parts JSONB NOT NULL DEFAULT '[]'::jsonb,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS segments (
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		url TEXT NOT NULL,
		start_s DOUBLE PRECISION NOT NULL,
		duration_s DOUBLE PRECISION NOT NULL,
		size BIGINT,
		keyframe BOOLEAN,
		PRIMARY KEY (video_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS job_outbox (
		id BIGSERIAL PRIMARY KEY,
		video_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		dispatched_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS videos_status_idx ON videos(status)`,
	`CREATE INDEX IF NOT EXISTS videos_created_at_idx ON videos(created_at)`,
	`CREATE INDEX IF NOT EXISTS videos_status_created_at_idx ON videos(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS videos_deleted_at_idx ON videos(deleted_at)`,
	`CREATE INDEX IF NOT EXISTS upload_sessions_video_id_idx ON upload_sessions(video_id)`,
	`CREATE INDEX IF NOT EXISTS upload_sessions_status_idx ON upload_sessions(status)`,
	`CREATE INDEX IF NOT EXISTS upload_sessions_expires_at_idx ON upload_sessions(expires_at)`,
	`CREATE INDEX IF NOT EXISTS job_outbox_pending_idx ON job_outbox(id) WHERE dispatched_at IS NULL`,
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply migration: %w", err)
		}
	}
	return nil
}
