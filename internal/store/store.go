// Package store is the relational source of truth for video and
// upload-session state. Two implementations share the Repository contract: a
// pgx-backed Postgres repository for deployments and an in-memory repository
// for development and tests. All state transitions are CAS-guarded so
// concurrent completes and late worker callbacks collapse to no-ops.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

// ErrNotFound is returned when a video or session id resolves to nothing.
var ErrNotFound = errors.New("store: not found")

// StateConflictError reports a transition attempted from the wrong state.
type StateConflictError struct {
	VideoID   string
	Current   models.VideoStatus
	Requested models.VideoStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("store: video %s is %s, cannot advance to %s", e.VideoID, e.Current, e.Requested)
}

// IsStateConflict reports whether err is a CAS failure on a video transition.
func IsStateConflict(err error) bool {
	var conflict *StateConflictError
	return errors.As(err, &conflict)
}

// CreateVideoParams captures the attributes set when a video row is created.
type CreateVideoParams struct {
	ID              string
	Title           string
	SourceURL       string
	SourceSize      int64
	SourceChecksum  string
	UploadSessionID string
	IsPublic        bool
}

// ReadyFields carries the worker-derived metadata written on the
// processing → ready transition.
type ReadyFields struct {
	ManifestURL string
	DurationS   float64
	Width       int
	Height      int
	Codec       string
	Bitrate     int
	FPS         float64
	Thumbnails  *models.ThumbnailDescriptor
	Attempts    int
}

// OutboxJob is one pending transcode dispatch recorded transactionally with
// the processing transition.
type OutboxJob struct {
	ID        int64
	VideoID   string
	SourceURL string
	CreatedAt time.Time
}

// Repository is the contract the orchestrator requires from the metadata
// store.
type Repository interface {
	// Videos.
	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context) ([]models.Video, error)

	// Transitions. Each runs under the per-video lock (SELECT ... FOR
	// UPDATE or the memory mutex) and fails with StateConflictError when
	// the current status does not permit the advance.
	MarkProcessing(ctx context.Context, videoID string) (models.Video, error)
	MarkReady(ctx context.Context, videoID string, fields ReadyFields) (models.Video, error)
	MarkFailed(ctx context.Context, videoID, lastError string, attempts int) (models.Video, error)
	// FailIfAwaitingUpload advances to failed only from pending_upload or
	// uploading; the collector uses it so a concurrent completion wins.
	FailIfAwaitingUpload(ctx context.Context, videoID, lastError string) (models.Video, error)
	MarkCancelled(ctx context.Context, videoID string) (models.Video, error)
	SoftDelete(ctx context.Context, videoID string) (models.Video, error)

	// Upload sessions.
	CreateSession(ctx context.Context, session models.UploadSession) error
	GetSession(ctx context.Context, id string) (models.UploadSession, error)
	GetSessionByVideo(ctx context.Context, videoID string) (models.UploadSession, error)
	RefreshSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error
	RegisterPartChecksums(ctx context.Context, sessionID string, parts []models.UploadedPart) (int, error)
	RecordUploadedParts(ctx context.Context, sessionID string, parts []models.UploadedPart) error
	SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, completedAt *time.Time) error
	FindSessionByUploadID(ctx context.Context, multipartUploadID string) (models.UploadSession, error)
	ListExpiredActiveSessions(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error)

	// Segments are worker-written; the orchestrator only counts them.
	CountSegments(ctx context.Context, videoID string) (int, error)

	// Outbox. MarkProcessing inserts a job row in the same durable act as
	// the status change; the queue relay drains and acknowledges them.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxJob, error)
	MarkOutboxDispatched(ctx context.Context, jobID int64) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// failableFrom lists the states MarkFailed may advance from: validation and
// expiry failures strike pending uploads, worker failures strike processing.
func failableFrom(status models.VideoStatus) bool {
	switch status {
	case models.StatusPendingUpload, models.StatusUploading, models.StatusProcessing:
		return true
	}
	return false
}
