// Package lifecycle owns the top-level video state machine. The controller
// coordinates the session manager, the metadata store, and the object store
// for every transition; the consumer reconciles worker-published status
// events into the same machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oyerindedaniel/stream-forge/internal/models"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/store"
	"github.com/oyerindedaniel/stream-forge/internal/upload"
)

const maxTitleLength = 512

// Controller advances videos through the lifecycle.
type Controller struct {
	store    store.Repository
	objects  objectstore.Client
	sessions *upload.Manager
	logger   *slog.Logger
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Store    store.Repository
	Objects  objectstore.Client
	Sessions *upload.Manager
	Logger   *slog.Logger
}

// NewController builds the lifecycle controller.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    cfg.Store,
		objects:  cfg.Objects,
		sessions: cfg.Sessions,
		logger:   logger,
	}
}

// CreateUploadParams is the client request that opens an ingest.
type CreateUploadParams struct {
	Filename    string
	ContentType string
	Size        int64
	Checksum    string
	Title       string
	IsPublic    bool
}

// CreateUploadResult pairs the created video with its minted session.
type CreateUploadResult struct {
	Video   models.Video
	Session upload.OpenResult
}

// CreateUpload registers a new video in pending_upload and opens its upload
// session.
func (c *Controller) CreateUpload(ctx context.Context, params CreateUploadParams) (CreateUploadResult, error) {
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return CreateUploadResult{}, &upload.ValidationError{Message: "filename is required"}
	}
	contentType := strings.TrimSpace(params.ContentType)
	if contentType == "" {
		return CreateUploadResult{}, &upload.ValidationError{Message: "contentType is required"}
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	}
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength]
	}

	videoID := strings.ReplaceAll(uuid.NewString(), "-", "")
	key := objectstore.SourceKey(videoID, filename)
	video, err := c.store.CreateVideo(ctx, store.CreateVideoParams{
		ID:             videoID,
		Title:          title,
		SourceURL:      objectstore.SourceURI(c.objects.Bucket(), key),
		SourceSize:     params.Size,
		SourceChecksum: strings.TrimSpace(params.Checksum),
		IsPublic:       params.IsPublic,
	})
	if err != nil {
		return CreateUploadResult{}, fmt.Errorf("create video: %w", err)
	}

	result, err := c.sessions.Open(ctx, videoID, filename, contentType, params.Size, video.SourceChecksum)
	if err != nil {
		if _, failErr := c.store.MarkFailed(ctx, videoID, "upload session could not be opened", 0); failErr != nil {
			c.logger.Error("mark failed after open error", "video_id", videoID, "error", failErr)
		}
		return CreateUploadResult{}, err
	}
	video.UploadSessionID = result.Session.ID
	c.logger.Info("upload session opened",
		"video_id", videoID,
		"multipart", result.Session.Multipart(),
		"parts", result.Session.TotalParts,
		"size", params.Size)
	return CreateUploadResult{Video: video, Session: result}, nil
}

// Get returns one video.
func (c *Controller) Get(ctx context.Context, videoID string) (models.Video, error) {
	return c.store.GetVideo(ctx, videoID)
}

// List returns all non-deleted videos.
func (c *Controller) List(ctx context.Context) ([]models.Video, error) {
	return c.store.ListVideos(ctx)
}

// Session returns the upload session backing a video.
func (c *Controller) Session(ctx context.Context, videoID string) (models.UploadSession, error) {
	return c.store.GetSessionByVideo(ctx, videoID)
}

// RefreshURLs re-mints part URLs for a video still awaiting its upload.
func (c *Controller) RefreshURLs(ctx context.Context, videoID string) ([]objectstore.PresignedURL, models.UploadSession, time.Time, error) {
	video, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return nil, models.UploadSession{}, time.Time{}, err
	}
	if video.Status != models.StatusPendingUpload && video.Status != models.StatusUploading {
		return nil, models.UploadSession{}, time.Time{}, &store.StateConflictError{
			VideoID: videoID, Current: video.Status, Requested: models.StatusPendingUpload,
		}
	}
	session, err := c.store.GetSessionByVideo(ctx, videoID)
	if err != nil {
		return nil, models.UploadSession{}, time.Time{}, err
	}
	urls, expiresAt, err := c.sessions.Refresh(ctx, session)
	if err != nil {
		return nil, models.UploadSession{}, time.Time{}, err
	}
	return urls, session, expiresAt, nil
}

// RegisterChecksums stores per-part digests ahead of completion.
func (c *Controller) RegisterChecksums(ctx context.Context, videoID string, parts []upload.PartChecksum) (int, error) {
	video, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return 0, err
	}
	if video.Status != models.StatusPendingUpload && video.Status != models.StatusUploading {
		return 0, &store.StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusPendingUpload}
	}
	session, err := c.store.GetSessionByVideo(ctx, videoID)
	if err != nil {
		return 0, err
	}
	return c.sessions.RegisterChecksums(ctx, session, parts)
}

// Complete finalizes the upload and advances pending_upload → processing.
// The transcode enqueue commits in the same transaction as the transition,
// so a retried complete cannot double-dispatch: the CAS fails first.
func (c *Controller) Complete(ctx context.Context, videoID string, parts []upload.CompletedPartInput) (models.Video, error) {
	video, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.Status != models.StatusPendingUpload && video.Status != models.StatusUploading {
		return models.Video{}, &store.StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusProcessing}
	}
	session, err := c.store.GetSessionByVideo(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}

	if err := c.sessions.Finalize(ctx, video, session, parts); err != nil {
		if failsVideo(err) {
			c.sessions.MarkFailed(ctx, session.ID)
			if _, failErr := c.store.MarkFailed(ctx, videoID, err.Error(), 0); failErr != nil && !store.IsStateConflict(failErr) {
				c.logger.Error("mark failed after finalize error", "video_id", videoID, "error", failErr)
			}
		}
		return models.Video{}, err
	}

	updated, err := c.store.MarkProcessing(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	c.logger.Info("upload completed", "video_id", videoID, "status", updated.Status)
	return updated, nil
}

// failsVideo distinguishes integrity and storage failures, which strike the
// video, from request validation problems, which must not change state.
func failsVideo(err error) bool {
	if upload.IsChecksumMismatch(err) || errors.Is(err, upload.ErrUploadExpired) {
		return true
	}
	var se *objectstore.Error
	if errors.As(err, &se) {
		return true
	}
	return false
}

// Abort cancels a pending upload on client request: the multipart upload is
// aborted, any finalized source object deleted, and the video marked
// cancelled.
func (c *Controller) Abort(ctx context.Context, videoID string) (models.Video, error) {
	video, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.Status != models.StatusPendingUpload && video.Status != models.StatusUploading {
		return models.Video{}, &store.StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusCancelled}
	}
	if session, err := c.store.GetSessionByVideo(ctx, videoID); err == nil {
		if err := c.sessions.Abort(ctx, session); err != nil {
			return models.Video{}, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Video{}, err
	}
	cancelled, err := c.store.MarkCancelled(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	c.logger.Info("upload aborted", "video_id", videoID)
	return cancelled, nil
}

// Delete soft-deletes a video and kicks off best-effort removal of its
// stored objects. The row is excluded from listings immediately; object
// deletion failures only log.
func (c *Controller) Delete(ctx context.Context, videoID string) (models.Video, error) {
	deleted, err := c.store.SoftDelete(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	go c.purgeObjects(deleted)
	c.logger.Info("video deleted", "video_id", videoID)
	return deleted, nil
}

func (c *Controller) purgeObjects(video models.Video) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, key, ok := objectstore.ParseSourceURI(video.SourceURL); ok {
		if err := c.objects.Delete(ctx, key); err != nil {
			c.logger.Warn("source purge failed", "video_id", video.ID, "key", key, "error", err)
		}
	}
	manifestKey := objectstore.ManifestKey(video.ID)
	if err := c.objects.Delete(ctx, manifestKey); err != nil {
		c.logger.Warn("manifest purge failed", "video_id", video.ID, "key", manifestKey, "error", err)
	}
}
