// Package collector sweeps abandoned uploads: multipart uploads the object
// store still holds open past the TTL are aborted, and the matching session
// and video rows are reconciled. The sweep is idempotent; running it twice
// produces the same store and database state.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
	"github.com/oyerindedaniel/stream-forge/internal/store"
)

const expiredUploadError = "upload expired"

// Config tunes the collector.
type Config struct {
	Store   store.Repository
	Objects objectstore.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// TTL is how long an initiated multipart upload may stay incomplete.
	TTL time.Duration
	// Prefix limits the sweep to upload keys under this prefix.
	Prefix string
	// Clock is overridable for tests.
	Clock func() time.Time
}

const defaultTTL = 24 * time.Hour

// Collector runs the sweep.
type Collector struct {
	store   store.Repository
	objects objectstore.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
	ttl     time.Duration
	prefix  string
	now     func() time.Time
}

// New builds a collector from the configuration.
func New(cfg Config) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sources/"
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Collector{
		store:   cfg.Store,
		objects: cfg.Objects,
		logger:  logger,
		metrics: recorder,
		ttl:     ttl,
		prefix:  prefix,
		now:     now,
	}
}

// Sweep aborts aged multipart uploads and reconciles dangling session rows.
func (c *Collector) Sweep(ctx context.Context) error {
	cutoff := c.now().Add(-c.ttl)
	uploads, err := c.objects.ListIncompleteMultipart(ctx, c.prefix)
	if err != nil {
		c.metrics.ObserveCollectorSweep("error")
		return err
	}
	listable := make(map[string]struct{}, len(uploads))
	for _, upload := range uploads {
		listable[upload.UploadID] = struct{}{}
	}

	for _, upload := range uploads {
		if !upload.InitiatedAt.Before(cutoff) {
			continue
		}
		// A concurrent client completion makes the upload unlistable
		// between the list and the abort; skip rather than fail.
		if err := c.objects.AbortMultipart(ctx, upload.Key, upload.UploadID); err != nil {
			if objectstore.IsNotFound(err) {
				c.metrics.ObserveCollectorSweep("skipped")
				continue
			}
			c.logger.Error("abort abandoned upload", "key", upload.Key, "upload_id", upload.UploadID, "error", err)
			c.metrics.ObserveCollectorSweep("error")
			continue
		}
		c.metrics.ObserveCollectorSweep("aborted")
		c.logger.Info("abandoned upload aborted", "key", upload.Key, "upload_id", upload.UploadID)
		delete(listable, upload.UploadID)
		c.expireByUploadID(ctx, upload.UploadID)
	}

	return c.reconcileSessions(ctx, listable)
}

func (c *Collector) expireByUploadID(ctx context.Context, uploadID string) {
	session, err := c.store.FindSessionByUploadID(ctx, uploadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("find session for aborted upload", "upload_id", uploadID, "error", err)
		}
		return
	}
	c.expireSession(ctx, session)
}

// reconcileSessions expires active session rows whose window has long
// passed and whose upload the store no longer holds open.
func (c *Collector) reconcileSessions(ctx context.Context, listable map[string]struct{}) error {
	cutoff := c.now().Add(-c.ttl)
	sessions, err := c.store.ListExpiredActiveSessions(ctx, cutoff)
	if err != nil {
		c.metrics.ObserveCollectorSweep("error")
		return err
	}
	for _, session := range sessions {
		if session.MultipartUploadID != "" {
			if _, open := listable[session.MultipartUploadID]; open {
				continue
			}
		}
		c.expireSession(ctx, session)
	}
	return nil
}

func (c *Collector) expireSession(ctx context.Context, session models.UploadSession) {
	if session.Status != models.SessionActive {
		return
	}
	if err := c.store.SetSessionStatus(ctx, session.ID, models.SessionExpired, nil); err != nil {
		c.logger.Error("expire session", "session_id", session.ID, "error", err)
		return
	}
	c.metrics.ObserveCollectorSweep("expired")
	if _, err := c.store.FailIfAwaitingUpload(ctx, session.VideoID, expiredUploadError); err != nil {
		// The video may have completed or been cancelled in the
		// meantime; only its pending states expire.
		if !store.IsStateConflict(err) && !errors.Is(err, store.ErrNotFound) {
			c.logger.Error("fail expired video", "video_id", session.VideoID, "error", err)
		}
		return
	}
	c.logger.Info("upload session expired", "session_id", session.ID, "video_id", session.VideoID)
}
