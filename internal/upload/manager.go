// Package upload implements the ingest protocol state machine: session
// selection, presigned URL minting and refresh, the per-part checksum
// registry, completion validation, and abort. Session rows are owned
// exclusively by this package; video rows stay with the lifecycle
// controller.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oyerindedaniel/stream-forge/internal/models"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/store"
)

// Part size limits imposed by S3-compatible providers.
const (
	MinPartBytes = 5 << 20 // 5 MiB, all parts except the last
	MaxPartBytes = 5 << 30 // 5 GiB
	MaxParts     = 10000
)

// Config tunes the session manager. Zero values fall back to the documented
// defaults.
type Config struct {
	Store   store.Repository
	Objects objectstore.Client
	Logger  *slog.Logger

	MaxFileSize           int64
	MultipartThreshold    int64
	ChunkBytes            int64
	MaxMultipartParts     int
	PresignTTL            time.Duration
	ValidationParallelism int
	ValidationWall        time.Duration

	// Clock is overridable for tests.
	Clock func() time.Time
}

const (
	defaultMaxFileSize        = 10 << 30  // 10 GiB
	defaultMultipartThreshold = 100 << 20 // 100 MiB
	defaultChunkBytes         = 50 << 20  // 50 MiB
	defaultPresignTTL         = time.Hour
	defaultParallelism        = 5
	defaultValidationWall     = 120 * time.Second
)

func (cfg Config) applyDefaults() Config {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = defaultMultipartThreshold
	}
	if cfg.ChunkBytes < MinPartBytes || cfg.ChunkBytes > MaxPartBytes {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.MaxMultipartParts <= 0 || cfg.MaxMultipartParts > MaxParts {
		cfg.MaxMultipartParts = MaxParts
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	if cfg.ValidationParallelism <= 0 {
		cfg.ValidationParallelism = defaultParallelism
	}
	if cfg.ValidationWall <= 0 {
		cfg.ValidationWall = defaultValidationWall
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

// Manager issues and finalizes upload sessions.
type Manager struct {
	cfg     Config
	store   store.Repository
	objects objectstore.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager builds a session manager from the configuration.
func NewManager(cfg Config) *Manager {
	cfg = cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		store:   cfg.Store,
		objects: cfg.Objects,
		logger:  cfg.Logger,
		now:     cfg.Clock,
	}
}

// MaxFileSize exposes the configured upload ceiling for boundary checks at
// the HTTP layer.
func (m *Manager) MaxFileSize() int64 { return m.cfg.MaxFileSize }

// PresignTTL exposes the configured URL validity window.
func (m *Manager) PresignTTL() time.Duration { return m.cfg.PresignTTL }

// OpenResult is the minted session handed back to the client.
type OpenResult struct {
	Session   models.UploadSession
	UploadURL *objectstore.PresignedURL  // single-PUT sessions
	PartURLs  []objectstore.PresignedURL // multipart sessions, index i = part i+1
}

// Open selects single-PUT or multipart for the declared size, initiates the
// upload with the object store, mints presigned URLs, and persists the
// session row with status active. Every session materializes a row;
// single-PUT sessions carry total_parts=1.
func (m *Manager) Open(ctx context.Context, videoID, filename, contentType string, size int64, checksumSHA256 string) (OpenResult, error) {
	if size < 1 {
		return OpenResult{}, validationf("size must be at least 1 byte")
	}
	if size > m.cfg.MaxFileSize {
		return OpenResult{}, &FileTooLargeError{Size: size, MaxSize: m.cfg.MaxFileSize}
	}
	if checksumSHA256 != "" {
		if err := validateChecksum(checksumSHA256); err != nil {
			return OpenResult{}, err
		}
	}
	key := objectstore.SourceKey(videoID, filename)
	now := m.now()
	session := models.UploadSession{
		ID:          uuid.NewString(),
		VideoID:     videoID,
		Key:         key,
		ContentType: contentType,
		Status:      models.SessionActive,
		ExpiresAt:   now.Add(m.cfg.PresignTTL),
		CreatedAt:   now,
	}

	if size <= m.cfg.MultipartThreshold {
		session.TotalParts = 1
		session.PartSize = size
		signed, err := m.objects.PresignPut(ctx, key, contentType, m.cfg.PresignTTL, checksumSHA256)
		if err != nil {
			return OpenResult{}, fmt.Errorf("mint upload url: %w", err)
		}
		if err := m.store.CreateSession(ctx, session); err != nil {
			return OpenResult{}, fmt.Errorf("persist session: %w", err)
		}
		return OpenResult{Session: session, UploadURL: &signed}, nil
	}

	partSize := m.cfg.ChunkBytes
	numParts := int((size + partSize - 1) / partSize)
	if numParts > m.cfg.MaxMultipartParts {
		return OpenResult{}, &PartsLimitError{RequestedParts: numParts, MaxParts: m.cfg.MaxMultipartParts}
	}
	uploadID, err := m.objects.CreateMultipart(ctx, key, contentType)
	if err != nil {
		return OpenResult{}, fmt.Errorf("initiate multipart: %w", err)
	}
	urls, err := m.mintPartURLs(ctx, key, uploadID, numParts)
	if err != nil {
		if abortErr := m.objects.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			m.logger.Warn("abort after presign failure", "video_id", videoID, "error", abortErr)
		}
		return OpenResult{}, err
	}
	session.MultipartUploadID = uploadID
	session.TotalParts = numParts
	session.PartSize = partSize
	if err := m.store.CreateSession(ctx, session); err != nil {
		if abortErr := m.objects.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			m.logger.Warn("abort after persist failure", "video_id", videoID, "error", abortErr)
		}
		return OpenResult{}, fmt.Errorf("persist session: %w", err)
	}
	return OpenResult{Session: session, PartURLs: urls}, nil
}

func (m *Manager) mintPartURLs(ctx context.Context, key, uploadID string, numParts int) ([]objectstore.PresignedURL, error) {
	urls := make([]objectstore.PresignedURL, numParts)
	for part := 1; part <= numParts; part++ {
		signed, err := m.objects.PresignUploadPart(ctx, key, uploadID, part, m.cfg.PresignTTL)
		if err != nil {
			return nil, fmt.Errorf("mint part %d url: %w", part, err)
		}
		urls[part-1] = signed
	}
	return urls, nil
}

// Refresh re-mints every part URL for an active multipart session with a new
// expiry. The multipart upload ID is unchanged; parts already uploaded stay
// uploaded.
func (m *Manager) Refresh(ctx context.Context, session models.UploadSession) ([]objectstore.PresignedURL, time.Time, error) {
	if session.Status != models.SessionActive {
		return nil, time.Time{}, validationf("session %s is %s, not active", session.ID, session.Status)
	}
	if !session.Multipart() {
		return nil, time.Time{}, validationf("session %s is not multipart", session.ID)
	}
	urls, err := m.mintPartURLs(ctx, session.Key, session.MultipartUploadID, session.TotalParts)
	if err != nil {
		return nil, time.Time{}, err
	}
	expiresAt := m.now().Add(m.cfg.PresignTTL)
	if err := m.store.RefreshSessionExpiry(ctx, session.ID, expiresAt); err != nil {
		return nil, time.Time{}, fmt.Errorf("refresh session expiry: %w", err)
	}
	return urls, expiresAt, nil
}

// PartChecksum is one client-declared digest for the registry.
type PartChecksum struct {
	PartNumber int
	Checksum   string
	Size       int64
}

// RegisterChecksums records per-part digests ahead of completion.
func (m *Manager) RegisterChecksums(ctx context.Context, session models.UploadSession, parts []PartChecksum) (int, error) {
	if session.Status != models.SessionActive {
		return 0, validationf("session %s is %s, not active", session.ID, session.Status)
	}
	if len(parts) == 0 {
		return 0, validationf("at least one part checksum is required")
	}
	seen := make(map[int]struct{}, len(parts))
	updates := make([]models.UploadedPart, 0, len(parts))
	for _, part := range parts {
		if part.PartNumber < 1 || part.PartNumber > session.TotalParts {
			return 0, validationf("part number %d out of range [1, %d]", part.PartNumber, session.TotalParts)
		}
		if _, dup := seen[part.PartNumber]; dup {
			return 0, validationf("duplicate checksum for part %d", part.PartNumber)
		}
		seen[part.PartNumber] = struct{}{}
		if err := validateChecksum(part.Checksum); err != nil {
			return 0, err
		}
		if part.Size < 0 || part.Size > MaxPartBytes {
			return 0, validationf("part %d size %d out of range", part.PartNumber, part.Size)
		}
		updates = append(updates, models.UploadedPart{
			PartNumber: part.PartNumber,
			Checksum:   part.Checksum,
			Size:       part.Size,
		})
	}
	return m.store.RegisterPartChecksums(ctx, session.ID, updates)
}

// CompletedPartInput is the client-collected ETag list handed to Finalize.
type CompletedPartInput struct {
	PartNumber int
	ETag       string
}

// Finalize consolidates the upload and validates its integrity: the object
// must exist with the declared size, and any registered checksums must match
// the bytes actually stored. On success the session is marked completed. The
// caller owns the video-state consequences of any failure.
func (m *Manager) Finalize(ctx context.Context, video models.Video, session models.UploadSession, parts []CompletedPartInput) error {
	if session.Status != models.SessionActive {
		return validationf("session %s is %s, not active", session.ID, session.Status)
	}
	if m.now().After(session.ExpiresAt) {
		return ErrUploadExpired
	}
	if session.Multipart() {
		if err := m.finalizeMultipart(ctx, session, parts); err != nil {
			return err
		}
	} else if len(parts) > 0 {
		return validationf("single upload sessions take no part list")
	}

	info, err := m.objects.Head(ctx, session.Key)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return validationf("source object %s was not uploaded", session.Key)
		}
		return fmt.Errorf("verify source object: %w", err)
	}
	if info.Size != video.SourceSize {
		return validationf("uploaded size %d does not match declared size %d", info.Size, video.SourceSize)
	}

	if err := m.verifyChecksums(ctx, video, session); err != nil {
		return err
	}

	completedAt := m.now()
	if err := m.store.SetSessionStatus(ctx, session.ID, models.SessionCompleted, &completedAt); err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}
	return nil
}

func (m *Manager) finalizeMultipart(ctx context.Context, session models.UploadSession, parts []CompletedPartInput) error {
	if len(parts) != session.TotalParts {
		return validationf("expected %d parts, got %d", session.TotalParts, len(parts))
	}
	completed := make([]objectstore.CompletedPart, len(parts))
	recorded := make([]models.UploadedPart, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for idx, part := range parts {
		if part.PartNumber != idx+1 {
			return validationf("parts must be ordered sequentially, got part %d at position %d", part.PartNumber, idx+1)
		}
		if _, dup := seen[part.PartNumber]; dup {
			return validationf("duplicate part %d", part.PartNumber)
		}
		seen[part.PartNumber] = struct{}{}
		etag := strings.Trim(strings.TrimSpace(part.ETag), `"`)
		if etag == "" {
			return validationf("part %d is missing its etag", part.PartNumber)
		}
		completed[idx] = objectstore.CompletedPart{PartNumber: part.PartNumber, ETag: etag}
		recorded[idx] = models.UploadedPart{PartNumber: part.PartNumber, ETag: etag}
	}
	if err := m.objects.CompleteMultipart(ctx, session.Key, session.MultipartUploadID, completed); err != nil {
		return fmt.Errorf("complete multipart: %w", err)
	}
	if err := m.store.RecordUploadedParts(ctx, session.ID, recorded); err != nil {
		return fmt.Errorf("record uploaded parts: %w", err)
	}
	return nil
}

// MarkFailed flips the session row to failed after a completion failure.
func (m *Manager) MarkFailed(ctx context.Context, sessionID string) {
	if err := m.store.SetSessionStatus(ctx, sessionID, models.SessionFailed, nil); err != nil {
		m.logger.Warn("mark session failed", "session_id", sessionID, "error", err)
	}
}

// Abort cancels an active session: the multipart upload is aborted
// (idempotently), and a source object that already finalized is deleted.
func (m *Manager) Abort(ctx context.Context, session models.UploadSession) error {
	if session.Multipart() {
		if err := m.objects.AbortMultipart(ctx, session.Key, session.MultipartUploadID); err != nil {
			return fmt.Errorf("abort multipart: %w", err)
		}
	}
	if _, err := m.objects.Head(ctx, session.Key); err == nil {
		if err := m.objects.Delete(ctx, session.Key); err != nil {
			return fmt.Errorf("delete source object: %w", err)
		}
	} else if !objectstore.IsNotFound(err) {
		return fmt.Errorf("check source object: %w", err)
	}
	if err := m.store.SetSessionStatus(ctx, session.ID, models.SessionFailed, nil); err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	return nil
}

func validateChecksum(checksum string) error {
	decoded, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil || len(decoded) != 32 {
		return validationf("checksum must be base64-encoded SHA-256")
	}
	return nil
}
