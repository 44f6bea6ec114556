package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

// MemoryRepository keeps all state in process memory. It backs development
// deployments and the unit tests; semantics match the Postgres repository,
// with the global mutex standing in for row locks.
type MemoryRepository struct {
	mu           sync.RWMutex
	videos       map[string]models.Video
	sessions     map[string]models.UploadSession
	segments     map[string][]models.Segment
	outbox       []OutboxJob
	nextOutboxID int64
	now          func() time.Time
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		videos:   make(map[string]models.Video),
		sessions: make(map[string]models.UploadSession),
		segments: make(map[string][]models.Segment),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the repository clock. Tests only.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func cloneVideo(video models.Video) models.Video {
	cloned := video
	if video.DurationS != nil {
		v := *video.DurationS
		cloned.DurationS = &v
	}
	if video.Width != nil {
		v := *video.Width
		cloned.Width = &v
	}
	if video.Height != nil {
		v := *video.Height
		cloned.Height = &v
	}
	if video.Bitrate != nil {
		v := *video.Bitrate
		cloned.Bitrate = &v
	}
	if video.FPS != nil {
		v := *video.FPS
		cloned.FPS = &v
	}
	if video.Thumbnails != nil {
		v := *video.Thumbnails
		cloned.Thumbnails = &v
	}
	if video.ProcessedAt != nil {
		v := *video.ProcessedAt
		cloned.ProcessedAt = &v
	}
	if video.CancelledAt != nil {
		v := *video.CancelledAt
		cloned.CancelledAt = &v
	}
	if video.DeletedAt != nil {
		v := *video.DeletedAt
		cloned.DeletedAt = &v
	}
	return cloned
}

func cloneSession(session models.UploadSession) models.UploadSession {
	cloned := session
	if session.UploadedParts != nil {
		cloned.UploadedParts = append([]models.UploadedPart(nil), session.UploadedParts...)
	}
	if session.CompletedAt != nil {
		v := *session.CompletedAt
		cloned.CompletedAt = &v
	}
	return cloned
}

func (m *MemoryRepository) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	video := models.Video{
		ID:              params.ID,
		Title:           params.Title,
		Status:          models.StatusPendingUpload,
		SourceURL:       params.SourceURL,
		SourceSize:      params.SourceSize,
		SourceChecksum:  params.SourceChecksum,
		UploadSessionID: params.UploadSessionID,
		IsPublic:        params.IsPublic,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.videos[video.ID] = video
	return cloneVideo(video), nil
}

func (m *MemoryRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	video, ok := m.videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return cloneVideo(video), nil
}

func (m *MemoryRepository) ListVideos(ctx context.Context) ([]models.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	videos := make([]models.Video, 0, len(m.videos))
	for _, video := range m.videos {
		if video.Status == models.StatusDeleted || video.DeletedAt != nil {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos, nil
}

func (m *MemoryRepository) MarkProcessing(ctx context.Context, videoID string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if !video.Status.CanTransition(models.StatusProcessing) {
		return models.Video{}, &StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusProcessing}
	}
	now := m.now()
	video.Status = models.StatusProcessing
	video.ProcessingAttempts = 0
	video.LastError = ""
	video.UpdatedAt = now
	m.videos[videoID] = video
	m.nextOutboxID++
	m.outbox = append(m.outbox, OutboxJob{
		ID:        m.nextOutboxID,
		VideoID:   videoID,
		SourceURL: video.SourceURL,
		CreatedAt: now,
	})
	return cloneVideo(video), nil
}

func (m *MemoryRepository) MarkReady(ctx context.Context, videoID string, fields ReadyFields) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if video.Status != models.StatusProcessing {
		return models.Video{}, &StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusReady}
	}
	now := m.now()
	video.Status = models.StatusReady
	video.ManifestURL = fields.ManifestURL
	duration := fields.DurationS
	video.DurationS = &duration
	if fields.Width > 0 {
		width := fields.Width
		video.Width = &width
	}
	if fields.Height > 0 {
		height := fields.Height
		video.Height = &height
	}
	video.Codec = fields.Codec
	if fields.Bitrate > 0 {
		bitrate := fields.Bitrate
		video.Bitrate = &bitrate
	}
	if fields.FPS > 0 {
		fps := fields.FPS
		video.FPS = &fps
	}
	if fields.Thumbnails != nil {
		thumbs := *fields.Thumbnails
		video.Thumbnails = &thumbs
	}
	if fields.Attempts > 0 {
		video.ProcessingAttempts = fields.Attempts
	}
	video.LastError = ""
	video.ProcessedAt = &now
	video.UpdatedAt = now
	m.videos[videoID] = video
	return cloneVideo(video), nil
}

func (m *MemoryRepository) MarkFailed(ctx context.Context, videoID, lastError string, attempts int) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if !failableFrom(video.Status) {
		return models.Video{}, &StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusFailed}
	}
	video.Status = models.StatusFailed
	video.LastError = lastError
	if attempts > 0 {
		video.ProcessingAttempts = attempts
	}
	video.UpdatedAt = m.now()
	m.videos[videoID] = video
	return cloneVideo(video), nil
}

func (m *MemoryRepository) FailIfAwaitingUpload(ctx context.Context, videoID, lastError string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if video.Status != models.StatusPendingUpload && video.Status != models.StatusUploading {
		return models.Video{}, &StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusFailed}
	}
	video.Status = models.StatusFailed
	video.LastError = lastError
	video.UpdatedAt = m.now()
	m.videos[videoID] = video
	return cloneVideo(video), nil
}

func (m *MemoryRepository) MarkCancelled(ctx context.Context, videoID string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if !video.Status.CanTransition(models.StatusCancelled) {
		return models.Video{}, &StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusCancelled}
	}
	now := m.now()
	video.Status = models.StatusCancelled
	video.CancelledAt = &now
	video.UpdatedAt = now
	m.videos[videoID] = video
	return cloneVideo(video), nil
}

func (m *MemoryRepository) SoftDelete(ctx context.Context, videoID string) (models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[videoID]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	if !video.Status.CanTransition(models.StatusDeleted) {
		return models.Video{}, &StateConflictError{VideoID: videoID, Current: video.Status, Requested: models.StatusDeleted}
	}
	now := m.now()
	video.Status = models.StatusDeleted
	video.DeletedAt = &now
	video.UpdatedAt = now
	m.videos[videoID] = video
	return cloneVideo(video), nil
}

func (m *MemoryRepository) CreateSession(ctx context.Context, session models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = m.now()
	}
	m.sessions[session.ID] = cloneSession(session)
	if video, ok := m.videos[session.VideoID]; ok {
		video.UploadSessionID = session.ID
		m.videos[session.VideoID] = video
	}
	return nil
}

func (m *MemoryRepository) GetSession(ctx context.Context, id string) (models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	return cloneSession(session), nil
}

func (m *MemoryRepository) GetSessionByVideo(ctx context.Context, videoID string) (models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.VideoID == videoID {
			return cloneSession(session), nil
		}
	}
	return models.UploadSession{}, ErrNotFound
}

func (m *MemoryRepository) RefreshSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.ExpiresAt = expiresAt.UTC()
	m.sessions[id] = session
	return nil
}

func mergeParts(existing []models.UploadedPart, updates []models.UploadedPart, keepETag bool) []models.UploadedPart {
	byNumber := make(map[int]models.UploadedPart, len(existing))
	for _, part := range existing {
		byNumber[part.PartNumber] = part
	}
	for _, update := range updates {
		part := byNumber[update.PartNumber]
		part.PartNumber = update.PartNumber
		if update.Checksum != "" {
			part.Checksum = update.Checksum
		}
		if update.Size > 0 {
			part.Size = update.Size
		}
		if update.ETag != "" || !keepETag {
			part.ETag = update.ETag
		}
		byNumber[update.PartNumber] = part
	}
	merged := make([]models.UploadedPart, 0, len(byNumber))
	for _, part := range byNumber {
		merged = append(merged, part)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].PartNumber < merged[j].PartNumber })
	return merged
}

func (m *MemoryRepository) RegisterPartChecksums(ctx context.Context, sessionID string, parts []models.UploadedPart) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	session.UploadedParts = mergeParts(session.UploadedParts, parts, true)
	m.sessions[sessionID] = session
	return len(parts), nil
}

func (m *MemoryRepository) RecordUploadedParts(ctx context.Context, sessionID string, parts []models.UploadedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.UploadedParts = mergeParts(session.UploadedParts, parts, false)
	m.sessions[sessionID] = session
	return nil
}

func (m *MemoryRepository) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	session.Status = status
	if completedAt != nil {
		at := completedAt.UTC()
		session.CompletedAt = &at
	}
	m.sessions[sessionID] = session
	return nil
}

func (m *MemoryRepository) FindSessionByUploadID(ctx context.Context, multipartUploadID string) (models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.MultipartUploadID == multipartUploadID && multipartUploadID != "" {
			return cloneSession(session), nil
		}
	}
	return models.UploadSession{}, ErrNotFound
}

func (m *MemoryRepository) ListExpiredActiveSessions(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var expired []models.UploadSession
	for _, session := range m.sessions {
		if session.Status == models.SessionActive && session.ExpiresAt.Before(cutoff) {
			expired = append(expired, cloneSession(session))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// PutSegments seeds worker-written segments. Tests only.
func (m *MemoryRepository) PutSegments(videoID string, segments []models.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[videoID] = append([]models.Segment(nil), segments...)
}

func (m *MemoryRepository) CountSegments(ctx context.Context, videoID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.segments[videoID]), nil
}

func (m *MemoryRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.outbox) {
		limit = len(m.outbox)
	}
	jobs := make([]OutboxJob, limit)
	copy(jobs, m.outbox[:limit])
	return jobs, nil
}

func (m *MemoryRepository) MarkOutboxDispatched(ctx context.Context, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, job := range m.outbox {
		if job.ID == jobID {
			m.outbox = append(m.outbox[:idx], m.outbox[idx+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error { return nil }

func (m *MemoryRepository) Close(ctx context.Context) error { return nil }

var _ Repository = (*MemoryRepository)(nil)
