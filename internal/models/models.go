package models

import (
	"strings"
	"time"
)

// VideoStatus enumerates the lifecycle states a video moves through from the
// moment an upload is requested until it is soft deleted.
type VideoStatus string

const (
	StatusPendingUpload VideoStatus = "pending_upload"
	StatusUploading     VideoStatus = "uploading"
	StatusProcessing    VideoStatus = "processing"
	StatusReady         VideoStatus = "ready"
	StatusFailed        VideoStatus = "failed"
	StatusCancelled     VideoStatus = "cancelled"
	StatusDeleted       VideoStatus = "deleted"
)

// ParseVideoStatus normalises a wire value into a VideoStatus. The boolean is
// false when the value names no known state.
func ParseVideoStatus(value string) (VideoStatus, bool) {
	status := VideoStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusPendingUpload, StatusUploading, StatusProcessing, StatusReady,
		StatusFailed, StatusCancelled, StatusDeleted:
		return status, true
	}
	return "", false
}

// Terminal reports whether no further worker activity is expected for the
// state. Terminal states may still advance to deleted.
func (s VideoStatus) Terminal() bool {
	switch s {
	case StatusReady, StatusFailed, StatusCancelled, StatusDeleted:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits advancing from s to
// next. The table mirrors the lifecycle diagram: pending_upload fans out to
// processing, cancelled, failed, and deleted; processing resolves to ready or
// failed; every non-deleted state may be soft deleted.
func (s VideoStatus) CanTransition(next VideoStatus) bool {
	if next == StatusDeleted {
		return s != StatusDeleted
	}
	switch s {
	case StatusPendingUpload, StatusUploading:
		return next == StatusProcessing || next == StatusCancelled || next == StatusFailed
	case StatusProcessing:
		return next == StatusReady || next == StatusFailed
	}
	return false
}

// ThumbnailDescriptor describes the thumbnail artefacts the worker produced
// for a video.
type ThumbnailDescriptor struct {
	Pattern   string `json:"pattern"`
	IntervalS int    `json:"intervalS"`
	Sprite    string `json:"sprite,omitempty"`
}

// Video is the central entity: one row per ingested video.
type Video struct {
	ID                 string               `json:"id"`
	Title              string               `json:"title"`
	Status             VideoStatus          `json:"status"`
	SourceURL          string               `json:"sourceUrl"`
	SourceSize         int64                `json:"sourceSize"`
	SourceChecksum     string               `json:"sourceChecksum,omitempty"`
	ManifestURL        string               `json:"manifestUrl,omitempty"`
	DurationS          *float64             `json:"durationS,omitempty"`
	Width              *int                 `json:"width,omitempty"`
	Height             *int                 `json:"height,omitempty"`
	Codec              string               `json:"codec,omitempty"`
	Bitrate            *int                 `json:"bitrate,omitempty"`
	FPS                *float64             `json:"fps,omitempty"`
	Thumbnails         *ThumbnailDescriptor `json:"thumbnails,omitempty"`
	UploadSessionID    string               `json:"uploadSessionId,omitempty"`
	ProcessingAttempts int                  `json:"processingAttempts"`
	LastError          string               `json:"lastError,omitempty"`
	IsPublic           bool                 `json:"isPublic"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
	ProcessedAt        *time.Time           `json:"processedAt,omitempty"`
	CancelledAt        *time.Time           `json:"cancelledAt,omitempty"`
	DeletedAt          *time.Time           `json:"deletedAt,omitempty"`
}

// SessionStatus enumerates the states of an upload session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// UploadedPart records one uploaded multipart part. Checksum is the optional
// client-declared SHA-256 (base64) of the part bytes; ETag is assigned by the
// object store on upload.
type UploadedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// UploadSession is the protocol state for one ingest, single-PUT sessions
// included (TotalParts=1, no multipart upload ID).
type UploadSession struct {
	ID                string         `json:"id"`
	VideoID           string         `json:"videoId"`
	MultipartUploadID string         `json:"multipartUploadId,omitempty"`
	Key               string         `json:"key"`
	ContentType       string         `json:"contentType"`
	TotalParts        int            `json:"totalParts"`
	PartSize          int64          `json:"partSize"`
	UploadedParts     []UploadedPart `json:"uploadedParts,omitempty"`
	Status            SessionStatus  `json:"status"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// Multipart reports whether the session uses the multipart upload protocol.
func (s UploadSession) Multipart() bool {
	return s.TotalParts > 1 || s.MultipartUploadID != ""
}

// Part returns the recorded part with the given number, if any.
func (s UploadSession) Part(number int) (UploadedPart, bool) {
	for _, part := range s.UploadedParts {
		if part.PartNumber == number {
			return part, true
		}
	}
	return UploadedPart{}, false
}

// Segment is one time-aligned media file referenced by a playback manifest.
// Segments are written by the transcoder worker; the orchestrator only reads
// them to enforce the ready invariant.
type Segment struct {
	VideoID   string  `json:"videoId"`
	Idx       int     `json:"idx"`
	URL       string  `json:"url"`
	StartS    float64 `json:"startS"`
	DurationS float64 `json:"durationS"`
	Size      int64   `json:"size,omitempty"`
	Keyframe  bool    `json:"keyframe,omitempty"`
}
