package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/lifecycle"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/upload"
)

type createUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum,omitempty"`
	Title       string `json:"title,omitempty"`
	IsPublic    bool   `json:"isPublic,omitempty"`
}

type singleUploadResponse struct {
	Type      string `json:"type"`
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl"`
	ExpiresAt string `json:"expiresAt"`
}

type multipartUploadResponse struct {
	Type              string   `json:"type"`
	UploadID          string   `json:"uploadId"`
	MultipartUploadID string   `json:"multipartUploadId"`
	PartURLs          []string `json:"partUrls"`
	PartSize          int64    `json:"partSize"`
	NumParts          int      `json:"numParts"`
	ExpiresAt         string   `json:"expiresAt"`
}

type refreshURLsResponse struct {
	PartURLs  []string `json:"partUrls"`
	PartSize  int64    `json:"partSize"`
	ExpiresAt string   `json:"expiresAt"`
}

type partChecksumEntry struct {
	PartNumber int    `json:"partNumber"`
	Checksum   string `json:"checksum"`
	Size       int64  `json:"size,omitempty"`
}

type partChecksumsRequest struct {
	Parts []partChecksumEntry `json:"parts"`
}

type completePartEntry struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type completeUploadRequest struct {
	MultipartUploadID string              `json:"multipartUploadId,omitempty"`
	Parts             []completePartEntry `json:"parts,omitempty"`
}

type completeUploadResponse struct {
	VideoID string `json:"videoId"`
	Status  string `json:"status"`
}

type uploadStatusResponse struct {
	VideoID string `json:"videoId"`
	Status  string `json:"status"`
	Title   string `json:"title"`
}

func urlStrings(urls []objectstore.PresignedURL) []string {
	out := make([]string, len(urls))
	for idx, signed := range urls {
		out[idx] = signed.URL
	}
	return out
}

// Uploads handles POST /uploads: create the video and mint its session.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, "POST")
		return
	}
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	result, err := h.Controller.CreateUpload(r.Context(), lifecycle.CreateUploadParams{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		Checksum:    req.Checksum,
		Title:       req.Title,
		IsPublic:    req.IsPublic,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	h.metrics().ObserveUploadEvent("opened")
	expiresAt := result.Session.Session.ExpiresAt.Format(time.RFC3339)
	if result.Session.UploadURL != nil {
		writeJSON(w, http.StatusCreated, singleUploadResponse{
			Type:      "single",
			UploadID:  result.Video.ID,
			UploadURL: result.Session.UploadURL.URL,
			ExpiresAt: expiresAt,
		})
		return
	}
	writeJSON(w, http.StatusCreated, multipartUploadResponse{
		Type:              "multipart",
		UploadID:          result.Video.ID,
		MultipartUploadID: result.Session.Session.MultipartUploadID,
		PartURLs:          urlStrings(result.Session.PartURLs),
		PartSize:          result.Session.Session.PartSize,
		NumParts:          result.Session.Session.TotalParts,
		ExpiresAt:         expiresAt,
	})
}

// UploadByID routes /uploads/:id/{refresh-urls,part-checksums,complete,abort,status}.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	uploadID := strings.TrimSpace(parts[0])
	if uploadID == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	switch action {
	case "refresh-urls":
		h.refreshUploadURLs(w, r, uploadID)
	case "part-checksums":
		h.registerPartChecksums(w, r, uploadID)
	case "complete":
		h.completeUpload(w, r, uploadID)
	case "abort":
		h.abortUpload(w, r, uploadID)
	case "status":
		h.uploadStatus(w, r, uploadID)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	}
}

func (h *Handler) refreshUploadURLs(w http.ResponseWriter, r *http.Request, uploadID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, "POST")
		return
	}
	urls, session, expiresAt, err := h.Controller.RefreshURLs(r.Context(), uploadID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshURLsResponse{
		PartURLs:  urlStrings(urls),
		PartSize:  session.PartSize,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) registerPartChecksums(w http.ResponseWriter, r *http.Request, uploadID string) {
	if r.Method != http.MethodPatch {
		WriteMethodNotAllowed(w, "PATCH")
		return
	}
	var req partChecksumsRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteValidationError(w, "invalid request body: "+err.Error())
		return
	}
	checksums := make([]upload.PartChecksum, 0, len(req.Parts))
	for _, part := range req.Parts {
		checksums = append(checksums, upload.PartChecksum{
			PartNumber: part.PartNumber,
			Checksum:   part.Checksum,
			Size:       part.Size,
		})
	}
	accepted, err := h.Controller.RegisterChecksums(r.Context(), uploadID, checksums)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, "POST")
		return
	}
	req := completeUploadRequest{}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			WriteValidationError(w, "invalid request body: "+err.Error())
			return
		}
	}
	inputs := make([]upload.CompletedPartInput, 0, len(req.Parts))
	for _, part := range req.Parts {
		inputs = append(inputs, upload.CompletedPartInput{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
	}
	video, err := h.Controller.Complete(r.Context(), uploadID, inputs)
	if err != nil {
		if upload.IsChecksumMismatch(err) {
			h.metrics().ObserveUploadEvent("checksum_mismatch")
		}
		WriteDomainError(w, err)
		return
	}
	h.metrics().ObserveUploadEvent("completed")
	writeJSON(w, http.StatusOK, completeUploadResponse{
		VideoID: video.ID,
		Status:  string(video.Status),
	})
}

func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request, uploadID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, "POST")
		return
	}
	if _, err := h.Controller.Abort(r.Context(), uploadID); err != nil {
		WriteDomainError(w, err)
		return
	}
	h.metrics().ObserveUploadEvent("aborted")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request, uploadID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, "GET")
		return
	}
	video, err := h.Controller.Get(r.Context(), uploadID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadStatusResponse{
		VideoID: video.ID,
		Status:  string(video.Status),
		Title:   video.Title,
	})
}
