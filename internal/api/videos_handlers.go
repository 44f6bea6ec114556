package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/oyerindedaniel/stream-forge/internal/models"
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
)

type videoResponse struct {
	models.Video
	Manifest json.RawMessage `json:"manifest,omitempty"`
}

// Videos handles GET /videos: list non-deleted videos.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, "GET")
		return
	}
	videos, err := h.Controller.List(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.Video{"videos": videos})
}

// VideoByID handles GET and DELETE on /videos/:id.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	videoID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/videos/"), "/")
	if videoID == "" || strings.Contains(videoID, "/") {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.videoDetail(w, r, videoID)
	case http.MethodDelete:
		h.deleteVideo(w, r, videoID)
	default:
		WriteMethodNotAllowed(w, "GET, DELETE")
	}
}

func (h *Handler) videoDetail(w http.ResponseWriter, r *http.Request, videoID string) {
	video, err := h.Controller.Get(r.Context(), videoID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	response := videoResponse{Video: video}
	if video.Status == models.StatusReady {
		response.Manifest = h.loadManifest(r, videoID)
	}
	writeJSON(w, http.StatusOK, response)
}

// loadManifest inlines the playback manifest for ready videos. Failures only
// log; the detail response stays useful without it.
func (h *Handler) loadManifest(r *http.Request, videoID string) json.RawMessage {
	if h.Objects == nil {
		return nil
	}
	key := objectstore.ManifestKey(videoID)
	info, err := h.Objects.Head(r.Context(), key)
	if err != nil {
		h.logger().Warn("manifest head failed", "video_id", videoID, "error", err)
		return nil
	}
	body, err := h.Objects.RangeGet(r.Context(), key, 0, info.Size-1)
	if err != nil {
		h.logger().Warn("manifest read failed", "video_id", videoID, "error", err)
		return nil
	}
	defer body.Close()
	payload, err := io.ReadAll(body)
	if err != nil || !json.Valid(payload) {
		h.logger().Warn("manifest decode failed", "video_id", videoID, "error", err)
		return nil
	}
	return json.RawMessage(payload)
}

func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	if _, err := h.Controller.Delete(r.Context(), videoID); err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
