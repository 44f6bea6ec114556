package bus

import (
	"fmt"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

// StatusTopic is the stream all worker status events are published on.
const StatusTopic = "video:status"

// StatusEvent is the wire representation of a worker-emitted lifecycle
// update. Ready events carry the derived playback metadata the controller
// persists.
type StatusEvent struct {
	VideoID     string                      `json:"videoId"`
	Status      models.VideoStatus          `json:"status"`
	Error       string                      `json:"error,omitempty"`
	Attempt     int                         `json:"attempt,omitempty"`
	ManifestURL string                      `json:"manifestUrl,omitempty"`
	DurationS   float64                     `json:"durationS,omitempty"`
	Width       int                         `json:"width,omitempty"`
	Height      int                         `json:"height,omitempty"`
	Codec       string                      `json:"codec,omitempty"`
	Bitrate     int                         `json:"bitrate,omitempty"`
	FPS         float64                     `json:"fps,omitempty"`
	Thumbnails  *models.ThumbnailDescriptor `json:"thumbnails,omitempty"`
	TS          time.Time                   `json:"ts"`
}

// SubscriberTopic returns the per-video routing key the fan-out service uses.
func SubscriberTopic(videoID string) string {
	return fmt.Sprintf("video:%s", videoID)
}

// Validate rejects events the consumer cannot act on.
func (e StatusEvent) Validate() error {
	if e.VideoID == "" {
		return fmt.Errorf("bus: event video id is required")
	}
	switch e.Status {
	case models.StatusProcessing, models.StatusReady, models.StatusFailed:
		return nil
	}
	return fmt.Errorf("bus: unsupported event status %q", e.Status)
}
