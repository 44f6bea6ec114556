package objectstore

import (
	"fmt"
	"path"
	"strings"
)

// Key layout shared with the transcoder worker and the CDN. Changing these
// breaks playback for already-processed videos.
const (
	sourcePrefix    = "sources"
	processedPrefix = "processed"
)

// SourceKey returns the object key for a video's original upload. The
// extension is taken from the client-declared filename and defaults to bin.
func SourceKey(videoID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s/%s/original%s", sourcePrefix, videoID, ext)
}

// SourcePrefixFor returns the prefix holding a video's source objects.
func SourcePrefixFor(videoID string) string {
	return fmt.Sprintf("%s/%s/", sourcePrefix, videoID)
}

// ProcessedPrefixFor returns the prefix holding a video's transcoded outputs.
func ProcessedPrefixFor(videoID string) string {
	return fmt.Sprintf("%s/%s/", processedPrefix, videoID)
}

// ManifestKey returns the playback manifest key for a video.
func ManifestKey(videoID string) string {
	return fmt.Sprintf("%s/%s/manifest.json", processedPrefix, videoID)
}

// SourceURI renders the canonical source URI (scheme + bucket + key) stored
// on the video row.
func SourceURI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimLeft(key, "/"))
}

// ParseSourceURI splits a canonical source URI back into bucket and key. The
// boolean is false for URIs this adapter did not produce.
func ParseSourceURI(uri string) (bucket, key string, ok bool) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", false
	}
	bucket, key, found := strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
