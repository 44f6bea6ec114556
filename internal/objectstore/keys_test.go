package objectstore

import "testing"

func TestSourceKeyUsesFilenameExtension(t *testing.T) {
	if key := SourceKey("vid-1", "Movie.MP4"); key != "sources/vid-1/original.mp4" {
		t.Fatalf("key = %q", key)
	}
	if key := SourceKey("vid-2", "noext"); key != "sources/vid-2/original.bin" {
		t.Fatalf("key = %q", key)
	}
}

func TestSourceURIRoundTrip(t *testing.T) {
	uri := SourceURI("videos", "sources/vid-1/original.mp4")
	if uri != "s3://videos/sources/vid-1/original.mp4" {
		t.Fatalf("uri = %q", uri)
	}
	bucket, key, ok := ParseSourceURI(uri)
	if !ok || bucket != "videos" || key != "sources/vid-1/original.mp4" {
		t.Fatalf("parse = %q, %q, %v", bucket, key, ok)
	}
	if _, _, ok := ParseSourceURI("https://example.com/x"); ok {
		t.Fatal("foreign URIs must not parse")
	}
	if _, _, ok := ParseSourceURI("s3://bucket-only"); ok {
		t.Fatal("missing key must not parse")
	}
}

func TestProcessedKeys(t *testing.T) {
	if key := ManifestKey("vid-1"); key != "processed/vid-1/manifest.json" {
		t.Fatalf("manifest key = %q", key)
	}
	if prefix := ProcessedPrefixFor("vid-1"); prefix != "processed/vid-1/" {
		t.Fatalf("processed prefix = %q", prefix)
	}
	if prefix := SourcePrefixFor("vid-1"); prefix != "sources/vid-1/" {
		t.Fatalf("source prefix = %q", prefix)
	}
}
