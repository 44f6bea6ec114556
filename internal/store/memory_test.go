package store

import (
	"context"
	"testing"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

func newTestVideo(t *testing.T, repo *MemoryRepository, id string) models.Video {
	t.Helper()
	video, err := repo.CreateVideo(context.Background(), CreateVideoParams{
		ID:         id,
		Title:      "clip",
		SourceURL:  "s3://videos/sources/" + id + "/original.mp4",
		SourceSize: 1024,
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return video
}

func TestMarkProcessingEnqueuesOutboxOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video := newTestVideo(t, repo, "vid-1")

	updated, err := repo.MarkProcessing(ctx, video.ID)
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if updated.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", updated.Status)
	}

	if _, err := repo.MarkProcessing(ctx, video.ID); !IsStateConflict(err) {
		t.Fatalf("second mark processing err = %v, want state conflict", err)
	}

	jobs, err := repo.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("pending outbox: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("outbox depth = %d, want 1", len(jobs))
	}
	if jobs[0].VideoID != video.ID || jobs[0].SourceURL != video.SourceURL {
		t.Fatalf("outbox job = %+v", jobs[0])
	}

	if err := repo.MarkOutboxDispatched(ctx, jobs[0].ID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	jobs, _ = repo.PendingOutbox(ctx, 10)
	if len(jobs) != 0 {
		t.Fatalf("outbox depth after dispatch = %d, want 0", len(jobs))
	}
}

func TestMarkReadyRequiresProcessing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video := newTestVideo(t, repo, "vid-2")

	if _, err := repo.MarkReady(ctx, video.ID, ReadyFields{ManifestURL: "m"}); !IsStateConflict(err) {
		t.Fatalf("ready from pending err = %v, want state conflict", err)
	}

	if _, err := repo.MarkProcessing(ctx, video.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	ready, err := repo.MarkReady(ctx, video.ID, ReadyFields{
		ManifestURL: "s3://videos/processed/vid-2/manifest.json",
		DurationS:   12.5,
		Width:       1920,
		Height:      1080,
		Attempts:    1,
	})
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if ready.ManifestURL == "" || ready.DurationS == nil || ready.ProcessedAt == nil {
		t.Fatalf("ready invariant violated: %+v", ready)
	}
	if ready.ProcessingAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", ready.ProcessingAttempts)
	}
}

func TestMarkFailedFromTerminalRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video := newTestVideo(t, repo, "vid-3")

	if _, err := repo.MarkCancelled(ctx, video.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := repo.MarkFailed(ctx, video.ID, "late worker", 2); !IsStateConflict(err) {
		t.Fatalf("fail after cancel err = %v, want state conflict", err)
	}
}

func TestSoftDeleteExcludesFromListing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	keep := newTestVideo(t, repo, "vid-keep")
	drop := newTestVideo(t, repo, "vid-drop")

	deleted, err := repo.SoftDelete(ctx, drop.ID)
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if deleted.DeletedAt == nil {
		t.Fatal("deleted_at not set")
	}

	videos, err := repo.ListVideos(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(videos) != 1 || videos[0].ID != keep.ID {
		t.Fatalf("listing = %+v, want only %s", videos, keep.ID)
	}
}

func TestSessionChecksumRegistryMergesParts(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video := newTestVideo(t, repo, "vid-4")
	session := models.UploadSession{
		ID:                "sess-1",
		VideoID:           video.ID,
		MultipartUploadID: "mp-1",
		Key:               "sources/vid-4/original.mp4",
		TotalParts:        3,
		PartSize:          5 << 20,
		Status:            models.SessionActive,
		ExpiresAt:         time.Now().Add(time.Hour),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	accepted, err := repo.RegisterPartChecksums(ctx, session.ID, []models.UploadedPart{
		{PartNumber: 1, Checksum: "c1", Size: 5 << 20},
		{PartNumber: 2, Checksum: "c2", Size: 5 << 20},
	})
	if err != nil || accepted != 2 {
		t.Fatalf("register checksums = %d, %v", accepted, err)
	}

	if err := repo.RecordUploadedParts(ctx, session.ID, []models.UploadedPart{
		{PartNumber: 1, ETag: "e1"},
		{PartNumber: 2, ETag: "e2"},
		{PartNumber: 3, ETag: "e3"},
	}); err != nil {
		t.Fatalf("record parts: %v", err)
	}

	stored, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(stored.UploadedParts) != 3 {
		t.Fatalf("parts = %d, want 3", len(stored.UploadedParts))
	}
	first, _ := stored.Part(1)
	if first.Checksum != "c1" || first.ETag != "e1" {
		t.Fatalf("part 1 lost fields across merge: %+v", first)
	}

	found, err := repo.FindSessionByUploadID(ctx, "mp-1")
	if err != nil || found.ID != session.ID {
		t.Fatalf("find by upload id = %+v, %v", found, err)
	}
}

func TestListExpiredActiveSessions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	video := newTestVideo(t, repo, "vid-5")
	expired := models.UploadSession{
		ID:         "sess-old",
		VideoID:    video.ID,
		Key:        "sources/vid-5/original.mp4",
		TotalParts: 1,
		Status:     models.SessionActive,
		ExpiresAt:  time.Now().Add(-2 * time.Hour),
	}
	fresh := expired
	fresh.ID = "sess-new"
	fresh.ExpiresAt = time.Now().Add(time.Hour)
	if err := repo.CreateSession(ctx, expired); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if err := repo.CreateSession(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	sessions, err := repo.ListExpiredActiveSessions(ctx, time.Now())
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-old" {
		t.Fatalf("expired = %+v, want only sess-old", sessions)
	}
}
