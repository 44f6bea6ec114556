package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
	"github.com/oyerindedaniel/stream-forge/internal/queue"
	"github.com/oyerindedaniel/stream-forge/internal/store"
	"github.com/oyerindedaniel/stream-forge/internal/testsupport/objectstub"
	"github.com/oyerindedaniel/stream-forge/internal/upload"
)

type controllerFixture struct {
	controller *Controller
	repo       *store.MemoryRepository
	objects    *objectstub.Stub
	queue      *queue.MemoryQueue
	relay      *queue.Relay
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	objects := objectstub.New("videos")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := upload.NewManager(upload.Config{
		Store:   repo,
		Objects: objects,
		Logger:  logger,
	})
	memQueue := queue.NewMemoryQueue(queue.Options{})
	relay := queue.NewRelay(queue.RelayConfig{Store: repo, Producer: memQueue, Logger: logger})
	controller := NewController(ControllerConfig{
		Store:    repo,
		Objects:  objects,
		Sessions: manager,
		Logger:   logger,
	})
	return &controllerFixture{
		controller: controller,
		repo:       repo,
		objects:    objects,
		queue:      memQueue,
		relay:      relay,
	}
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestCreateUploadSingleHappyPath(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()
	data := []byte("tiny source video bytes")

	result, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "a.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(data)),
		Checksum:    checksumOf(data),
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if result.Video.Status != models.StatusPendingUpload {
		t.Fatalf("status = %s, want pending_upload", result.Video.Status)
	}
	if result.Video.Title != "a" {
		t.Fatalf("title = %q, want filename stem", result.Video.Title)
	}
	if result.Session.UploadURL == nil {
		t.Fatal("expected single-PUT url")
	}

	// Client PUTs the exact bytes, then completes.
	fx.objects.PutObject(result.Session.Session.Key, data)
	video, err := fx.controller.Complete(ctx, result.Video.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if video.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", video.Status)
	}

	if err := fx.relay.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	jobs := fx.queue.Jobs()
	if len(jobs) != 1 || jobs[0].VideoID != video.ID || jobs[0].SourceURL != video.SourceURL {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestDoubleCompleteConflictsAndEnqueuesOnce(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()
	data := []byte("source")

	result, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "a.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(data)),
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	fx.objects.PutObject(result.Session.Session.Key, data)

	if _, err := fx.controller.Complete(ctx, result.Video.ID, nil); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	_, err = fx.controller.Complete(ctx, result.Video.ID, nil)
	var conflict *store.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second complete err = %v, want state conflict", err)
	}
	if conflict.Current != models.StatusProcessing {
		t.Fatalf("conflict current = %s, want processing", conflict.Current)
	}

	if err := fx.relay.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if depth := fx.queue.Depth(); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestCompleteChecksumMismatchFailsVideoWithoutEnqueue(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()
	data := []byte("actual upload bytes")

	result, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "a.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(data)),
		Checksum:    checksumOf([]byte("declared different bytes")),
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	fx.objects.PutObject(result.Session.Session.Key, data)

	_, err = fx.controller.Complete(ctx, result.Video.ID, nil)
	if !upload.IsChecksumMismatch(err) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}

	video, err := fx.repo.GetVideo(ctx, result.Video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if video.Status != models.StatusFailed || video.LastError == "" {
		t.Fatalf("video = %+v, want failed with last_error", video)
	}
	if err := fx.relay.DrainOnce(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if depth := fx.queue.Depth(); depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
	// Source object retained for diagnosis.
	if _, ok := fx.objects.Object(result.Session.Session.Key); !ok {
		t.Fatal("source object should be retained")
	}
	session, _ := fx.repo.GetSession(ctx, result.Session.Session.ID)
	if session.Status != models.SessionFailed {
		t.Fatalf("session status = %s, want failed", session.Status)
	}
}

func TestAbortLeavesNoUploadState(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()

	result, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "big.mp4",
		ContentType: "video/mp4",
		Size:        300 << 20,
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if !result.Session.Session.Multipart() {
		t.Fatal("expected multipart session")
	}

	video, err := fx.controller.Abort(ctx, result.Video.ID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if video.Status != models.StatusCancelled || video.CancelledAt == nil {
		t.Fatalf("video = %+v, want cancelled", video)
	}
	if fx.objects.OpenMultipartCount() != 0 {
		t.Fatal("multipart upload still listable after abort")
	}
	uploads, _ := fx.objects.ListIncompleteMultipart(ctx, "")
	if len(uploads) != 0 {
		t.Fatalf("incomplete uploads = %+v", uploads)
	}

	// Aborting again conflicts: cancelled is quiescent.
	if _, err := fx.controller.Abort(ctx, result.Video.ID); !store.IsStateConflict(err) {
		t.Fatalf("second abort err = %v, want state conflict", err)
	}
}

func TestDeleteHidesVideoAndPurgesSource(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()
	data := []byte("source")

	result, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "a.mp4",
		ContentType: "video/mp4",
		Size:        int64(len(data)),
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	fx.objects.PutObject(result.Session.Session.Key, data)

	deleted, err := fx.controller.Delete(ctx, result.Video.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Status != models.StatusDeleted || deleted.DeletedAt == nil {
		t.Fatalf("video = %+v, want deleted", deleted)
	}

	videos, err := fx.controller.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(videos) != 0 {
		t.Fatalf("listing = %+v, want empty", videos)
	}

	// Object purge is async and best-effort.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := fx.objects.Object(result.Session.Session.Key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("source object not purged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefreshURLsRejectedOutsidePendingUpload(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()

	result, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "a.mp4",
		ContentType: "video/mp4",
		Size:        300 << 20,
	})
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}

	urls, session, _, err := fx.controller.RefreshURLs(ctx, result.Video.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(urls) != result.Session.Session.TotalParts {
		t.Fatalf("urls = %d, want %d", len(urls), result.Session.Session.TotalParts)
	}
	if session.MultipartUploadID != result.Session.Session.MultipartUploadID {
		t.Fatal("multipart upload id changed across refresh")
	}

	if _, err := fx.controller.Abort(ctx, result.Video.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if _, _, _, err := fx.controller.RefreshURLs(ctx, result.Video.ID); !store.IsStateConflict(err) {
		t.Fatalf("refresh after abort err = %v, want state conflict", err)
	}
}

func TestCreateUploadValidation(t *testing.T) {
	fx := newControllerFixture(t)
	ctx := context.Background()

	if _, err := fx.controller.CreateUpload(ctx, CreateUploadParams{ContentType: "video/mp4", Size: 10}); !upload.IsValidation(err) {
		t.Fatalf("missing filename err = %v, want validation", err)
	}
	if _, err := fx.controller.CreateUpload(ctx, CreateUploadParams{Filename: "a.mp4", Size: 10}); !upload.IsValidation(err) {
		t.Fatalf("missing content type err = %v, want validation", err)
	}

	var tooLarge *upload.FileTooLargeError
	_, err := fx.controller.CreateUpload(ctx, CreateUploadParams{
		Filename:    "a.mp4",
		ContentType: "video/mp4",
		Size:        (10 << 30) + 1,
	})
	if !errors.As(err, &tooLarge) {
		t.Fatalf("oversize err = %v, want file too large", err)
	}
}
