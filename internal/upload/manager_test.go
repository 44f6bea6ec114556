package upload

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
	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
	"github.com/oyerindedaniel/stream-forge/internal/store"
	"github.com/oyerindedaniel/stream-forge/internal/testsupport/objectstub"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.MemoryRepository, *objectstub.Stub) {
	t.Helper()
	repo := store.NewMemoryRepository()
	objects := objectstub.New("videos")
	cfg.Store = repo
	cfg.Objects = objects
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(cfg), repo, objects
}

func createVideo(t *testing.T, repo *store.MemoryRepository, id string, size int64, checksum string) models.Video {
	t.Helper()
	video, err := repo.CreateVideo(context.Background(), store.CreateVideoParams{
		ID:             id,
		Title:          "clip",
		SourceURL:      "s3://videos/" + objectstore.SourceKey(id, "a.mp4"),
		SourceSize:     size,
		SourceChecksum: checksum,
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return video
}

func sha256b64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestOpenSelectsSingleAtThreshold(t *testing.T) {
	manager, repo, _ := newTestManager(t, Config{})
	ctx := context.Background()
	createVideo(t, repo, "vid-single", defaultMultipartThreshold, "")

	result, err := manager.Open(ctx, "vid-single", "a.mp4", "video/mp4", defaultMultipartThreshold, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if result.UploadURL == nil || len(result.PartURLs) != 0 {
		t.Fatalf("expected single-PUT session, got %+v", result)
	}
	if result.Session.TotalParts != 1 || result.Session.Multipart() {
		t.Fatalf("session = %+v, want total_parts=1", result.Session)
	}

	stored, err := repo.GetSession(ctx, result.Session.ID)
	if err != nil {
		t.Fatalf("session row not persisted: %v", err)
	}
	if stored.Status != models.SessionActive {
		t.Fatalf("session status = %s, want active", stored.Status)
	}
}

func TestOpenSelectsMultipartAboveThreshold(t *testing.T) {
	manager, _, objects := newTestManager(t, Config{})
	ctx := context.Background()

	size := int64(300 << 20)
	result, err := manager.Open(ctx, "vid-multi", "a.mp4", "video/mp4", size, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if result.Session.MultipartUploadID == "" {
		t.Fatal("expected multipart upload id")
	}
	if result.Session.TotalParts != 6 || len(result.PartURLs) != 6 {
		t.Fatalf("parts = %d, urls = %d, want 6", result.Session.TotalParts, len(result.PartURLs))
	}
	if result.Session.PartSize != defaultChunkBytes {
		t.Fatalf("part size = %d, want %d", result.Session.PartSize, defaultChunkBytes)
	}
	if objects.PresignPartCalls != 6 {
		t.Fatalf("presign part calls = %d, want 6", objects.PresignPartCalls)
	}

	// One byte past the threshold also goes multipart.
	boundary, err := manager.Open(ctx, "vid-boundary", "b.mp4", "video/mp4", defaultMultipartThreshold+1, "")
	if err != nil {
		t.Fatalf("open boundary: %v", err)
	}
	if !boundary.Session.Multipart() {
		t.Fatal("threshold+1 should select multipart")
	}
}

func TestOpenRejectsOversizeAndPartsLimit(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{MaxMultipartParts: 4})
	ctx := context.Background()

	var tooLarge *FileTooLargeError
	if _, err := manager.Open(ctx, "vid-big", "a.mp4", "video/mp4", defaultMaxFileSize+1, ""); !errors.As(err, &tooLarge) {
		t.Fatalf("oversize err = %v, want file too large", err)
	}

	var partsErr *PartsLimitError
	_, err := manager.Open(ctx, "vid-parts", "a.mp4", "video/mp4", 5*defaultChunkBytes, "")
	if !errors.As(err, &partsErr) {
		t.Fatalf("parts limit err = %v", err)
	}
	if partsErr.RequestedParts != 5 || partsErr.MaxParts != 4 {
		t.Fatalf("parts limit = %+v", partsErr)
	}

	if _, err := manager.Open(ctx, "vid-zero", "a.mp4", "video/mp4", 0, ""); !IsValidation(err) {
		t.Fatalf("zero size err = %v, want validation", err)
	}
}

func TestRefreshPreservesUploadID(t *testing.T) {
	manager, repo, _ := newTestManager(t, Config{})
	ctx := context.Background()

	result, err := manager.Open(ctx, "vid-refresh", "a.mp4", "video/mp4", 200<<20, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	before := result.Session

	urls, expiresAt, err := manager.Refresh(ctx, before)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(urls) != before.TotalParts {
		t.Fatalf("refreshed urls = %d, want %d", len(urls), before.TotalParts)
	}
	if !expiresAt.After(before.CreatedAt) {
		t.Fatalf("expiry %v not in the future", expiresAt)
	}

	after, err := repo.GetSession(ctx, before.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.MultipartUploadID != before.MultipartUploadID {
		t.Fatalf("upload id changed: %s -> %s", before.MultipartUploadID, after.MultipartUploadID)
	}
	if !after.ExpiresAt.After(before.ExpiresAt.Add(-time.Second)) {
		t.Fatalf("expiry not extended: %v -> %v", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestRegisterChecksumsValidatesRange(t *testing.T) {
	manager, repo, _ := newTestManager(t, Config{})
	ctx := context.Background()
	session := models.UploadSession{
		ID:         "sess-reg",
		VideoID:    "vid-reg",
		TotalParts: 3,
		PartSize:   8,
		Status:     models.SessionActive,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	good := sha256b64([]byte("part"))
	if _, err := manager.RegisterChecksums(ctx, session, []PartChecksum{{PartNumber: 4, Checksum: good}}); !IsValidation(err) {
		t.Fatalf("out of range err = %v, want validation", err)
	}
	if _, err := manager.RegisterChecksums(ctx, session, []PartChecksum{
		{PartNumber: 1, Checksum: good},
		{PartNumber: 1, Checksum: good},
	}); !IsValidation(err) {
		t.Fatalf("duplicate err = %v, want validation", err)
	}
	if _, err := manager.RegisterChecksums(ctx, session, []PartChecksum{{PartNumber: 1, Checksum: "not-base64!"}}); !IsValidation(err) {
		t.Fatalf("bad digest err = %v, want validation", err)
	}

	accepted, err := manager.RegisterChecksums(ctx, session, []PartChecksum{
		{PartNumber: 1, Checksum: good, Size: 8},
		{PartNumber: 2, Checksum: good, Size: 8},
	})
	if err != nil || accepted != 2 {
		t.Fatalf("register = %d, %v", accepted, err)
	}
}

// seedMultipartSession uploads three parts into the stub and returns the
// session plus the completion input. Part sizes are tiny; Finalize never
// depends on the configured chunk size.
func seedMultipartSession(t *testing.T, repo *store.MemoryRepository, objects *objectstub.Stub, videoID string, partData [][]byte, withChecksums bool) (models.UploadSession, []CompletedPartInput) {
	t.Helper()
	ctx := context.Background()
	key := objectstore.SourceKey(videoID, "a.mp4")
	uploadID, err := objects.CreateMultipart(ctx, key, "video/mp4")
	if err != nil {
		t.Fatalf("create multipart: %v", err)
	}
	session := models.UploadSession{
		ID:                "sess-" + videoID,
		VideoID:           videoID,
		MultipartUploadID: uploadID,
		Key:               key,
		TotalParts:        len(partData),
		PartSize:          int64(len(partData[0])),
		Status:            models.SessionActive,
		ExpiresAt:         time.Now().Add(time.Hour),
	}
	var inputs []CompletedPartInput
	for idx, data := range partData {
		etag, err := objects.UploadPart(uploadID, idx+1, data)
		if err != nil {
			t.Fatalf("upload part: %v", err)
		}
		inputs = append(inputs, CompletedPartInput{PartNumber: idx + 1, ETag: etag})
		if withChecksums {
			session.UploadedParts = append(session.UploadedParts, models.UploadedPart{
				PartNumber: idx + 1,
				Checksum:   sha256b64(data),
				Size:       int64(len(data)),
			})
		}
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session, inputs
}

func TestFinalizeMultipartWithChecksums(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	parts := [][]byte{[]byte("aaaaaaaa"), []byte("bbbbbbbb"), []byte("cc")}
	video := createVideo(t, repo, "vid-fin", 18, "")
	session, inputs := seedMultipartSession(t, repo, objects, "vid-fin", parts, true)

	if err := manager.Finalize(ctx, video, session, inputs); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	stored, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != models.SessionCompleted || stored.CompletedAt == nil {
		t.Fatalf("session = %+v, want completed", stored)
	}
	if _, ok := objects.Object(session.Key); !ok {
		t.Fatal("consolidated object missing")
	}
}

func TestFinalizeChecksumMismatchIdentifiesPart(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	parts := [][]byte{[]byte("aaaaaaaa"), []byte("bbbbbbbb"), []byte("cccccccc")}
	video := createVideo(t, repo, "vid-bad", 24, "")
	session, inputs := seedMultipartSession(t, repo, objects, "vid-bad", parts, true)
	// Declare a wrong digest for part 2.
	session.UploadedParts[1].Checksum = sha256b64([]byte("tampered"))

	err := manager.Finalize(ctx, video, session, inputs)
	var mismatch *ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
	if mismatch.PartNumber != 2 {
		t.Fatalf("mismatch part = %d, want 2", mismatch.PartNumber)
	}
	// The source object is retained for diagnosis.
	if _, ok := objects.Object(session.Key); !ok {
		t.Fatal("source object should be retained after mismatch")
	}
}

func TestFinalizeRejectsGapsAndMissingETags(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	parts := [][]byte{[]byte("aaaaaaaa"), []byte("bbbbbbbb")}
	video := createVideo(t, repo, "vid-gap", 16, "")
	session, inputs := seedMultipartSession(t, repo, objects, "vid-gap", parts, false)

	outOfOrder := []CompletedPartInput{inputs[1], inputs[0]}
	if err := manager.Finalize(ctx, video, session, outOfOrder); !IsValidation(err) {
		t.Fatalf("out of order err = %v, want validation", err)
	}

	missing := []CompletedPartInput{inputs[0]}
	if err := manager.Finalize(ctx, video, session, missing); !IsValidation(err) {
		t.Fatalf("missing part err = %v, want validation", err)
	}

	blank := []CompletedPartInput{inputs[0], {PartNumber: 2, ETag: "  "}}
	if err := manager.Finalize(ctx, video, session, blank); !IsValidation(err) {
		t.Fatalf("blank etag err = %v, want validation", err)
	}
}

func TestFinalizeExpiredSession(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	parts := [][]byte{[]byte("aaaaaaaa"), []byte("bbbbbbbb")}
	video := createVideo(t, repo, "vid-exp", 16, "")
	session, inputs := seedMultipartSession(t, repo, objects, "vid-exp", parts, false)
	session.ExpiresAt = time.Now().Add(-time.Minute)

	if err := manager.Finalize(ctx, video, session, inputs); !errors.Is(err, ErrUploadExpired) {
		t.Fatalf("err = %v, want upload expired", err)
	}
}

func TestFinalizeSingleWithWholeFileChecksum(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	data := []byte("the whole source file")
	video := createVideo(t, repo, "vid-whole", int64(len(data)), sha256b64(data))
	key := objectstore.SourceKey("vid-whole", "a.mp4")
	session := models.UploadSession{
		ID:         "sess-whole",
		VideoID:    "vid-whole",
		Key:        key,
		TotalParts: 1,
		PartSize:   int64(len(data)),
		Status:     models.SessionActive,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	objects.PutObject(key, data)

	if err := manager.Finalize(ctx, video, session, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// A corrupted body must fail with a mismatch.
	bad := createVideo(t, repo, "vid-corrupt", int64(len(data)), sha256b64([]byte("different")))
	badKey := objectstore.SourceKey("vid-corrupt", "a.mp4")
	badSession := session
	badSession.ID = "sess-corrupt"
	badSession.VideoID = "vid-corrupt"
	badSession.Key = badKey
	if err := repo.CreateSession(ctx, badSession); err != nil {
		t.Fatalf("create session: %v", err)
	}
	objects.PutObject(badKey, data)
	if err := manager.Finalize(ctx, bad, badSession, nil); !IsChecksumMismatch(err) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestFinalizeSizeMismatch(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	video := createVideo(t, repo, "vid-size", 100, "")
	key := objectstore.SourceKey("vid-size", "a.mp4")
	session := models.UploadSession{
		ID:         "sess-size",
		VideoID:    "vid-size",
		Key:        key,
		TotalParts: 1,
		PartSize:   100,
		Status:     models.SessionActive,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	objects.PutObject(key, []byte("short"))

	if err := manager.Finalize(ctx, video, session, nil); !IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestAbortDeletesFinalizedObject(t *testing.T) {
	manager, repo, objects := newTestManager(t, Config{})
	ctx := context.Background()
	parts := [][]byte{[]byte("aaaaaaaa"), []byte("bb")}
	createVideo(t, repo, "vid-abort", 10, "")
	session, _ := seedMultipartSession(t, repo, objects, "vid-abort", parts, false)
	objects.PutObject(session.Key, []byte("finalized"))

	if err := manager.Abort(ctx, session); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if objects.OpenMultipartCount() != 0 {
		t.Fatal("multipart upload still open after abort")
	}
	if _, ok := objects.Object(session.Key); ok {
		t.Fatal("source object still present after abort")
	}
	stored, _ := repo.GetSession(ctx, session.ID)
	if stored.Status != models.SessionFailed {
		t.Fatalf("session status = %s, want failed", stored.Status)
	}
}
