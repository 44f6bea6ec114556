// Package objectstub provides an in-memory objectstore.Client used by unit
// tests across the upload, lifecycle, collector, and api packages.
package objectstub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/objectstore"
)

type multipartState struct {
	Key         string
	ContentType string
	Parts       map[int][]byte
	ETags       map[int]string
	InitiatedAt time.Time
}

// Stub implements objectstore.Client against process memory. Error fields
// allow tests to inject failures per operation.
type Stub struct {
	mu         sync.Mutex
	bucket     string
	objects    map[string][]byte
	multiparts map[string]*multipartState
	nextUpload int

	HeadErr     error
	CompleteErr error
	AbortErr    error
	DeleteErr   error
	RangeErr    error
	ListErr     error

	PresignPutCalls  int
	PresignPartCalls int
	AbortCalls       int
	DeleteCalls      []string
}

// New returns an empty stub for the given bucket name.
func New(bucket string) *Stub {
	return &Stub{
		bucket:     bucket,
		objects:    make(map[string][]byte),
		multiparts: make(map[string]*multipartState),
	}
}

func (s *Stub) Bucket() string { return s.bucket }

// PutObject seeds or replaces an object, standing in for a client PUT against
// a presigned URL.
func (s *Stub) PutObject(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

// Object returns a stored object's bytes.
func (s *Stub) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// UploadPart records part bytes for an open multipart upload and returns the
// fabricated ETag, standing in for a client PUT against a part URL.
func (s *Stub) UploadPart(uploadID string, partNumber int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.multiparts[uploadID]
	if !ok {
		return "", fmt.Errorf("objectstub: unknown upload %s", uploadID)
	}
	etag := fmt.Sprintf("etag-%s-%d", uploadID, partNumber)
	state.Parts[partNumber] = append([]byte(nil), data...)
	state.ETags[partNumber] = etag
	return etag, nil
}

func (s *Stub) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration, checksumSHA256 string) (objectstore.PresignedURL, error) {
	s.mu.Lock()
	s.PresignPutCalls++
	s.mu.Unlock()
	return objectstore.PresignedURL{
		URL:       fmt.Sprintf("https://%s.stub/%s?sig=put", s.bucket, key),
		Method:    "PUT",
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (s *Stub) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUpload++
	uploadID := fmt.Sprintf("upload-%d", s.nextUpload)
	s.multiparts[uploadID] = &multipartState{
		Key:         key,
		ContentType: contentType,
		Parts:       make(map[int][]byte),
		ETags:       make(map[int]string),
		InitiatedAt: time.Now().UTC(),
	}
	return uploadID, nil
}

func (s *Stub) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (objectstore.PresignedURL, error) {
	s.mu.Lock()
	s.PresignPartCalls++
	_, ok := s.multiparts[uploadID]
	s.mu.Unlock()
	if !ok {
		return objectstore.PresignedURL{}, &objectstore.Error{Kind: objectstore.KindNotFound, Op: "presign_part", Key: key, Err: fmt.Errorf("unknown upload")}
	}
	return objectstore.PresignedURL{
		URL:       fmt.Sprintf("https://%s.stub/%s?partNumber=%d&uploadId=%s", s.bucket, key, partNumber, uploadID),
		Method:    "PUT",
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func (s *Stub) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.CompletedPart) error {
	if s.CompleteErr != nil {
		return s.CompleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.multiparts[uploadID]
	if !ok {
		return &objectstore.Error{Kind: objectstore.KindNotFound, Op: "complete_multipart", Key: key, Err: fmt.Errorf("unknown upload")}
	}
	sorted := append([]objectstore.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	var buf bytes.Buffer
	for idx, part := range sorted {
		if part.PartNumber != idx+1 {
			return &objectstore.Error{Kind: objectstore.KindPreconditionFailed, Op: "complete_multipart", Key: key, Err: fmt.Errorf("non-contiguous part %d", part.PartNumber)}
		}
		data, uploaded := state.Parts[part.PartNumber]
		if !uploaded || state.ETags[part.PartNumber] != part.ETag {
			return &objectstore.Error{Kind: objectstore.KindPreconditionFailed, Op: "complete_multipart", Key: key, Err: fmt.Errorf("part %d etag mismatch", part.PartNumber)}
		}
		buf.Write(data)
	}
	s.objects[key] = buf.Bytes()
	delete(s.multiparts, uploadID)
	return nil
}

func (s *Stub) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	s.AbortCalls++
	delete(s.multiparts, uploadID)
	s.mu.Unlock()
	return s.AbortErr
}

func (s *Stub) Head(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	if s.HeadErr != nil {
		return objectstore.ObjectInfo{}, s.HeadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, &objectstore.Error{Kind: objectstore.KindNotFound, Op: "head", Key: key, Err: fmt.Errorf("missing")}
	}
	return objectstore.ObjectInfo{Size: int64(len(data)), ETag: fmt.Sprintf("etag-%s", key), LastModified: time.Now().UTC()}, nil
}

func (s *Stub) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.DeleteCalls = append(s.DeleteCalls, key)
	delete(s.objects, key)
	s.mu.Unlock()
	return s.DeleteErr
}

func (s *Stub) RangeGet(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if s.RangeErr != nil {
		return nil, s.RangeErr
	}
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, &objectstore.Error{Kind: objectstore.KindNotFound, Op: "range_get", Key: key, Err: fmt.Errorf("missing")}
	}
	if start < 0 || end >= int64(len(data)) || end < start {
		return nil, &objectstore.Error{Kind: objectstore.KindPreconditionFailed, Op: "range_get", Key: key, Err: fmt.Errorf("range %d-%d out of bounds", start, end)}
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

func (s *Stub) ListIncompleteMultipart(ctx context.Context, prefix string) ([]objectstore.IncompleteUpload, error) {
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var uploads []objectstore.IncompleteUpload
	for uploadID, state := range s.multiparts {
		if prefix != "" && !strings.HasPrefix(state.Key, prefix) {
			continue
		}
		uploads = append(uploads, objectstore.IncompleteUpload{
			Key:         state.Key,
			UploadID:    uploadID,
			InitiatedAt: state.InitiatedAt,
		})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].UploadID < uploads[j].UploadID })
	return uploads, nil
}

// SetInitiatedAt rewrites the initiation time of an open multipart upload so
// collector tests can age it.
func (s *Stub) SetInitiatedAt(uploadID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.multiparts[uploadID]; ok {
		state.InitiatedAt = at
	}
}

// OpenMultipartCount reports how many multipart uploads remain open.
func (s *Stub) OpenMultipartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.multiparts)
}

var _ objectstore.Client = (*Stub)(nil)
