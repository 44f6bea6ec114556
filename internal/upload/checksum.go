package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

// verifyChecksums reads the finalized object back and compares it against
// the digests the client declared. Single-PUT sessions with a whole-file
// checksum stream the entire object through SHA-256; multipart sessions with
// registered part checksums read each part's byte range with bounded
// parallelism. Sessions without declared checksums validate trivially.
//
// The whole pass is bounded by the validation wall; exceeding it cancels the
// in-flight range reads and the video is failed by the caller.
func (m *Manager) verifyChecksums(ctx context.Context, video models.Video, session models.UploadSession) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ValidationWall)
	defer cancel()

	if !session.Multipart() {
		if video.SourceChecksum == "" {
			return nil
		}
		return m.verifyWholeObject(ctx, session.Key, video.SourceSize, video.SourceChecksum)
	}

	declared := make([]models.UploadedPart, 0, len(session.UploadedParts))
	for _, part := range session.UploadedParts {
		if part.Checksum != "" {
			declared = append(declared, part)
		}
	}
	if len(declared) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.cfg.ValidationParallelism)
	for _, part := range declared {
		part := part
		group.Go(func() error {
			return m.verifyPart(groupCtx, session, video.SourceSize, part)
		})
	}
	if err := group.Wait(); err != nil {
		if ctx.Err() != nil && !IsChecksumMismatch(err) {
			return fmt.Errorf("checksum validation exceeded %s: %w", m.cfg.ValidationWall, ctx.Err())
		}
		return err
	}
	return nil
}

func (m *Manager) verifyWholeObject(ctx context.Context, key string, size int64, expected string) error {
	body, err := m.objects.RangeGet(ctx, key, 0, size-1)
	if err != nil {
		return fmt.Errorf("read source object: %w", err)
	}
	defer body.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, body); err != nil {
		return fmt.Errorf("hash source object: %w", err)
	}
	actual := base64.StdEncoding.EncodeToString(digest.Sum(nil))
	if actual != expected {
		return &ChecksumMismatchError{
			PartNumber: 1,
			Expected:   checksumPrefix(expected),
			Actual:     checksumPrefix(actual),
		}
	}
	return nil
}

// partRange computes the byte span part k occupies in the consolidated
// object. Parts are uniform at the session part size except the last.
func partRange(session models.UploadSession, totalSize int64, partNumber int) (start, end int64, err error) {
	start = int64(partNumber-1) * session.PartSize
	if start >= totalSize {
		return 0, 0, validationf("part %d starts beyond the object end", partNumber)
	}
	end = start + session.PartSize - 1
	if last := totalSize - 1; end > last {
		end = last
	}
	return start, end, nil
}

func (m *Manager) verifyPart(ctx context.Context, session models.UploadSession, totalSize int64, part models.UploadedPart) error {
	start, end, err := partRange(session, totalSize, part.PartNumber)
	if err != nil {
		return err
	}
	if part.Size > 0 && part.Size != end-start+1 {
		return validationf("part %d declared %d bytes but occupies %d", part.PartNumber, part.Size, end-start+1)
	}
	body, err := m.objects.RangeGet(ctx, session.Key, start, end)
	if err != nil {
		return fmt.Errorf("read part %d: %w", part.PartNumber, err)
	}
	defer body.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, body); err != nil {
		return fmt.Errorf("hash part %d: %w", part.PartNumber, err)
	}
	actual := base64.StdEncoding.EncodeToString(digest.Sum(nil))
	if actual != part.Checksum {
		return &ChecksumMismatchError{
			PartNumber: part.PartNumber,
			Expected:   checksumPrefix(part.Checksum),
			Actual:     checksumPrefix(actual),
		}
	}
	return nil
}
