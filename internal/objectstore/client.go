package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PresignedURL is a time-limited capability for exactly one HTTP verb on one
// object key.
type PresignedURL struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// ObjectInfo is the subset of HEAD metadata the orchestrator relies on.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// CompletedPart pairs a part number with the ETag the store returned for it.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// IncompleteUpload describes one multipart upload the store still holds open.
type IncompleteUpload struct {
	Key         string
	UploadID    string
	InitiatedAt time.Time
}

// Client is the uniform contract over an S3-compatible object store. All
// methods honour context cancellation; Throttled and Transient provider
// failures are retried internally up to three times.
type Client interface {
	Bucket() string
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration, checksumSHA256 string) (PresignedURL, error)
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (PresignedURL, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	RangeGet(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	ListIncompleteMultipart(ctx context.Context, prefix string) ([]IncompleteUpload, error)
}

// Config describes the S3-compatible endpoint backing the adapter.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	PublicEndpoint string
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

func (cfg Config) applyDefaults() Config {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	return cfg
}

type s3Client struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	timeout   time.Duration
}

// New builds an adapter for the configured bucket. Custom endpoints (MinIO
// and friends) switch the client to path-style addressing.
func New(ctx context.Context, cfg Config) (Client, error) {
	cfg = cfg.applyDefaults()
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			if strings.Contains(endpoint, "://") {
				o.BaseEndpoint = aws.String(endpoint)
			} else {
				o.BaseEndpoint = aws.String(scheme + "://" + endpoint)
			}
			o.UsePathStyle = true
		}
	})
	return &s3Client{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		timeout:   cfg.RequestTimeout,
	}, nil
}

func (c *s3Client) Bucket() string { return c.bucket }

func (c *s3Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func (c *s3Client) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration, checksumSHA256 string) (PresignedURL, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if checksumSHA256 != "" {
		input.ChecksumSHA256 = aws.String(checksumSHA256)
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
	}
	var signed PresignedURL
	err := withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		req, err := c.presigner.PresignPutObject(opCtx, input, s3.WithPresignExpires(ttl))
		if err != nil {
			return wrap("presign_put", key, err)
		}
		signed = presignedFromRequest(req.URL, req.Method, req.SignedHeader, ttl)
		return nil
	})
	return signed, err
}

func (c *s3Client) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	var uploadID string
	err := withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		out, err := c.client.CreateMultipartUpload(opCtx, input)
		if err != nil {
			return wrap("create_multipart", key, err)
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	return uploadID, err
}

func (c *s3Client) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (PresignedURL, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}
	var signed PresignedURL
	err := withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		req, err := c.presigner.PresignUploadPart(opCtx, input, s3.WithPresignExpires(ttl))
		if err != nil {
			return wrap("presign_part", key, err)
		}
		signed = presignedFromRequest(req.URL, req.Method, req.SignedHeader, ttl)
		return nil
	})
	return signed, err
}

func (c *s3Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return &Error{Kind: KindPreconditionFailed, Op: "complete_multipart", Key: key, Err: fmt.Errorf("no parts")}
	}
	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, part := range sorted {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		})
	}
	return withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		_, err := c.client.CompleteMultipartUpload(opCtx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return wrap("complete_multipart", key, err)
	})
}

func (c *s3Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	err := withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		_, err := c.client.AbortMultipartUpload(opCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return wrap("abort_multipart", key, err)
	})
	// Aborting an upload the store no longer knows about is a success.
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *s3Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		out, err := c.client.HeadObject(opCtx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return wrap("head", key, err)
		}
		info = ObjectInfo{
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
			LastModified: aws.ToTime(out.LastModified),
		}
		return nil
	})
	return info, err
}

func (c *s3Client) Delete(ctx context.Context, key string) error {
	err := withRetry(ctx, func() error {
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		_, err := c.client.DeleteObject(opCtx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return wrap("delete", key, err)
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *s3Client) RangeGet(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, &Error{Kind: KindPreconditionFailed, Op: "range_get", Key: key, Err: fmt.Errorf("invalid range %d-%d", start, end)}
	}
	var body io.ReadCloser
	err := withRetry(ctx, func() error {
		// Range reads stream until the caller closes the body, so the
		// per-operation timeout must not govern them.
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
		})
		if err != nil {
			return wrap("range_get", key, err)
		}
		body = out.Body
		return nil
	})
	return body, err
}

func (c *s3Client) ListIncompleteMultipart(ctx context.Context, prefix string) ([]IncompleteUpload, error) {
	var uploads []IncompleteUpload
	input := &s3.ListMultipartUploadsInput{Bucket: aws.String(c.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	for {
		var out *s3.ListMultipartUploadsOutput
		err := withRetry(ctx, func() error {
			opCtx, cancel := c.opCtx(ctx)
			defer cancel()
			page, err := c.client.ListMultipartUploads(opCtx, input)
			if err != nil {
				return wrap("list_multipart", prefix, err)
			}
			out = page
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, upload := range out.Uploads {
			uploads = append(uploads, IncompleteUpload{
				Key:         aws.ToString(upload.Key),
				UploadID:    aws.ToString(upload.UploadId),
				InitiatedAt: aws.ToTime(upload.Initiated),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
	return uploads, nil
}

func presignedFromRequest(rawURL, method string, header map[string][]string, ttl time.Duration) PresignedURL {
	signed := PresignedURL{
		URL:       rawURL,
		Method:    method,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if len(header) > 0 {
		signed.Headers = make(map[string]string, len(header))
		for name, values := range header {
			if len(values) > 0 {
				signed.Headers[name] = values[0]
			}
		}
	}
	return signed
}
