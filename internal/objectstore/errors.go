package objectstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrorKind classifies provider failures into the small taxonomy the
// orchestrator acts on. Throttled and Transient are retriable; everything
// else surfaces immediately.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindThrottled          ErrorKind = "throttled"
	KindTransient          ErrorKind = "transient"
	KindPermanent          ErrorKind = "permanent"
)

// Error wraps a provider failure with its classification and the operation
// and key it occurred on.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("objectstore: %s %s: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("objectstore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the failure is worth retrying with backoff.
func (e *Error) Retriable() bool {
	return e.Kind == KindThrottled || e.Kind == KindTransient
}

// IsNotFound reports whether err is an adapter error for a missing object or
// multipart upload.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// Kind extracts the classification from an adapter error, defaulting to
// permanent for foreign errors.
func Kind(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPermanent
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Op: op, Key: key, Err: err}
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchUpload", "NotFound", "NoSuchBucket":
			return KindNotFound
		case "PreconditionFailed", "BadDigest", "InvalidDigest":
			return KindPreconditionFailed
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return KindThrottled
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return KindTransient
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return KindNotFound
		case status == http.StatusPreconditionFailed:
			return KindPreconditionFailed
		case status == http.StatusTooManyRequests:
			return KindThrottled
		case status >= 500:
			return KindTransient
		}
	}
	return KindPermanent
}

const (
	retryAttempts  = 4 // the first call plus up to three retries
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times, backing off 50ms * 2^n with
// jitter between attempts while the failure stays retriable.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		var se *Error
		if !errors.As(err, &se) || !se.Retriable() {
			return err
		}
	}
	return err
}
