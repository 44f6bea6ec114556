// Package queue is the durable work queue connecting ingest completion to
// the transcoder workers. The orchestrator is only a producer; delivery to
// workers is at-least-once, so enqueues are deduplicated per video and the
// processing CAS on the video row is the authoritative guard.
package queue

import (
	"context"
	"sync"
)

// Producer enqueues transcode jobs.
type Producer interface {
	// Enqueue dispatches a job. Enqueueing the same video id again while
	// its previous dispatch is still live is a no-op.
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// MemoryQueue records enqueued jobs in process memory. It backs development
// deployments and the unit tests.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     []Job
	enqueued map[string]struct{}
	opts     Options
}

// NewMemoryQueue returns an empty in-memory queue with the given retry
// policy.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		enqueued: make(map[string]struct{}),
		opts:     opts.applyDefaults(),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.enqueued[job.VideoID]; exists {
		return nil
	}
	q.enqueued[job.VideoID] = struct{}{}
	q.jobs = append(q.jobs, job)
	return nil
}

// Jobs returns the jobs enqueued so far, in order.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.jobs...)
}

// Depth reports how many jobs were accepted.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Release clears the dedupe marker for a video so a fresh epoch may enqueue
// again (e.g. after a failed video is retried by an operator).
func (q *MemoryQueue) Release(videoID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.enqueued, videoID)
}

func (q *MemoryQueue) Close() error { return nil }

var _ Producer = (*MemoryQueue)(nil)
