package queue

import "time"

// QueueName is the stream the transcoder workers consume.
const QueueName = "video-processing"

// Job is the transcode dispatch payload. The field names are part of the
// worker contract.
type Job struct {
	VideoID   string `json:"videoId"`
	SourceURL string `json:"sourceUrl"`
}

// Options carries the per-job retry policy workers must honor. Exhausting
// Attempts produces a terminal failure event on the status bus.
type Options struct {
	Attempts      int           `json:"attempts"`
	BackoffBase   time.Duration `json:"backoffBase"`
	KeepCompleted int           `json:"keepCompleted"`
	KeepFailed    int           `json:"keepFailed"`
	CompletedTTL  time.Duration `json:"completedTtl"`
	FailedTTL     time.Duration `json:"failedTtl"`
}

// DefaultOptions returns the production retry policy: three attempts with
// exponential backoff from five seconds, retaining the last 100 completed
// jobs for a day and the last 1000 failed jobs for a week.
func DefaultOptions() Options {
	return Options{
		Attempts:      3,
		BackoffBase:   5 * time.Second,
		KeepCompleted: 100,
		KeepFailed:    1000,
		CompletedTTL:  24 * time.Hour,
		FailedTTL:     7 * 24 * time.Hour,
	}
}

func (o Options) applyDefaults() Options {
	defaults := DefaultOptions()
	if o.Attempts <= 0 {
		o.Attempts = defaults.Attempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaults.BackoffBase
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = defaults.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = defaults.KeepFailed
	}
	if o.CompletedTTL <= 0 {
		o.CompletedTTL = defaults.CompletedTTL
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = defaults.FailedTTL
	}
	return o
}

// Backoff returns the delay before the given retry attempt (1-based):
// exponential doubling from the base.
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := o.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
