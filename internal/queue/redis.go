package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures the Redis Streams queue producer.
type RedisQueueConfig struct {
	Addr         string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Options      Options
	// DedupeTTL bounds how long an enqueue marker blocks re-dispatch of
	// the same video id. Defaults to the failed-job retention window.
	DedupeTTL time.Duration
}

type redisQueue struct {
	client    *redis.Client
	stream    string
	group     string
	opts      Options
	dedupeTTL time.Duration
	logger    *slog.Logger
}

// NewRedisQueue initialises a producer for the durable video-processing
// queue. The consumer group is created eagerly so jobs published before any
// worker connects are retained for it.
func NewRedisQueue(cfg RedisQueueConfig) (Producer, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("queue: redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "streamforge:jobs:" + QueueName
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcoders"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options.applyDefaults()
	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = opts.FailedTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	q := &redisQueue{
		client:    client,
		stream:    stream,
		group:     group,
		opts:      opts,
		dedupeTTL: dedupeTTL,
		logger:    logger,
	}
	if err := client.XGroupCreateMkStream(context.Background(), stream, group, "$").Err(); err != nil && !isBusyGroup(err) {
		client.Close()
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}
	return q, nil
}

func (q *redisQueue) dedupeKey(videoID string) string {
	return q.stream + ":enqueued:" + videoID
}

func (q *redisQueue) Enqueue(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.VideoID) == "" {
		return fmt.Errorf("queue: job video id is required")
	}
	acquired, err := q.client.SetNX(ctx, q.dedupeKey(job.VideoID), "1", q.dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("queue: dedupe check: %w", err)
	}
	if !acquired {
		q.logger.Info("job already enqueued, skipping", "video_id", job.VideoID)
		return nil
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: int64(q.opts.KeepFailed),
		Approx: true,
		Values: map[string]any{
			"payload":     string(payload),
			"attempts":    q.opts.Attempts,
			"backoff_ms":  q.opts.BackoffBase.Milliseconds(),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		// Release the marker so the relay's next drain, which still finds
		// the outbox row pending, can enqueue again.
		if delErr := q.client.Del(ctx, q.dedupeKey(job.VideoID)).Err(); delErr != nil {
			q.logger.Warn("dedupe release failed", "video_id", job.VideoID, "error", delErr)
		}
		return fmt.Errorf("queue: enqueue job: %w", err)
	}
	return nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}
