package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the Redis Streams bus implementation.
type RedisBusConfig struct {
	Addr         string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MaxLen       int64
}

// NewRedisBus initialises a bus backed by a Redis stream. Each replica joins
// with its own consumer group (a random name unless Group is set) so every
// replica observes every event. An entry is acknowledged once it is handed to
// a connected subscriber; reads start at new entries, so entries left
// unacknowledged by a previous process are not redelivered.
func NewRedisBus(cfg RedisBusConfig) (Bus, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("bus: redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "streamforge:video:status"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "api-" + randomID()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 8192
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
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
	b := &redisBus{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		maxLen:       cfg.MaxLen,
		logger:       logger,
	}
	if err := b.ensureGroup(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

type redisBus struct {
	client       *redis.Client
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	maxLen       int64
	logger       *slog.Logger

	groupReady atomic.Bool
	groupMu    sync.Mutex
}

func (b *redisBus) Publish(ctx context.Context, event StatusEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (b *redisBus) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		consumer: "consumer-" + randomID(),
		cancel:   cancel,
		ch:       make(chan StatusEvent, b.buffer),
	}
	go sub.run(ctx)
	return sub
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

func (b *redisBus) ensureGroup(ctx context.Context) error {
	if b.groupReady.Load() {
		return nil
	}
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groupReady.Load() {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("bus: create consumer group: %w", err)
	}
	b.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan StatusEvent
}

func (s *redisSubscription) Events() <-chan StatusEvent {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.bus.ensureGroup(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.bus.logger.Warn("bus group ensure failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.bus.group,
			Consumer: s.consumer,
			Streams:  []string{s.bus.stream, ">"},
			Count:    32,
			Block:    s.bus.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.bus.logger.Warn("bus read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				payload, _ := message.Values["payload"].(string)
				if payload == "" {
					s.ack(ctx, message.ID)
					continue
				}
				var event StatusEvent
				if err := json.Unmarshal([]byte(payload), &event); err != nil {
					s.bus.logger.Error("bus decode failed", "id", message.ID, "error", err)
					s.ack(ctx, message.ID)
					continue
				}
				select {
				case s.ch <- event:
					s.ack(ctx, message.ID)
				case <-ctx.Done():
					// The entry stays pending (unacked) in the group;
					// reads use ">" only, so it is not read again.
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.bus.client.XAck(ctx, s.bus.stream, s.bus.group, id).Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.bus.logger.Warn("bus ack failed", "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
