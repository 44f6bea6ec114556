package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/bus"
	"github.com/oyerindedaniel/stream-forge/internal/models"
	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
	"github.com/oyerindedaniel/stream-forge/internal/store"
)

// Broadcaster receives every consumed status event for fan-out to websocket
// subscribers. Fan-out failures never affect the reconciliation path.
type Broadcaster interface {
	Broadcast(topic string, event bus.StatusEvent)
}

// Consumer subscribes to the status bus and reconciles worker events into
// the video state machine. The worker never writes the metadata store
// directly; every terminal write happens here under the per-video lock, so a
// late or duplicated event collapses to a no-op.
type Consumer struct {
	store   store.Repository
	bus     bus.Bus
	fanout  Broadcaster
	logger  *slog.Logger
	metrics *metrics.Recorder

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// ConsumerConfig wires the consumer's collaborators. Fanout may be nil.
type ConsumerConfig struct {
	Store   store.Repository
	Bus     bus.Bus
	Fanout  Broadcaster
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewConsumer builds a status consumer; Start launches its loop.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Consumer{
		store:   cfg.Store,
		bus:     cfg.Bus,
		fanout:  cfg.Fanout,
		logger:  logger,
		metrics: recorder,
		done:    make(chan struct{}),
	}
}

// Start subscribes to the bus and processes events until Stop or context
// cancellation. One subscription serves both reconciliation and fan-out; the
// in-process demultiplexing happens here.
func (c *Consumer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	sub := c.bus.Subscribe()
	go func() {
		defer close(c.done)
		defer sub.Close()
		for {
			select {
			case <-loopCtx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				c.handle(loopCtx, event)
			}
		}
	}()
}

// Stop halts the loop and waits for it to drain.
func (c *Consumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

func (c *Consumer) handle(ctx context.Context, event bus.StatusEvent) {
	if err := event.Validate(); err != nil {
		c.logger.Warn("dropping invalid status event", "error", err)
		return
	}
	c.metrics.ObserveBusEvent(string(event.Status))
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch event.Status {
	case models.StatusProcessing:
		// Attempt starts carry no persistent state; the queue's attempt
		// counter is authoritative and mirrors in on terminal events.
	case models.StatusReady:
		c.applyReady(opCtx, event)
	case models.StatusFailed:
		c.applyFailed(opCtx, event)
	}

	if c.fanout != nil {
		c.fanout.Broadcast(bus.SubscriberTopic(event.VideoID), event)
	}
}

func (c *Consumer) applyReady(ctx context.Context, event bus.StatusEvent) {
	video, err := c.store.MarkReady(ctx, event.VideoID, store.ReadyFields{
		ManifestURL: event.ManifestURL,
		DurationS:   event.DurationS,
		Width:       event.Width,
		Height:      event.Height,
		Codec:       event.Codec,
		Bitrate:     event.Bitrate,
		FPS:         event.FPS,
		Thumbnails:  event.Thumbnails,
		Attempts:    event.Attempt,
	})
	if err != nil {
		if store.IsStateConflict(err) || errors.Is(err, store.ErrNotFound) {
			c.logger.Info("ignoring late ready event", "video_id", event.VideoID, "error", err)
			return
		}
		c.logger.Error("apply ready event", "video_id", event.VideoID, "error", err)
		return
	}
	if count, err := c.store.CountSegments(ctx, event.VideoID); err == nil && count == 0 {
		c.logger.Warn("video ready with no segments", "video_id", event.VideoID)
	}
	c.logger.Info("video ready", "video_id", video.ID, "manifest_url", video.ManifestURL)
}

func (c *Consumer) applyFailed(ctx context.Context, event bus.StatusEvent) {
	message := event.Error
	if message == "" {
		message = "transcode failed"
	}
	if _, err := c.store.MarkFailed(ctx, event.VideoID, message, event.Attempt); err != nil {
		if store.IsStateConflict(err) || errors.Is(err, store.ErrNotFound) {
			c.logger.Info("ignoring late failure event", "video_id", event.VideoID, "error", err)
			return
		}
		c.logger.Error("apply failure event", "video_id", event.VideoID, "error", err)
		return
	}
	c.logger.Info("video failed", "video_id", event.VideoID, "error", message, "attempt", event.Attempt)
}
