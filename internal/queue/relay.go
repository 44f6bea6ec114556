package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
	"github.com/oyerindedaniel/stream-forge/internal/store"
)

// Relay drains the transactional job outbox into the queue. It is the second
// half of the enqueue-with-state-change guarantee: MarkProcessing commits the
// outbox row with the transition, the relay dispatches it at least once.
type Relay struct {
	store    store.Repository
	producer Producer
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.Recorder

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// RelayConfig configures the outbox relay.
type RelayConfig struct {
	Store    store.Repository
	Producer Producer
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

const (
	defaultRelayInterval = time.Second
	defaultRelayBatch    = 64
)

// NewRelay builds a relay; Start launches its loop.
func NewRelay(cfg RelayConfig) *Relay {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Relay{
		store:    cfg.Store,
		producer: cfg.Producer,
		interval: interval,
		batch:    batch,
		logger:   logger,
		metrics:  recorder,
		done:     make(chan struct{}),
	}
}

// Start launches the drain loop.
func (r *Relay) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := r.DrainOnce(loopCtx); err != nil && loopCtx.Err() == nil {
					r.logger.Error("outbox drain failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (r *Relay) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		<-r.done
	})
}

// DrainOnce dispatches one batch of pending outbox rows. Enqueue is
// idempotent per video id, so a crash between enqueue and acknowledgement
// only costs a duplicate that the queue drops.
func (r *Relay) DrainOnce(ctx context.Context) error {
	jobs, err := r.store.PendingOutbox(ctx, r.batch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := r.producer.Enqueue(ctx, Job{VideoID: job.VideoID, SourceURL: job.SourceURL}); err != nil {
			r.metrics.ObserveQueueEvent("relay_error")
			return err
		}
		if err := r.store.MarkOutboxDispatched(ctx, job.ID); err != nil {
			return err
		}
		r.metrics.ObserveQueueEvent("enqueued")
		r.logger.Info("transcode job dispatched", "video_id", job.VideoID)
	}
	return nil
}
