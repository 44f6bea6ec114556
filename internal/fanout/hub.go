// Package fanout relays status events from the bus to websocket-subscribed
// viewers. Subscriptions are keyed by topic (video:<id>); each subscriber
// gets a bounded FIFO queue, and slow consumers lose their oldest messages
// rather than blocking the fan-out path.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/bus"
	"github.com/oyerindedaniel/stream-forge/internal/observability/metrics"
)

const defaultQueueDepth = 64

// HubConfig configures the fan-out hub.
type HubConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// QueueDepth bounds the per-subscriber message backlog.
	QueueDepth int
	// HeartbeatInterval controls websocket pings. Zero disables them.
	HeartbeatInterval time.Duration
}

// Hub maintains topic subscriptions and delivers events per-subscriber FIFO.
type Hub struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	queueDepth int
	heartbeat  time.Duration

	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

// NewHub builds an empty hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Hub{
		logger:     logger,
		metrics:    recorder,
		queueDepth: depth,
		heartbeat:  cfg.HeartbeatInterval,
		topics:     make(map[string]map[*subscriber]struct{}),
	}
}

// HandleConnection upgrades the request and runs the subscriber until the
// peer disconnects.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The request context ends as soon as this handler returns, so the
	// subscriber's lifetime is tied to the hijacked connection instead:
	// readLoop's exit on disconnect closes the subscriber and cancels ctx.
	ctx, cancel := context.WithCancel(context.Background())

	sub := &subscriber{
		hub:    h,
		conn:   conn,
		queue:  make([]json.RawMessage, 0, h.queueDepth),
		notify: make(chan struct{}, 1),
		topics: make(map[string]struct{}),
		cancel: cancel,
	}
	h.metrics.SubscriberConnected()

	go sub.writeLoop(ctx)
	if h.heartbeat > 0 {
		go sub.heartbeatLoop(ctx, h.heartbeat)
	}
	go sub.readLoop(ctx)
}

// Broadcast delivers an event to every subscriber of the topic. Delivery is
// asynchronous: the event lands in each subscriber's bounded queue and the
// call never blocks on a slow peer.
func (h *Hub) Broadcast(topic string, event bus.StatusEvent) {
	payload, err := json.Marshal(outboundFrame{Type: "event", Topic: topic, Event: &event})
	if err != nil {
		h.logger.Error("marshal status event", "topic", topic, "error", err)
		return
	}
	h.mu.RLock()
	recipients := make([]*subscriber, 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		recipients = append(recipients, sub)
	}
	h.mu.RUnlock()
	for _, sub := range recipients {
		sub.enqueue(payload)
	}
}

// SubscriberCount reports how many subscribers hold the topic. Tests and
// health output only.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every subscriber that holds at least one topic and
// refuses further subscriptions. Connections that hold no topic are not
// closed here; they end when the peer disconnects.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make(map[*subscriber]struct{})
	for _, topicSubs := range h.topics {
		for sub := range topicSubs {
			subs[sub] = struct{}{}
		}
	}
	h.closed = true
	h.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (h *Hub) subscribe(topic string, sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*subscriber]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.topics[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

type inboundFrame struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type outboundFrame struct {
	Type  string           `json:"type"`
	Topic string           `json:"topic,omitempty"`
	Error string           `json:"error,omitempty"`
	Event *bus.StatusEvent `json:"event,omitempty"`
}

type subscriber struct {
	hub    *Hub
	conn   *Conn
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   []json.RawMessage
	notify  chan struct{}

	topicsMu sync.Mutex
	topics   map[string]struct{}

	closed sync.Once
}

// enqueue appends to the bounded FIFO, dropping the oldest message on
// overflow and recording the drop.
func (s *subscriber) enqueue(payload json.RawMessage) {
	s.queueMu.Lock()
	if len(s.queue) >= s.hub.queueDepth {
		s.queue = s.queue[1:]
		s.hub.metrics.ObserveSlowConsumer()
	}
	s.queue = append(s.queue, payload)
	s.queueMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []json.RawMessage {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	batch := s.queue
	s.queue = make([]json.RawMessage, 0, s.hub.queueDepth)
	return batch
}

func (s *subscriber) writeLoop(ctx context.Context) {
	defer s.close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			for _, payload := range s.drain() {
				if err := s.conn.WriteText(payload); err != nil {
					return
				}
			}
		}
	}
}

func (s *subscriber) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.Ping(nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *subscriber) readLoop(ctx context.Context) {
	defer s.close()
	for {
		payload, err := s.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg inboundFrame
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.sendError("invalid payload")
			continue
		}
		topic := strings.TrimSpace(msg.Topic)
		switch msg.Type {
		case "subscribe":
			s.handleSubscribe(topic)
		case "unsubscribe":
			s.handleUnsubscribe(topic)
		default:
			s.sendError("unknown command")
		}
	}
}

func (s *subscriber) handleSubscribe(topic string) {
	if !validTopic(topic) {
		s.sendError("topic must look like video:<id>")
		return
	}
	if !s.hub.subscribe(topic, s) {
		s.sendError("hub is shutting down")
		return
	}
	s.topicsMu.Lock()
	s.topics[topic] = struct{}{}
	s.topicsMu.Unlock()
	s.sendFrame(outboundFrame{Type: "ack", Topic: topic})
}

func (s *subscriber) handleUnsubscribe(topic string) {
	if topic == "" {
		return
	}
	s.hub.unsubscribe(topic, s)
	s.topicsMu.Lock()
	delete(s.topics, topic)
	s.topicsMu.Unlock()
	s.sendFrame(outboundFrame{Type: "ack", Topic: topic})
}

func (s *subscriber) sendFrame(frame outboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.enqueue(payload)
}

func (s *subscriber) sendError(message string) {
	s.sendFrame(outboundFrame{Type: "error", Error: message})
}

func (s *subscriber) close() {
	s.closed.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.topicsMu.Lock()
		topics := make([]string, 0, len(s.topics))
		for topic := range s.topics {
			topics = append(topics, topic)
		}
		s.topics = make(map[string]struct{})
		s.topicsMu.Unlock()
		for _, topic := range topics {
			s.hub.unsubscribe(topic, s)
		}
		_ = s.conn.Close()
		s.hub.metrics.SubscriberDisconnected()
	})
}

// validTopic accepts the routing keys the fan-out currently serves.
func validTopic(topic string) bool {
	rest, found := strings.CutPrefix(topic, "video:")
	return found && rest != ""
}
