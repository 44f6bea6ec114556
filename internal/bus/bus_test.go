package bus

import (
	"context"
	"testing"
	"time"

	"github.com/oyerindedaniel/stream-forge/internal/models"
)

func TestMemoryBusDeliversToAllSubscribers(t *testing.T) {
	b := NewMemoryBus(4)
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()

	event := StatusEvent{VideoID: "vid-1", Status: models.StatusProcessing, TS: time.Now().UTC()}
	if err := b.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.VideoID != "vid-1" || got.Status != models.StatusProcessing {
				t.Fatalf("event = %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestMemoryBusClosedSubscriptionStopsReceiving(t *testing.T) {
	b := NewMemoryBus(4)
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()

	if err := b.Publish(context.Background(), StatusEvent{VideoID: "vid-2", Status: models.StatusReady}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if _, open := <-sub.Events(); open {
		t.Fatal("expected closed event channel")
	}
}

func TestStatusEventValidate(t *testing.T) {
	cases := []struct {
		name  string
		event StatusEvent
		ok    bool
	}{
		{"processing", StatusEvent{VideoID: "v", Status: models.StatusProcessing}, true},
		{"ready", StatusEvent{VideoID: "v", Status: models.StatusReady}, true},
		{"failed", StatusEvent{VideoID: "v", Status: models.StatusFailed}, true},
		{"missing id", StatusEvent{Status: models.StatusReady}, false},
		{"bad status", StatusEvent{VideoID: "v", Status: models.StatusPendingUpload}, false},
	}
	for _, tc := range cases {
		if err := tc.event.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestSubscriberTopic(t *testing.T) {
	if topic := SubscriberTopic("abc"); topic != "video:abc" {
		t.Fatalf("topic = %q", topic)
	}
}
