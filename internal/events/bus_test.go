package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// None of these may panic.
	b.Publish(Event{Source: SourceMQTT, Kind: KindDomainUpdated})
	b.Emit(SourceFeeds, KindFeedFailed, nil)
	if ch := b.Subscribe(1); ch != nil {
		t.Error("Subscribe on nil bus should return a nil channel")
	}
	b.Unsubscribe(nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmit(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceMQTT, KindDomainUpdated, map[string]any{"domain": "washer"})

	select {
	case got := <-ch:
		if got.Source != SourceMQTT || got.Kind != KindDomainUpdated {
			t.Errorf("got event %v", got)
		}
		if got.Data["domain"] != "washer" {
			t.Errorf("domain = %v, want washer", got.Data["domain"])
		}
		if got.Timestamp.Before(before) {
			t.Errorf("timestamp %v before publish time %v", got.Timestamp, before)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := Event{Source: SourceMQTT, Kind: KindConnectionState}
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Source != evt.Source || got.Kind != evt.Kind {
				t.Errorf("subscriber %d: got %v, want %v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	got := <-ch
	if got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Source: SourceFeeds, Kind: KindFeedFailed})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	ch := b.Subscribe(64)
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	for i := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range eventsPerPublisher {
				b.Emit(SourceMQTT, KindDomainUpdated, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	wg.Wait()
	b.Unsubscribe(ch)
	drain.Wait()
}
