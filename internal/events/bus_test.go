package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub, err := bus.Subscribe(10)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected generated subscriber id")
	}

	bus.Publish(TopicFrame, 42)

	select {
	case ev := <-sub.C:
		if ev.Topic != TopicFrame || ev.Data.(int) != 42 || ev.Seq != 1 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_TopicFilter(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub, _ := bus.Subscribe(10, TopicPlayState)

	bus.Publish(TopicFrame, 1)
	bus.Publish(TopicPlayState, "playing")

	ev := <-sub.C
	if ev.Topic != TopicPlayState {
		t.Fatalf("got topic %s, want play_state", ev.Topic)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestBus_NonBlockingPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub, _ := bus.Subscribe(1)

	done := make(chan struct{})
	go func() {
		bus.Publish(TopicTime, 1.0)
		bus.Publish(TopicTime, 2.0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked")
	}

	if ev := <-sub.C; ev.Data.(float64) != 1.0 {
		t.Errorf("first event data = %v", ev.Data)
	}

	stats := bus.Stats()
	s := stats.Subscribers[sub.ID]
	if s.Sent != 1 || s.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 sent 1 dropped", s)
	}
	if stats.Published != 2 {
		t.Errorf("published = %d, want 2", stats.Published)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub, _ := bus.Subscribe(1)
	if err := bus.Unsubscribe(sub.ID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}
	if err := bus.Unsubscribe(sub.ID); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("second Unsubscribe error = %v", err)
	}

	bus.Publish(TopicFrame, 1)
}

func TestBus_Close(t *testing.T) {
	bus := New()
	sub, _ := bus.Subscribe(1)

	bus.Close()
	bus.Close()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after bus Close")
	}
	if _, err := bus.Subscribe(1); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Close error = %v", err)
	}
	bus.Publish(TopicFrame, 1)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	sub, _ := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TopicTime, j)
			}
		}()
	}
	wg.Wait()

	s := bus.Stats().Subscribers[sub.ID]
	if s.Sent+s.Dropped != 500 {
		t.Errorf("sent+dropped = %d, want 500", s.Sent+s.Dropped)
	}
	if s.Sent != 500 {
		t.Errorf("sent = %d, want 500 with a large buffer", s.Sent)
	}
}

func TestParseTopic(t *testing.T) {
	for _, want := range Topics() {
		got, err := ParseTopic(string(want))
		if err != nil || got != want {
			t.Errorf("ParseTopic(%q) = %q, %v", want, got, err)
		}
	}
	if _, err := ParseTopic("bogus"); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("ParseTopic(bogus) error = %v", err)
	}
}
