package events

import (
	"testing"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

func recvEvent(t *testing.T, c chan *Event) *Event {
	t.Helper()
	select {
	case e := <-c:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(EventFilter{})
	defer bus.Unsubscribe(sub.ID)

	bus.Publish(&Event{TaskID: "task-1", Type: types.LogInfo, Message: "hello"})

	e := recvEvent(t, sub.C)
	if e.TaskID != "task-1" || e.Message != "hello" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.ID == "" {
		t.Error("expected generated event ID")
	}
	if e.Timestamp == 0 {
		t.Error("expected generated timestamp")
	}
}

func TestTaskFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(EventFilter{TaskID: "task-b"})
	defer bus.Unsubscribe(sub.ID)

	bus.Publish(&Event{TaskID: "task-a", Type: types.LogInfo, Message: "skip"})
	bus.Publish(&Event{TaskID: "task-b", Type: types.LogInfo, Message: "keep"})

	e := recvEvent(t, sub.C)
	if e.TaskID != "task-b" {
		t.Errorf("filter leaked event for %s", e.TaskID)
	}
}

func TestTypeFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(EventFilter{Types: []types.LogType{types.LogError}})
	defer bus.Unsubscribe(sub.ID)

	bus.Publish(&Event{TaskID: "task-1", Type: types.LogInfo, Message: "skip"})
	bus.Publish(&Event{TaskID: "task-1", Type: types.LogError, Message: "boom"})

	e := recvEvent(t, sub.C)
	if e.Type != types.LogError {
		t.Errorf("expected error event, got %s", e.Type)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(EventFilter{})
	defer bus.Unsubscribe(sub.ID)

	// Overfill the buffer without draining. Publish must return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(&Event{TaskID: "task-1", Type: types.LogInfo, Message: "m"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventFilter{})
	bus.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Publishing after close is a no-op.
	bus.Publish(&Event{TaskID: "task-1", Type: types.LogInfo})

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", bus.SubscriberCount())
	}
}
