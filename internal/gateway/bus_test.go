// bus_test.go — 事件总线本地扇出、背压丢弃与退订测试。
package gateway

import (
	"context"
	"testing"
)

func TestBusLocalFanout(t *testing.T) {
	bus := NewEventBus(nil, "")
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	defer bus.Unsubscribe("a")
	defer bus.Unsubscribe("b")

	bus.Publish(context.Background(), Event{Type: EventEntryCreated, RequestID: "req-1"})

	for name, ch := range map[string]chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != EventEntryCreated || evt.RequestID != "req-1" {
				t.Errorf("subscriber %s got %+v", name, evt)
			}
		default:
			t.Errorf("subscriber %s missed the event", name)
		}
	}
}

func TestBusDropsOnFullBacklog(t *testing.T) {
	bus := NewEventBus(nil, "")
	ch := bus.Subscribe("slow")
	defer bus.Unsubscribe("slow")

	// 灌满缓冲再多发一条, Publish 不得阻塞
	for i := 0; i < cap(ch)+1; i++ {
		bus.Publish(context.Background(), Event{Type: EventGenerationProgress})
	}

	if got := len(ch); got != cap(ch) {
		t.Errorf("backlog = %d, want full buffer %d", got, cap(ch))
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(nil, "")
	bus.Subscribe("a")
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	bus.Unsubscribe("a")
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount after unsubscribe = %d, want 0", got)
	}
	// 重复退订无副作用
	bus.Unsubscribe("a")
}

func TestBusPublishSweep(t *testing.T) {
	bus := NewEventBus(nil, "")
	ch := bus.Subscribe("dash")
	defer bus.Unsubscribe("dash")

	bus.PublishSweep(3, 7)

	select {
	case evt := <-ch:
		if evt.Type != EventFeedRefresh {
			t.Errorf("event type = %q, want %q", evt.Type, EventFeedRefresh)
		}
		data, ok := evt.Data.(map[string]any)
		if !ok {
			t.Fatalf("event data type %T", evt.Data)
		}
		if data["swept"] != int64(3) || data["inflight"] != 7 {
			t.Errorf("sweep payload = %v", data)
		}
	default:
		t.Fatal("sweep event not delivered")
	}
}

func TestBusCloseIdempotent(t *testing.T) {
	bus := NewEventBus(nil, "")
	bus.Close()
	bus.Close()
}
