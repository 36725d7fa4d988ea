package eventbus

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(10, zap.NewNop())
}

func mustSubscribe(t *testing.T, b *Bus, name Name, h Handler) SubscriptionID {
	t.Helper()
	id, err := b.Subscribe(name, h)
	if err != nil {
		t.Fatalf("subscribe %s: %v", name, err)
	}
	return id
}

func TestPublishOrder(t *testing.T) {
	b := newTestBus(t)
	var got []string
	mustSubscribe(t, b, UserMessage, func(Event) error { got = append(got, "a"); return nil })
	mustSubscribe(t, b, UserMessage, func(Event) error { got = append(got, "b"); return nil })
	mustSubscribe(t, b, UserMessage, func(Event) error { got = append(got, "c"); return nil })

	if err := b.Publish(UserMessage, "hi"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPublishUnknownEvent(t *testing.T) {
	b := newTestBus(t)
	if err := b.Publish("bogus", nil); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("got %v, want ErrUnknownEvent", err)
	}
	if _, err := b.Subscribe("bogus", func(Event) error { return nil }); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("got %v, want ErrUnknownEvent", err)
	}
}

func TestHandlerFailureDoesNotStopDelivery(t *testing.T) {
	b := newTestBus(t)
	var reached int
	mustSubscribe(t, b, HealthAlert, func(Event) error { panic("boom") })
	mustSubscribe(t, b, HealthAlert, func(Event) error { return errors.New("nope") })
	mustSubscribe(t, b, HealthAlert, func(Event) error { reached++; return nil })

	if err := b.Publish(HealthAlert, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if reached != 1 {
		t.Fatalf("last subscriber called %d times, want 1", reached)
	}
	if f := b.Stats().Failures; f != 2 {
		t.Errorf("failures = %d, want 2", f)
	}
}

func TestReentrantPublishIsDepthFirst(t *testing.T) {
	b := newTestBus(t)
	var got []string
	mustSubscribe(t, b, UserMessage, func(Event) error {
		got = append(got, "outer-1")
		return b.Publish(StateUpdated, nil)
	})
	mustSubscribe(t, b, UserMessage, func(Event) error {
		got = append(got, "outer-2")
		return nil
	})
	mustSubscribe(t, b, StateUpdated, func(Event) error {
		got = append(got, "inner")
		return nil
	})

	_ = b.Publish(UserMessage, nil)
	want := []string{"outer-1", "inner", "outer-2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSubscribeDuringDeliverySeesLaterPublishes(t *testing.T) {
	b := newTestBus(t)
	var late int
	added := false
	mustSubscribe(t, b, ModuleStatus, func(Event) error {
		if !added {
			added = true
			mustSubscribe(t, b, ModuleStatus, func(Event) error { late++; return nil })
		}
		return nil
	})

	_ = b.Publish(ModuleStatus, nil)
	if late != 0 {
		t.Fatalf("new subscriber saw in-flight publish")
	}
	_ = b.Publish(ModuleStatus, nil)
	if late != 1 {
		t.Errorf("late = %d, want 1", late)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	var calls int
	id := mustSubscribe(t, b, MemoryStored, func(Event) error { calls++; return nil })
	wid := b.SubscribeAll(func(Event) error { calls++; return nil })

	_ = b.Publish(MemoryStored, nil)
	if !b.Unsubscribe(id) || !b.Unsubscribe(wid) {
		t.Fatal("unsubscribe returned false")
	}
	if b.Unsubscribe(id) {
		t.Error("second unsubscribe should report false")
	}
	_ = b.Publish(MemoryStored, nil)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWildcardRunsAfterNamed(t *testing.T) {
	b := newTestBus(t)
	var got []string
	b.SubscribeAll(func(ev Event) error { got = append(got, "all:"+string(ev.Name)); return nil })
	mustSubscribe(t, b, CodeGenerated, func(Event) error { got = append(got, "named"); return nil })

	_ = b.Publish(CodeGenerated, nil)
	want := []string{"named", "all:code_generated"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	b := New(3, zap.NewNop())
	for i := 0; i < 5; i++ {
		_ = b.Publish(UserMessage, i)
	}
	_ = b.Publish(Heartbeat, nil)

	h := b.History("", 0)
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if h[0].Payload != 2 || h[2].Payload != 4 {
		t.Errorf("unexpected history payloads: %v, %v", h[0].Payload, h[2].Payload)
	}
	if got := b.History(Heartbeat, 0); len(got) != 0 {
		t.Errorf("heartbeats should not be retained, got %d", len(got))
	}
	if got := b.History(UserMessage, 1); len(got) != 1 || got[0].Payload != 4 {
		t.Errorf("limit not applied: %v", got)
	}
}
